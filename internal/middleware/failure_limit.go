package middleware

import (
	"sync"
	"time"
)

const (
	authMaxFailures     = 5
	authWindowDuration  = time.Minute
	authCleanupInterval = 5 * time.Minute
)

type failureWindow struct {
	count       int
	windowStart time.Time
}

// AuthFailureLimiter blocks a client for the rest of the window after too
// many rejected tokens. Successful requests are never counted.
type AuthFailureLimiter struct {
	mu          sync.Mutex
	failures    map[string]*failureWindow
	lastCleanup time.Time
	now         func() time.Time
}

func NewAuthFailureLimiter() *AuthFailureLimiter {
	return &AuthFailureLimiter{
		failures:    make(map[string]*failureWindow),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

func (l *AuthFailureLimiter) Blocked(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanup()
	w, ok := l.failures[ip]
	if !ok {
		return false
	}
	if l.now().Sub(w.windowStart) > authWindowDuration {
		delete(l.failures, ip)
		return false
	}
	return w.count >= authMaxFailures
}

func (l *AuthFailureLimiter) Fail(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.failures[ip]
	if !ok || now.Sub(w.windowStart) > authWindowDuration {
		l.failures[ip] = &failureWindow{count: 1, windowStart: now}
		return
	}
	w.count++
}

func (l *AuthFailureLimiter) cleanup() {
	now := l.now()
	if now.Sub(l.lastCleanup) < authCleanupInterval {
		return
	}
	l.lastCleanup = now

	for ip, w := range l.failures {
		if now.Sub(w.windowStart) > authWindowDuration {
			delete(l.failures, ip)
		}
	}
}
