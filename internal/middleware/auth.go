package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/marzops/rotator/internal/audit"
	apperrors "github.com/marzops/rotator/internal/errors"
	"github.com/marzops/rotator/internal/httputil"
	"github.com/marzops/rotator/internal/util"
)

// AdminAuthMiddleware guards the operator API with a static bearer token.
type AdminAuthMiddleware struct {
	token   string
	limiter *AuthFailureLimiter
}

func NewAdminAuthMiddleware(token string, limiter *AuthFailureLimiter) *AdminAuthMiddleware {
	if limiter == nil {
		limiter = NewAuthFailureLimiter()
	}
	return &AdminAuthMiddleware{token: token, limiter: limiter}
}

func (m *AdminAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if m.limiter.Blocked(ip) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "Too many failed attempts. Please try again later.",
			})
			return
		}

		token := extractToken(r)
		if token == "" {
			httputil.WriteErrorWithStatus(w, http.StatusUnauthorized, apperrors.InvalidToken("Missing authentication token"))
			return
		}

		if m.token == "" || !util.ConstantTimeEqual(token, m.token) {
			m.limiter.Fail(ip)
			log.Warn().Str("ip", ip).Str("token", util.MaskSecret(token)).Msg("admin auth: invalid token attempt")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"token": util.MaskSecret(token)},
			})
			httputil.WriteErrorWithStatus(w, http.StatusUnauthorized, apperrors.InvalidToken("Invalid token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	return r.RemoteAddr
}
