package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerWriteTimeout    = 90 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Scheduler
const (
	MinPollInterval   = 5 * time.Second
	MaxRotationFanout = 64
	// JobShutdownTimeout bounds how long Stop waits for in-flight rotations.
	JobShutdownTimeout = 60 * time.Second
)

// Outbound HTTP
const (
	SubscriptionFetchTimeout = 15 * time.Second
	TelegramSendTimeout      = 30 * time.Second
)
