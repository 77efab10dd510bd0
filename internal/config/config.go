package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "secret", "admin", "password", "token",
}

type Config struct {
	Port                         int     `env:"PORT" envDefault:"8080"`
	DatabaseURL                  string  `env:"DATABASE_URL,required"`
	RedisURL                     string  `env:"REDIS_URL"`
	TelegramBotToken             string  `env:"TELEGRAM_BOT_TOKEN,required"`
	TelegramAdminIDs             []int64 `env:"TELEGRAM_ADMIN_IDS" envSeparator:","`
	TelegramPollTimeoutSeconds   int     `env:"TELEGRAM_POLL_TIMEOUT_SECONDS" envDefault:"10"`
	AdminAPIToken                string  `env:"ADMIN_API_TOKEN"`
	EncryptionKey                string  `env:"ENCRYPTION_KEY"`
	PollIntervalSeconds          int     `env:"POLL_INTERVAL_SECONDS" envDefault:"30"`
	RotationFanout               int     `env:"ROTATION_FANOUT" envDefault:"5"`
	ControlPlaneTimeoutSeconds   int     `env:"CONTROL_PLANE_TIMEOUT_SECONDS" envDefault:"20"`
	TokenCacheTTLMinutes         int     `env:"TOKEN_CACHE_TTL_MINUTES" envDefault:"50"`
	TransientEscalationThreshold int     `env:"TRANSIENT_ESCALATION_THRESHOLD" envDefault:"3"`
	NotifyRatePerSec             int     `env:"NOTIFY_RATE_PER_SEC" envDefault:"3"`
	Timezone                     string  `env:"TIMEZONE" envDefault:"UTC"`
	LogLevel                     string  `env:"LOG_LEVEL" envDefault:"info"`
}

// PollInterval never drops below MinPollInterval so a misconfigured value
// cannot turn the scheduler into a busy loop.
func (c *Config) PollInterval() time.Duration {
	d := time.Duration(c.PollIntervalSeconds) * time.Second
	if d < MinPollInterval {
		return MinPollInterval
	}
	return d
}

func (c *Config) ControlPlaneTimeout() time.Duration {
	return time.Duration(c.ControlPlaneTimeoutSeconds) * time.Second
}

func (c *Config) TokenCacheTTL() time.Duration {
	return time.Duration(c.TokenCacheTTLMinutes) * time.Minute
}

func (c *Config) TelegramPollTimeout() time.Duration {
	return time.Duration(c.TelegramPollTimeoutSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Location resolves Timezone, falling back to UTC for unknown names.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(c.Timezone))
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) Validate() error {
	if c.RotationFanout < 1 || c.RotationFanout > MaxRotationFanout {
		return fmt.Errorf("ROTATION_FANOUT must be between 1 and %d", MaxRotationFanout)
	}
	if c.ControlPlaneTimeoutSeconds < 1 {
		return fmt.Errorf("CONTROL_PLANE_TIMEOUT_SECONDS must be positive")
	}
	if c.TransientEscalationThreshold < 1 {
		return fmt.Errorf("TRANSIENT_ESCALATION_THRESHOLD must be positive")
	}
	if c.NotifyRatePerSec < 1 {
		return fmt.Errorf("NOTIFY_RATE_PER_SEC must be positive")
	}
	if c.EncryptionKey != "" {
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("ENCRYPTION_KEY must be 64 hex chars (generate with: openssl rand -hex 32)")
		}
	}
	if c.AdminAPIToken != "" {
		if err := validateSecret("ADMIN_API_TOKEN", c.AdminAPIToken); err != nil {
			return err
		}
	} else {
		log.Warn().Msg("ADMIN_API_TOKEN is empty: operator API is disabled")
	}
	if len(c.TelegramAdminIDs) == 0 {
		log.Warn().Msg("TELEGRAM_ADMIN_IDS is empty: admin bot commands are disabled")
	}
	if c.EncryptionKey == "" {
		log.Warn().Msg("ENCRYPTION_KEY is empty: panel passwords are read as plaintext")
	}
	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	// A missing .env is normal in production; the environment wins either way.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
