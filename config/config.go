package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config carries every tunable the service reads from the environment.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	JWTSecret   string `env:"JWT_SECRET" envDefault:"dev-secret"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// ApprovalTokenTTL bounds how long an emailed decision link stays usable.
	ApprovalTokenTTL time.Duration `env:"APPROVAL_TOKEN_TTL" envDefault:"72h"`

	// SLA policy knobs. Hours are per request category; the warning fraction is
	// the tail of the resolution window that triggers a pre-breach warning.
	SLAFirstResponseHours   int     `env:"SLA_FIRST_RESPONSE_HOURS" envDefault:"4"`
	SLAResolutionHours      int     `env:"SLA_RESOLUTION_HOURS" envDefault:"72"`
	SLATicketResponseHours  int     `env:"SLA_TICKET_RESPONSE_HOURS" envDefault:"2"`
	SLATicketResolveHours   int     `env:"SLA_TICKET_RESOLVE_HOURS" envDefault:"24"`
	SLAWarningFraction      float64 `env:"SLA_WARNING_FRACTION" envDefault:"0.25"`
	OutboxMaxDeliveryTries  int     `env:"OUTBOX_MAX_DELIVERY_TRIES" envDefault:"8"`
	OutboxDrainBatchSize    int     `env:"OUTBOX_DRAIN_BATCH_SIZE" envDefault:"50"`
}

// Load reads .env files when present, then parses the environment.
func Load() (Config, error) {
	for _, f := range []string{".env", ".env.local"} {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return Config{}, fmt.Errorf("config: load %s: %w", f, err)
			}
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}

// NewLogger builds the process logger from the configured level and environment.
func NewLogger(cfg Config) *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.Environment == "production" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}
