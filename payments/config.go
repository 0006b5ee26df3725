package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/timour/course-checkout/common/config"
)

type Config struct {
	ServiceName string
	InstanceID  string
	HTTPAddr    string

	BaseURL        string
	Currency       string
	StripeKey      string
	WebhookSecret  string
	WebhookTimeout time.Duration

	DatabaseURL string

	RedisAddr string
	CacheTTL  time.Duration

	AMQPUser string
	AMQPPass string
	AMQPHost string
	AMQPPort string

	ConsulAddr string
}

func LoadConfig() Config {
	serviceName := config.GetEnv("SERVICE_NAME", "payments")
	return Config{
		ServiceName: serviceName,
		InstanceID:  config.GetEnv("INSTANCE_ID", ""),
		HTTPAddr:    config.GetEnv("HTTP_ADDR", "localhost:8082"),

		BaseURL:        config.GetEnv("BASE_URL", ""),
		Currency:       config.GetEnv("CURRENCY", "usd"),
		StripeKey:      config.GetEnv("STRIPE_SECRET_KEY", ""),
		WebhookSecret:  config.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		WebhookTimeout: config.GetEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),

		DatabaseURL: databaseURL(),

		RedisAddr: config.GetEnv("REDIS_ADDR", ""),
		CacheTTL:  config.GetEnvDuration("CATALOG_CACHE_TTL", 5*time.Minute),

		AMQPUser: config.GetEnv("AMQP_USER", "guest"),
		AMQPPass: config.GetEnv("AMQP_PASS", "guest"),
		AMQPHost: config.GetEnv("AMQP_HOST", ""),
		AMQPPort: config.GetEnv("AMQP_PORT", "5672"),

		ConsulAddr: config.GetEnv("CONSUL_ADDR", ""),
	}
}

func databaseURL() string {
	if url := config.GetEnv("DATABASE_URL", ""); url != "" {
		return url
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		config.GetEnv("POSTGRES_USER", "payments"),
		config.GetEnv("POSTGRES_PASSWORD", "payments"),
		config.GetEnv("POSTGRES_HOST", "localhost"),
		config.GetEnv("POSTGRES_PORT", "5432"),
		config.GetEnv("POSTGRES_DB", "payments"),
	)
}

// ValidateServe checks what the HTTP service cannot run without. A missing
// webhook secret is reported but not fatal: the endpoint then rejects every
// event.
func (c Config) ValidateServe() (warnings []string, err error) {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("BASE_URL is required"))
	}
	if c.StripeKey == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY is required"))
	}
	if c.WebhookSecret == "" {
		warnings = append(warnings, "STRIPE_WEBHOOK_SECRET is not set; webhook endpoint will reject all events")
	}
	return warnings, errors.Join(errs...)
}
