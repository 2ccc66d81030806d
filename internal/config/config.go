// Package config defines the configuration for the taskward agent.
// Configuration is loaded once at process initialization and is immutable
// thereafter, following 12-Factor principles: values come from the OS
// environment, optionally seeded from a .env file for local development.
// Any missing required value or invalid format fails startup immediately.
package config

import (
	"time"

	"taskward/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used for credentials to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only
// the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Timezone is the IANA timezone used to resolve the agent's local
	// civil day for digest decisions (e.g. "America/New_York").
	Timezone string `envconfig:"AGENT_TIMEZONE" default:"UTC" validate:"required,timezone"`

	// Polling window around "now" for each tick. Lookback must be positive;
	// lookahead may be zero.
	LookbackMinutes  int `envconfig:"TICK_LOOKBACK_MINUTES" default:"15" validate:"gt=0"`
	LookaheadMinutes int `envconfig:"TICK_LOOKAHEAD_MINUTES" default:"5" validate:"gte=0"`

	// SummaryHour is the earliest local hour (0-23) at which the daily
	// digest may be sent.
	SummaryHour int `envconfig:"SUMMARY_HOUR" default:"17" validate:"gte=0,lte=23"`

	// MaxParallelEvents bounds per-event fan-out within a tick so a large
	// window cannot overwhelm the event source or the run store.
	MaxParallelEvents int `envconfig:"TICK_MAX_PARALLEL" default:"4" validate:"gte=1"`

	// TickSchedule is the cron expression driving the long-running host.
	TickSchedule string `envconfig:"TICK_SCHEDULE" default:"@every 1m" validate:"required"`

	HealthPort string `envconfig:"HEALTH_PORT" default:"8080"`

	Calendar CalendarConfig
	Database DatabaseConfig
	Email    EmailConfig
}

// CalendarConfig selects and configures the Event Gateway.
type CalendarConfig struct {
	// Provider selects the gateway implementation: "api" for the REST
	// calendar API client, "ics" for a read-only iCalendar feed.
	Provider string `envconfig:"CALENDAR_PROVIDER" default:"api" validate:"required,oneof=api ics"`

	// REST API provider settings.
	BaseURL    string       `envconfig:"CALENDAR_API_URL" validate:"omitempty,url"`
	APIKey     SecretString `envconfig:"CALENDAR_API_KEY"`
	CalendarID string       `envconfig:"CALENDAR_ID"`

	// ICS feed provider settings.
	FeedURL string `envconfig:"CALENDAR_FEED_URL" validate:"omitempty,url"`

	Timeout time.Duration `envconfig:"CALENDAR_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds run/summary store connection parameters. The
// postgres driver is the production store; sqlite serves single-node and
// local deployments.
type DatabaseConfig struct {
	Driver string       `envconfig:"DB_DRIVER" default:"postgres" validate:"required,oneof=postgres sqlite"`
	URL    SecretString `envconfig:"DATABASE_URL"`
	Path   string       `envconfig:"SQLITE_PATH" default:"taskward.db"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// EmailConfig holds the digest delivery settings for the SES gateway.
type EmailConfig struct {
	FromAddress string `envconfig:"EMAIL_FROM_ADDRESS" default:"agent@taskward.local" validate:"required,email"`
	FromName    string `envconfig:"EMAIL_FROM_NAME" default:"Taskward Agent"`
	ToAddress   string `envconfig:"EMAIL_TO_ADDRESS" validate:"required,email"`
	// ConfigSet is the SES configuration set name for delivery tracking.
	// Optional; empty means no configuration set.
	ConfigSet string `envconfig:"SES_CONFIG_SET"`
	Region    string `envconfig:"AWS_REGION" default:"us-east-1"`
}
