// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Load .env file via godotenv (non-fatal if absent; never overrides
//     existing environment variables).
//  2. Use envconfig to process struct tags and populate the Config struct.
//  3. Validate the struct using go-playground/validator.
//  4. Apply cross-field checks that tags cannot express (provider- and
//     driver-specific required values).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"taskward/internal/types"
)

// Load loads and validates the taskward configuration from the process
// environment. It is called once by the hosting layer before any tick runs;
// every error it returns is a fatal configuration error.
func Load() (*Config, error) {
	// Non-fatal: local development convenience only.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, types.NewAppError(types.ErrCodeConfigInvalid,
			"failed to process environment configuration", err)
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, types.NewAppError(types.ErrCodeConfigInvalid,
			"configuration validation failed", err)
	}

	if err := cfg.checkCrossFields(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// checkCrossFields enforces requirements that depend on the selected
// provider or driver and therefore cannot be expressed as struct tags.
func (c *Config) checkCrossFields() error {
	switch c.Calendar.Provider {
	case "api":
		if c.Calendar.BaseURL == "" || c.Calendar.CalendarID == "" {
			return types.NewAppError(types.ErrCodeConfigMissing,
				"calendar provider 'api' requires CALENDAR_API_URL and CALENDAR_ID", nil)
		}
	case "ics":
		if c.Calendar.FeedURL == "" {
			return types.NewAppError(types.ErrCodeConfigMissing,
				"calendar provider 'ics' requires CALENDAR_FEED_URL", nil)
		}
	}

	if c.Database.Driver == "postgres" && c.Database.URL.Unmask() == "" {
		return types.NewAppError(types.ErrCodeConfigMissing,
			"database driver 'postgres' requires DATABASE_URL", nil)
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		return types.NewAppError(types.ErrCodeConfigMissing,
			"database driver 'sqlite' requires SQLITE_PATH", nil)
	}

	return nil
}

// Window returns the tick polling window durations derived from the
// configured minutes.
func (c *Config) Window() (lookback, lookahead time.Duration) {
	return time.Duration(c.LookbackMinutes) * time.Minute,
		time.Duration(c.LookaheadMinutes) * time.Minute
}

// String renders a short, secret-safe description of the loaded config for
// startup logging.
func (c *Config) String() string {
	return fmt.Sprintf("env=%s tz=%s provider=%s driver=%s window=-%dm/+%dm summary_hour=%d",
		c.Environment, c.Timezone, c.Calendar.Provider, c.Database.Driver,
		c.LookbackMinutes, c.LookaheadMinutes, c.SummaryHour)
}
