package config

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Auth.BaseURL == "" {
		return errors.New("auth.base_url is required")
	}
	if c.Calendar.BaseURL == "" {
		return errors.New("calendar.base_url is required")
	}
	if c.Snapshot.BaseURL == "" {
		return errors.New("snapshot.base_url is required")
	}

	if c.Feed.ReconnectBaseWait > c.Feed.ReconnectMaxWait {
		return fmt.Errorf("feed.reconnect_base_wait (%s) cannot exceed reconnect_max_wait (%s)",
			c.Feed.ReconnectBaseWait, c.Feed.ReconnectMaxWait)
	}
	if c.Feed.ReconnectJitter < 0 || c.Feed.ReconnectJitter > 1 {
		return fmt.Errorf("feed.reconnect_jitter must be in [0, 1], got %v", c.Feed.ReconnectJitter)
	}
	if c.Feed.ReconnectMaxAttempts < 0 {
		return errors.New("feed.reconnect_max_attempts must be >= 0")
	}

	if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
		return fmt.Errorf("calendar.timezone: %w", err)
	}

	if c.Snapshot.Interval <= 0 {
		return errors.New("snapshot.interval must be > 0")
	}
	if c.Staleness.Threshold <= 0 {
		return errors.New("staleness.threshold must be > 0")
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug|info|warn|error, got %q", c.Log.Level)
	}

	return nil
}
