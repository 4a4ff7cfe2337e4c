package config

import "time"

// Config is the root configuration for the sync engine.
type Config struct {
	Feed       FeedConfig       `yaml:"feed"`
	Auth       AuthConfig       `yaml:"auth"`
	Calendar   CalendarConfig   `yaml:"calendar"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Staleness  StalenessConfig  `yaml:"staleness"`
	Visibility VisibilityConfig `yaml:"visibility"`
	Log        LogConfig        `yaml:"log"`
	Health     HealthConfig     `yaml:"health"`
}

// FeedConfig holds streaming transport settings.
type FeedConfig struct {
	// WSURL overrides the transport URL returned by the credential
	// endpoint. Normally empty; set for local test feeds.
	WSURL string `yaml:"ws_url"`

	PingTimeout       time.Duration `yaml:"ping_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	AuthTimeout       time.Duration `yaml:"auth_timeout"`
	ReconnectBaseWait time.Duration `yaml:"reconnect_base_wait"`
	ReconnectMaxWait  time.Duration `yaml:"reconnect_max_wait"`
	ReconnectJitter   float64       `yaml:"reconnect_jitter"`
	// ReconnectMaxAttempts caps automatic reconnects; 0 means unlimited.
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`
	MessageBufferSize    int `yaml:"message_buffer_size"`
}

// AuthConfig holds the credential endpoint set.
type AuthConfig struct {
	BaseURL         string        `yaml:"base_url"`
	AntiForgeryPath string        `yaml:"anti_forgery_path"`
	TransportPath   string        `yaml:"transport_path"`
	StreamTokenPath string        `yaml:"stream_token_path"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
}

// CalendarConfig holds the trading calendar endpoints and buffers.
type CalendarConfig struct {
	BaseURL      string        `yaml:"base_url"`
	TimingsPath  string        `yaml:"timings_path"`
	HolidaysPath string        `yaml:"holidays_path"`
	Timeout      time.Duration `yaml:"timeout"`
	// Timezone is the IANA zone holiday dates are written in.
	Timezone        string        `yaml:"timezone"`
	PreMarketBuffer time.Duration `yaml:"pre_market_buffer"`
}

// SnapshotConfig holds batch snapshot fallback settings.
type SnapshotConfig struct {
	BaseURL      string        `yaml:"base_url"`
	QuotesPath   string        `yaml:"quotes_path"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	SkipHidden   *bool         `yaml:"skip_hidden"` // nil → default true
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// StalenessConfig controls when streamed data stops being trusted.
type StalenessConfig struct {
	Threshold time.Duration `yaml:"threshold"`
}

// VisibilityConfig controls background pause behavior.
type VisibilityConfig struct {
	// HiddenGrace is how long the app must stay hidden before the
	// transport is closed to save resources.
	HiddenGrace     time.Duration `yaml:"hidden_grace"`
	PauseConnection *bool         `yaml:"pause_connection"` // nil → default true
}

// LogConfig holds structured logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// SnapshotSkipHidden resolves the SkipHidden tri-state.
func (c SnapshotConfig) SnapshotSkipHidden() bool {
	if c.SkipHidden == nil {
		return true
	}
	return *c.SkipHidden
}

// ConnectionPause resolves the PauseConnection tri-state.
func (c VisibilityConfig) ConnectionPause() bool {
	if c.PauseConnection == nil {
		return true
	}
	return *c.PauseConnection
}
