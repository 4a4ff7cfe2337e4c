package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultPingTimeout       = 30 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultAuthTimeout       = 10 * time.Second
	DefaultReconnectBaseWait = 1 * time.Second
	DefaultReconnectMaxWait  = 60 * time.Second
	DefaultReconnectJitter   = 0.2
	DefaultMessageBufferSize = 10000

	DefaultHTTPTimeout  = 10 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = time.Second

	DefaultAntiForgeryPath = "/api/auth/anti-forgery"
	DefaultTransportPath   = "/api/feed/transport"
	DefaultStreamTokenPath = "/api/feed/token"
	DefaultTimingsPath     = "/api/calendar/timings"
	DefaultHolidaysPath    = "/api/calendar/holidays"
	DefaultQuotesPath      = "/api/quotes/batch"

	DefaultPreMarketBuffer    = 15 * time.Minute
	DefaultSnapshotInterval   = 30 * time.Second
	DefaultStalenessThreshold = 5 * time.Second
	DefaultHiddenGrace        = 30 * time.Second

	DefaultLogLevel   = "info"
	DefaultHealthPort = 8080
	DefaultHealthPath = "/health"
)

func (c *Config) applyDefaults() {
	// Feed defaults
	if c.Feed.PingTimeout == 0 {
		c.Feed.PingTimeout = DefaultPingTimeout
	}
	if c.Feed.WriteTimeout == 0 {
		c.Feed.WriteTimeout = DefaultWriteTimeout
	}
	if c.Feed.AuthTimeout == 0 {
		c.Feed.AuthTimeout = DefaultAuthTimeout
	}
	if c.Feed.ReconnectBaseWait == 0 {
		c.Feed.ReconnectBaseWait = DefaultReconnectBaseWait
	}
	if c.Feed.ReconnectMaxWait == 0 {
		c.Feed.ReconnectMaxWait = DefaultReconnectMaxWait
	}
	if c.Feed.ReconnectJitter == 0 {
		c.Feed.ReconnectJitter = DefaultReconnectJitter
	}
	if c.Feed.MessageBufferSize == 0 {
		c.Feed.MessageBufferSize = DefaultMessageBufferSize
	}

	// Auth defaults
	if c.Auth.AntiForgeryPath == "" {
		c.Auth.AntiForgeryPath = DefaultAntiForgeryPath
	}
	if c.Auth.TransportPath == "" {
		c.Auth.TransportPath = DefaultTransportPath
	}
	if c.Auth.StreamTokenPath == "" {
		c.Auth.StreamTokenPath = DefaultStreamTokenPath
	}
	if c.Auth.Timeout == 0 {
		c.Auth.Timeout = DefaultHTTPTimeout
	}
	if c.Auth.MaxRetries == 0 {
		c.Auth.MaxRetries = DefaultMaxRetries
	}
	if c.Auth.RetryBackoff == 0 {
		c.Auth.RetryBackoff = DefaultRetryBackoff
	}

	// Calendar defaults
	if c.Calendar.TimingsPath == "" {
		c.Calendar.TimingsPath = DefaultTimingsPath
	}
	if c.Calendar.HolidaysPath == "" {
		c.Calendar.HolidaysPath = DefaultHolidaysPath
	}
	if c.Calendar.Timeout == 0 {
		c.Calendar.Timeout = DefaultHTTPTimeout
	}
	if c.Calendar.PreMarketBuffer == 0 {
		c.Calendar.PreMarketBuffer = DefaultPreMarketBuffer
	}

	// Snapshot defaults
	if c.Snapshot.QuotesPath == "" {
		c.Snapshot.QuotesPath = DefaultQuotesPath
	}
	if c.Snapshot.Interval == 0 {
		c.Snapshot.Interval = DefaultSnapshotInterval
	}
	if c.Snapshot.Timeout == 0 {
		c.Snapshot.Timeout = DefaultHTTPTimeout
	}
	if c.Snapshot.MaxRetries == 0 {
		c.Snapshot.MaxRetries = DefaultMaxRetries
	}
	if c.Snapshot.RetryBackoff == 0 {
		c.Snapshot.RetryBackoff = DefaultRetryBackoff
	}

	// Staleness defaults
	if c.Staleness.Threshold == 0 {
		c.Staleness.Threshold = DefaultStalenessThreshold
	}

	// Visibility defaults
	if c.Visibility.HiddenGrace == 0 {
		c.Visibility.HiddenGrace = DefaultHiddenGrace
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Health.Path == "" {
		c.Health.Path = DefaultHealthPath
	}
}
