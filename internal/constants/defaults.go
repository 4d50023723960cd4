package constants

import "time"

// Connection defaults
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultSendWait       = 2 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultMaxMessageSize = 1 << 20
	MaxRecentNotices      = 20
	InboundQueueSize      = 1024
)

// Supervisor defaults
const (
	DefaultBackoffBase = 1000 * time.Millisecond
	// MaxBackoffExponent caps 2^failures.
	MaxBackoffExponent = 30
	// MaxBackoffDelay is the longest wait between reconnect attempts.
	MaxBackoffDelay = 24 * time.Hour
)

// Pool defaults
const (
	DefaultDebounce    = 100 * time.Millisecond
	DefaultEOSETimeout = 3400 * time.Millisecond
)

// Fetch defaults
const (
	MaxFetchFilters     = 20
	DefaultProfileStale = 10 * time.Minute
	// MaxPredicateValues bounds the ids or authors one merged filter carries.
	MaxPredicateValues = 500
)

// Cache defaults
const (
	DefaultEventCacheSize   = 100_000
	DefaultProfileCacheSize = 10_000
	DefaultBloomEstimate    = 1_000_000
	DefaultBloomFPRate      = 0.01
)

// Publish defaults
const (
	DefaultPublishTimeout = 10 * time.Second
	DefaultPublishWorkers = 8
)

// Status server defaults
const (
	DefaultMetricsAddr = ":9464"
	// HealthCheckTimeout is in seconds.
	HealthCheckTimeout = 5
)
