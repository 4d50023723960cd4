package config

import "time"

// ConnectionConfig tunes every relay link.
type ConnectionConfig struct {
	ConnectTimeout time.Duration `mapstructure:"CONNECT_TIMEOUT"  json:"connect_timeout"  validate:"required,timeout_duration"`
	SendWait       time.Duration `mapstructure:"SEND_WAIT"        json:"send_wait"        validate:"required,timeout_duration"`
	WriteTimeout   time.Duration `mapstructure:"WRITE_TIMEOUT"    json:"write_timeout"    validate:"required,timeout_duration"`
	PingInterval   time.Duration `mapstructure:"PING_INTERVAL"    json:"ping_interval"    validate:"omitempty,timeout_duration"`
	MaxMessageSize int64         `mapstructure:"MAX_MESSAGE_SIZE" json:"max_message_size" validate:"required,min=1024,max=67108864"`
	Rate           float64       `mapstructure:"RATE"             json:"rate"             validate:"min=0"`
	Burst          int           `mapstructure:"BURST"            json:"burst"            validate:"min=0"`
	VerifyFrames   bool          `mapstructure:"VERIFY_FRAMES"    json:"verify_frames"`
}

// SupervisorConfig controls reconnect backoff.
type SupervisorConfig struct {
	BackoffBase time.Duration `mapstructure:"BACKOFF_BASE" json:"backoff_base" validate:"required,timeout_duration"`
	MaxExponent int           `mapstructure:"MAX_EXPONENT" json:"max_exponent" validate:"required,min=1,max=30"`
}

// PoolConfig controls subscription multiplexing.
type PoolConfig struct {
	Debounce    time.Duration `mapstructure:"DEBOUNCE"     json:"debounce"     validate:"required,short_duration"`
	EOSETimeout time.Duration `mapstructure:"EOSE_TIMEOUT" json:"eose_timeout" validate:"required,timeout_duration"`
}

// FetchConfig controls on-demand fetch rounds.
type FetchConfig struct {
	MaxFilters   int           `mapstructure:"MAX_FILTERS"   json:"max_filters"   validate:"required,min=1,max=100"`
	ProfileStale time.Duration `mapstructure:"PROFILE_STALE" json:"profile_stale" validate:"required,min=1s"`
}

// CacheConfig sizes the in-memory event and profile tables.
type CacheConfig struct {
	Events        int     `mapstructure:"EVENTS"         json:"events"         validate:"required,min=100"`
	Profiles      int     `mapstructure:"PROFILES"       json:"profiles"       validate:"required,min=10"`
	BloomEstimate uint    `mapstructure:"BLOOM_ESTIMATE" json:"bloom_estimate" validate:"required,min=1000"`
	BloomFPRate   float64 `mapstructure:"BLOOM_FP_RATE"  json:"bloom_fp_rate"  validate:"required,gt=0,lt=1"`
}

// VerifyConfig decides when a relay is flagged for sending bad events.
type VerifyConfig struct {
	MaxRejections int           `mapstructure:"MAX_REJECTIONS" json:"max_rejections" validate:"required,min=1"`
	RejectWindow  time.Duration `mapstructure:"REJECT_WINDOW"  json:"reject_window"  validate:"required,timeout_duration"`
	FlagDuration  time.Duration `mapstructure:"FLAG_DURATION"  json:"flag_duration"  validate:"required,reasonable_duration"`
}

// PublishConfig controls outbound publication.
type PublishConfig struct {
	Timeout time.Duration `mapstructure:"TIMEOUT" json:"timeout" validate:"required,timeout_duration"`
	Workers int           `mapstructure:"WORKERS" json:"workers" validate:"required,min=1,max=256"`
}
