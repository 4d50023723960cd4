package config

// MetricsConfig controls the status server that exposes /metrics, /health and /relays.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"ENABLED" json:"enabled"`
	Addr    string `mapstructure:"ADDR"    json:"addr"    validate:"omitempty,listen_addr"`
}
