package models

import "time"

// Endpoint is one configured relay.
type Endpoint struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// RelayStatus is the live view of one endpoint connection.
type RelayStatus struct {
	URL           string    `json:"url"`
	Read          bool      `json:"read"`
	Write         bool      `json:"write"`
	Wanted        bool      `json:"wanted"`
	Connected     bool      `json:"connected"`
	Failures      int       `json:"failures"`
	NextRetry     time.Time `json:"next_retry,omitempty"`
	LastConnected time.Time `json:"last_connected,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Notices       []string  `json:"notices,omitempty"`
	Rejected      int       `json:"rejected"`
	Flagged       bool      `json:"flagged"`
}
