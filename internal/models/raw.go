package models

import (
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
)

// RawEvent is an unverified event as it came off one relay.
type RawEvent struct {
	Relay      string
	Event      *nostr.Event
	ReceivedAt time.Time
}
