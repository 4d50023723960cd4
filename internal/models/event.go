package models

import (
	"cmp"
	"slices"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
)

// DeletableEvent is the event table's record for one event id.
//
// Event is nil while only a deletion targeting the id has been seen.
type DeletableEvent struct {
	ID       string
	Event    *nostr.Event
	Deletion *nostr.Event
	// Relays maps endpoint url to the first time the event arrived from it.
	Relays map[string]time.Time
}

// NewDeletableEvent returns an empty record for id.
func NewDeletableEvent(id string) *DeletableEvent {
	return &DeletableEvent{ID: id, Relays: make(map[string]time.Time)}
}

// Seen records provenance; only the first receipt per relay is kept.
func (d *DeletableEvent) Seen(relay string, at time.Time) {
	if relay == "" {
		return
	}
	if _, ok := d.Relays[relay]; !ok {
		d.Relays[relay] = at
	}
}

// Deleted reports whether a deletion is currently attributed to the record.
func (d *DeletableEvent) Deleted() bool {
	return d.Deletion != nil
}

// Snapshot returns a copy that can leave the pipeline goroutine.
func (d *DeletableEvent) Snapshot() DeletableEvent {
	c := *d
	c.Relays = make(map[string]time.Time, len(d.Relays))
	for k, v := range d.Relays {
		c.Relays[k] = v
	}
	return c
}

// RelayList returns the relays the event arrived from, ordered by first
// arrival and then by url.
func (d *DeletableEvent) RelayList() []string {
	if len(d.Relays) == 0 {
		return nil
	}
	out := make([]string, 0, len(d.Relays))
	for relay := range d.Relays {
		out = append(out, relay)
	}
	slices.SortFunc(out, func(a, b string) int {
		if c := d.Relays[a].Compare(d.Relays[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return out
}
