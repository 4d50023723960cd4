package connection

import (
	"context"
	"sync"

	nostr "github.com/nbd-wtf/go-nostr"
)

// Publication tracks one EVENT or AUTH send until the relay answers OK.
type Publication struct {
	Relay   string
	EventID string

	once   sync.Once
	done   chan struct{}
	err    error
	reason string
}

func newPublication(relay string, evt *nostr.Event) *Publication {
	return &Publication{Relay: relay, EventID: evt.ID, done: make(chan struct{})}
}

// Done is closed once the outcome is known.
func (p *Publication) Done() <-chan struct{} { return p.done }

// Err returns nil for an accepted event. Only valid after Done.
func (p *Publication) Err() error { return p.err }

// Reason returns the relay's message attached to the OK frame.
func (p *Publication) Reason() string { return p.reason }

// Wait blocks until the outcome is known or ctx ends.
func (p *Publication) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publication) resolve(err error, reason string) bool {
	resolved := false
	p.once.Do(func() {
		p.err = err
		p.reason = reason
		close(p.done)
		resolved = true
	})
	return resolved
}
