package application

import (
	"context"
	stderrors "errors"
	"fmt"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/murachue/nosteen-sub000/internal/connection"
	"github.com/murachue/nosteen-sub000/internal/errors"
	"github.com/murachue/nosteen-sub000/internal/metrics"
	"github.com/murachue/nosteen-sub000/internal/models"
	"github.com/murachue/nosteen-sub000/internal/pool"
	"github.com/murachue/nosteen-sub000/internal/protocol"
)

var (
	ErrNoRelays     = fmt.Errorf("no relay to publish to")
	ErrInvalidEvent = fmt.Errorf("event is not signed")
)

// PublishOutcome is the answer of one endpoint.
type PublishOutcome struct {
	Relay  string `json:"relay"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

// Publish sends a signed event to relays, or to every write endpoint when
// relays is empty. The channel yields one outcome per endpoint and closes
// after the last. Once any endpoint accepts, the event is also folded into
// the relay-fed streams it matches.
func (n *Node) Publish(ctx context.Context, evt *nostr.Event, relays []string) (<-chan PublishOutcome, error) {
	if evt == nil || !protocol.ValidShape(evt) {
		return nil, ErrInvalidEvent
	}
	if len(relays) == 0 {
		relays = n.relays.writeURLs()
	}
	targets := dedupe(relays)
	if len(targets) == 0 {
		return nil, ErrNoRelays
	}

	results := make(chan PublishOutcome, len(targets))
	for _, url := range targets {
		url := url
		job := func() { results <- n.publishOne(ctx, evt, url) }
		if err := n.workers.Submit(ctx, job); err != nil {
			results <- n.outcome(url, evt, err, "")
		}
	}

	out := make(chan PublishOutcome, len(targets))
	streams := n.filteredStreams()
	go func() {
		defer close(out)
		accepted := false
		for range targets {
			o := <-results
			accepted = accepted || o.OK
			out <- o
		}
		if accepted && len(streams) > 0 {
			n.ingest(streams, []models.RawEvent{{Event: evt, ReceivedAt: n.clock.Now()}})
		}
	}()
	return out, nil
}

// PublishAll is Publish collecting every outcome.
func (n *Node) PublishAll(ctx context.Context, evt *nostr.Event, relays []string) ([]PublishOutcome, error) {
	ch, err := n.Publish(ctx, evt, relays)
	if err != nil {
		return nil, err
	}
	var outcomes []PublishOutcome
	for o := range ch {
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

func (n *Node) publishOne(ctx context.Context, evt *nostr.Event, url string) PublishOutcome {
	sup := n.pool.Want(url)
	defer n.pool.Forget(url)

	pub := sup.Conn().Publish(evt)
	err := pub.Wait(ctx)
	return n.outcome(url, evt, err, pub.Reason())
}

func (n *Node) outcome(url string, evt *nostr.Event, err error, reason string) PublishOutcome {
	if err == nil {
		metrics.PublishResults.WithLabelValues("ok").Inc()
		return PublishOutcome{Relay: url, OK: true, Reason: reason}
	}

	metrics.PublishResults.WithLabelValues("failed").Inc()
	var rejected *connection.RejectedError
	if stderrors.As(err, &rejected) {
		reason = rejected.Reason
	} else if reason == "" {
		reason = err.Error()
	}
	appErr := errors.PublishError(url, evt.ID, reason)
	appErr.Cause = err
	errors.Log(n.log, "Publish failed", appErr, zap.String("event_id", evt.ID))
	return PublishOutcome{Relay: url, Reason: reason, Err: appErr}
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		key := pool.Normalize(u)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
