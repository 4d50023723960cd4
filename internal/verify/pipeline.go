// Package verify serializes signature checks, deletion handling and
// repost extraction over the shared event table.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/murachue/nosteen-sub000/internal/constants"
	"github.com/murachue/nosteen-sub000/internal/domain"
	"github.com/murachue/nosteen-sub000/internal/errors"
	"github.com/murachue/nosteen-sub000/internal/logger"
	"github.com/murachue/nosteen-sub000/internal/metrics"
	"github.com/murachue/nosteen-sub000/internal/models"
	"github.com/murachue/nosteen-sub000/internal/protocol"
	"github.com/murachue/nosteen-sub000/internal/store"
)

// Rejection reasons.
var (
	ErrBadSignature      = fmt.Errorf("bad signature")
	ErrSignatureMismatch = fmt.Errorf("signature differs from the recorded event")
	ErrAuthorMismatch    = fmt.Errorf("deletion author does not match target author")
	ErrMalformed         = fmt.Errorf("malformed event")
	ErrPipelineAborted   = fmt.Errorf("verification pipeline aborted")
	ErrPipelineStopped   = fmt.Errorf("verification pipeline stopped")
)

// Rejection is an event excluded from every table.
type Rejection struct {
	Raw    models.RawEvent
	Reason error
	// Label is the metric label of Reason, such as "bad_signature".
	Label string
}

// Result partitions one batch.
type Result struct {
	// Accepted holds every record the batch touched, in first-touch order.
	Accepted []*models.DeletableEvent
	Rejected []Rejection
	// Embedded holds repost targets recorded from repost content.
	Embedded []*models.DeletableEvent
	// Profiles lists pubkeys whose bundle changed.
	Profiles []string
}

type itemKind int

const (
	itemBatch itemKind = iota
	itemEnd
	itemTask
)

type item struct {
	kind  itemKind
	batch []models.RawEvent
	onRes func(*Result, error)
	onEnd func(error)
	task  func()
	done  chan error
}

func (it *item) fail(err error) {
	switch it.kind {
	case itemBatch:
		if it.onRes != nil {
			it.onRes(nil, err)
		}
	case itemEnd:
		if it.onEnd != nil {
			it.onEnd(err)
		}
	case itemTask:
		it.done <- err
	}
}

// Options configure a Pipeline.
type Options struct {
	Verifier domain.Verifier
	Events   *store.Events
	Profiles *store.Profiles
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Pipeline is a single-consumer FIFO. An item starts only after the
// previous one and all of its callbacks have returned, which makes the
// pipeline goroutine the only writer of the event, post and profile tables.
type Pipeline struct {
	verifier domain.Verifier
	events   *store.Events
	profiles *store.Profiles
	clock    clock.Clock
	log      *zap.Logger

	mu      sync.Mutex
	queue   []*item
	wake    chan struct{}
	stopped bool
}

// New returns a pipeline; call Start to begin draining.
func New(opts Options) *Pipeline {
	if opts.Verifier == nil {
		opts.Verifier = SchnorrVerifier{}
	}
	if opts.Events == nil {
		opts.Events = store.NewEvents(0, 0, 0)
	}
	if opts.Profiles == nil {
		opts.Profiles = store.NewProfiles(0)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.New("verify")
	}
	return &Pipeline{
		verifier: opts.Verifier,
		events:   opts.Events,
		profiles: opts.Profiles,
		clock:    opts.Clock,
		log:      opts.Logger,
		wake:     make(chan struct{}, 1),
	}
}

// Events returns the event table. Only touch it from the pipeline goroutine.
func (p *Pipeline) Events() *store.Events { return p.events }

// Profiles returns the profile cache. Only touch it from the pipeline goroutine.
func (p *Pipeline) Profiles() *store.Profiles { return p.profiles }

// Start drains the queue until ctx ends.
func (p *Pipeline) Start(ctx context.Context) {
	go p.run(ctx)
}

// Enqueue appends a raw batch; cb receives its result on the pipeline goroutine.
func (p *Pipeline) Enqueue(batch []models.RawEvent, cb func(*Result, error)) {
	p.push(&item{kind: itemBatch, batch: batch, onRes: cb})
}

// EnqueueEnd appends an end marker; cb runs once every earlier item is done.
func (p *Pipeline) EnqueueEnd(cb func(error)) {
	p.push(&item{kind: itemEnd, onEnd: cb})
}

// Do runs fn on the pipeline goroutine and waits for it.
func (p *Pipeline) Do(ctx context.Context, fn func()) error {
	it := &item{kind: itemTask, task: fn, done: make(chan error, 1)}
	p.push(it)
	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth returns the number of queued items.
func (p *Pipeline) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pipeline) push(it *item) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		it.fail(ErrPipelineStopped)
		return
	}
	p.queue = append(p.queue, it)
	metrics.PipelineQueueDepth.Set(float64(len(p.queue)))
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) run(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			select {
			case <-p.wake:
				continue
			case <-ctx.Done():
				p.stop()
				return
			}
		}
		it := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		metrics.PipelineQueueDepth.Set(float64(len(p.queue)))
		p.mu.Unlock()

		p.process(it)
	}
}

func (p *Pipeline) stop() {
	p.mu.Lock()
	p.stopped = true
	pending := p.queue
	p.queue = nil
	p.mu.Unlock()
	for _, it := range pending {
		it.fail(ErrPipelineStopped)
	}
}

// abort resolves every pending item with err and empties the queue.
func (p *Pipeline) abort(err error) {
	p.mu.Lock()
	pending := p.queue
	p.queue = nil
	metrics.PipelineQueueDepth.Set(0)
	p.mu.Unlock()
	for _, it := range pending {
		it.fail(err)
	}
}

func (p *Pipeline) process(it *item) {
	delivered := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := errors.Recovered("verify", r)
		errors.Log(p.log, "verification drain aborted", err)
		metrics.PipelineAborts.Inc()
		if !delivered {
			it.fail(fmt.Errorf("%w: %v", ErrPipelineAborted, err))
		}
		p.abort(fmt.Errorf("%w: %v", ErrPipelineAborted, err))
	}()

	switch it.kind {
	case itemBatch:
		res := p.verifyBatch(it.batch)
		delivered = true
		if it.onRes != nil {
			it.onRes(res, nil)
		}
	case itemEnd:
		delivered = true
		if it.onEnd != nil {
			it.onEnd(nil)
		}
	case itemTask:
		it.task()
		delivered = true
		it.done <- nil
	}
}

type batchState struct {
	res     *Result
	touched map[string]struct{}
	now     time.Time
}

func (b *batchState) accept(rec *models.DeletableEvent) {
	if _, ok := b.touched[rec.ID]; ok {
		return
	}
	b.touched[rec.ID] = struct{}{}
	b.res.Accepted = append(b.res.Accepted, rec)
}

func (p *Pipeline) reject(b *batchState, raw models.RawEvent, reason error, label string) {
	metrics.IncrementRejected(label)
	appErr := errors.IntegrityError(raw.Event.ID, label).WithRelay(raw.Relay)
	appErr.Cause = reason
	b.res.Rejected = append(b.res.Rejected, Rejection{Raw: raw, Reason: appErr, Label: label})
	p.log.Debug("event rejected", zap.Error(appErr))
}

// verifyBatch applies one raw batch to the event table.
func (p *Pipeline) verifyBatch(batch []models.RawEvent) *Result {
	b := &batchState{
		res:     &Result{},
		touched: make(map[string]struct{}),
		now:     p.clock.Now(),
	}
	for _, raw := range batch {
		if raw.Event == nil || !protocol.ValidShape(raw.Event) {
			if raw.Event == nil {
				raw.Event = &nostr.Event{}
			}
			p.reject(b, raw, ErrMalformed, "malformed")
			continue
		}
		at := raw.ReceivedAt
		if at.IsZero() {
			at = b.now
		}
		evt := raw.Event

		if rec := p.events.Get(evt.ID); rec != nil && rec.Event != nil {
			if rec.Event.Sig != evt.Sig {
				p.reject(b, raw, ErrSignatureMismatch, "signature_mismatch")
				continue
			}
			rec.Seen(raw.Relay, at)
			metrics.EventsReconfirmed.Inc()
			b.accept(rec)
			continue
		}

		if evt.Kind == constants.KindDeletion {
			p.applyDeletion(b, raw, at)
			continue
		}

		if !p.verifier.Verify(evt) {
			p.reject(b, raw, ErrBadSignature, "bad_signature")
			continue
		}
		rec := p.record(b, evt, raw.Relay, at)
		b.accept(rec)

		if evt.Kind == constants.KindRepost {
			p.extractRepost(b, evt)
		}
	}
	return b.res
}

// record stores a verified event as canonical. A deletion attributed to a
// different author before the event was known is dropped.
func (p *Pipeline) record(b *batchState, evt *nostr.Event, relay string, at time.Time) *models.DeletableEvent {
	rec := p.events.GetOrCreate(evt.ID)
	rec.Event = evt
	rec.Seen(relay, at)
	if rec.Deletion != nil && rec.Deletion.PubKey != evt.PubKey {
		p.log.Debug("dropping deletion by another author",
			zap.String("event_id", evt.ID),
			zap.String("deletion_id", rec.Deletion.ID))
		rec.Deletion = nil
	}
	if p.profiles.Apply(rec, b.now) {
		b.res.Profiles = append(b.res.Profiles, evt.PubKey)
	}
	return rec
}

func (p *Pipeline) applyDeletion(b *batchState, raw models.RawEvent, at time.Time) {
	evt := raw.Event
	targets := protocol.TagValues(evt, "e")

	pending := make([]*models.DeletableEvent, 0, len(targets))
	for _, id := range targets {
		if t := p.events.Peek(id); t != nil && t.Deletion != nil {
			continue
		}
		pending = append(pending, p.events.Peek(id))
	}
	if len(targets) > 0 && len(pending) == 0 {
		return
	}

	if !p.verifier.Verify(evt) {
		p.reject(b, raw, ErrBadSignature, "bad_signature")
		return
	}

	// The earliest legitimate claim wins: a deletion naming a verified
	// event by someone else is a lie and is applied to nothing.
	for _, t := range pending {
		if t != nil && t.Event != nil && t.Event.PubKey != evt.PubKey {
			p.reject(b, raw, ErrAuthorMismatch, "author_mismatch")
			return
		}
	}

	b.accept(p.record(b, evt, raw.Relay, at))
	for _, id := range targets {
		t := p.events.GetOrCreate(id)
		if t.Deletion != nil {
			continue
		}
		t.Deletion = evt
		b.accept(t)
	}
}

func (p *Pipeline) extractRepost(b *batchState, repost *nostr.Event) {
	if repost.Content == "" {
		return
	}
	var inner nostr.Event
	if err := json.Unmarshal([]byte(repost.Content), &inner); err != nil || !protocol.ValidShape(&inner) {
		return
	}
	if rec := p.events.Get(inner.ID); rec != nil && rec.Event != nil {
		if rec.Event.Sig == inner.Sig {
			b.res.Embedded = append(b.res.Embedded, rec)
		}
		return
	}
	if inner.Kind == constants.KindDeletion || !p.verifier.Verify(&inner) {
		return
	}
	b.res.Embedded = append(b.res.Embedded, p.record(b, &inner, "", b.now))
}
