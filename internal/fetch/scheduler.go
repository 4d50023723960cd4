// Package fetch batches one-shot lookups into shared network rounds.
package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/murachue/nosteen-sub000/internal/constants"
	"github.com/murachue/nosteen-sub000/internal/errors"
	"github.com/murachue/nosteen-sub000/internal/logger"
	"github.com/murachue/nosteen-sub000/internal/metrics"
	"github.com/murachue/nosteen-sub000/internal/models"
	"github.com/murachue/nosteen-sub000/internal/pool"
	"github.com/murachue/nosteen-sub000/internal/verify"
)

var (
	ErrNoPredicate     = fmt.Errorf("fetch request has no predicate")
	ErrSchedulerClosed = fmt.Errorf("fetch scheduler closed")
	ErrUnsupportedKind = fmt.Errorf("kind is not a cached profile kind")
)

// Request is one fetch. Callbacks run on the verification pipeline
// goroutine, so they may read the event and profile tables directly.
type Request struct {
	Predicate   Predicate
	BypassCache bool
	// OnEvent receives each matching record at most once.
	OnEvent func(*models.DeletableEvent)
	// OnComplete runs exactly once: nil after end of stream, otherwise the
	// reason the request was abandoned.
	OnComplete func(error)
}

type pending struct {
	req    *Request
	pred   Predicate
	filter nostr.Filter
	seen   map[string]struct{}
	once   sync.Once
}

func newPending(req *Request) *pending {
	return &pending{
		req:    req,
		pred:   req.Predicate,
		filter: req.Predicate.Filter(),
		seen:   make(map[string]struct{}),
	}
}

func (p *pending) deliver(rec *models.DeletableEvent) {
	if rec == nil || rec.Event == nil || !p.filter.Matches(rec.Event) {
		return
	}
	if _, dup := p.seen[rec.ID]; dup {
		return
	}
	p.seen[rec.ID] = struct{}{}
	if p.req.OnEvent != nil {
		p.req.OnEvent(rec)
	}
}

func (p *pending) complete(err error) {
	p.once.Do(func() {
		if p.req.OnComplete != nil {
			p.req.OnComplete(err)
		}
	})
}

type slot struct {
	pred    Predicate
	members []*pending
}

// Options configure a Scheduler.
type Options struct {
	MaxFilters   int
	ProfileStale time.Duration
	// Relays lists the endpoints rounds are sent to.
	Relays func() []string
	Clock  clock.Clock
	Logger *zap.Logger
}

// Scheduler admits fetch requests into rounds of at most MaxFilters wire
// filters. Rounds run one after another until the queue is empty.
type Scheduler struct {
	pool  *pool.Pool
	pipe  *verify.Pipeline
	opts  Options
	clock clock.Clock
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []*pending
	running bool
	closed  bool

	group singleflight.Group
}

// New returns a scheduler sending rounds through p and verifying through pipe.
func New(p *pool.Pool, pipe *verify.Pipeline, opts Options) *Scheduler {
	if opts.MaxFilters <= 0 {
		opts.MaxFilters = constants.MaxFetchFilters
	}
	if opts.ProfileStale <= 0 {
		opts.ProfileStale = constants.DefaultProfileStale
	}
	if opts.Relays == nil {
		opts.Relays = p.URLs
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.New("fetch")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		pool:   p,
		pipe:   pipe,
		opts:   opts,
		clock:  opts.Clock,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Fetch queues req for the next round.
func (s *Scheduler) Fetch(req *Request) error {
	if req == nil || req.Predicate == nil {
		return ErrNoPredicate
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.queue = append(s.queue, newPending(req))
	start := !s.running
	s.running = true
	s.mu.Unlock()

	if start {
		go s.loop()
	}
	return nil
}

// Pending returns the number of requests waiting for a round.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close abandons queued requests and stops issuing rounds.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.cancel()
	s.fail(queued, ErrSchedulerClosed)
}

func (s *Scheduler) loop() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.closed {
			s.running = false
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		s.round(batch)
	}
}

func (s *Scheduler) round(batch []*pending) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.Recovered("fetch", r)
			errors.Log(s.log, "fetch round aborted", err)
			s.abort(batch, err)
		}
	}()

	var slots []*slot
	var deferred []*pending
	err := s.pipe.Do(s.ctx, func() {
		slots, deferred = s.admit(batch)
	})
	if err != nil {
		s.abort(batch, errors.SchedulerError("fetch", err))
		return
	}
	if len(deferred) > 0 {
		s.mu.Lock()
		s.queue = append(deferred, s.queue...)
		s.mu.Unlock()
	}
	if len(slots) == 0 {
		return
	}

	start := s.clock.Now()
	metrics.FetchRounds.Inc()
	s.run(slots)
	metrics.FetchRoundDuration.Observe(s.clock.Since(start).Seconds())
}

// admit runs on the pipeline goroutine. It answers what the cache can,
// merges the rest into at most MaxFilters slots and returns the overflow.
func (s *Scheduler) admit(batch []*pending) ([]*slot, []*pending) {
	var slots []*slot
	var deferred []*pending
	now := s.clock.Now()

	for _, p := range batch {
		if !p.req.BypassCache && s.fromCache(p, now) {
			metrics.FetchCacheHits.Inc()
			p.complete(nil)
			continue
		}
		if last := lastOfKind(slots, p.pred.Kind()); last != nil {
			if merged, ok := last.pred.Merge(p.pred); ok {
				last.pred = merged
				last.members = append(last.members, p)
				continue
			}
		}
		if len(slots) >= s.opts.MaxFilters {
			deferred = append(deferred, p)
			continue
		}
		slots = append(slots, &slot{pred: p.pred, members: []*pending{p}})
	}
	return slots, deferred
}

func lastOfKind(slots []*slot, kind Kind) *slot {
	for i := len(slots) - 1; i >= 0; i-- {
		if slots[i].pred.Kind() == kind {
			return slots[i]
		}
	}
	return nil
}

// fromCache delivers whatever the local tables hold and narrows p to the
// rest. It reports whether nothing is left to ask the network for.
func (s *Scheduler) fromCache(p *pending, now time.Time) bool {
	var missing []string
	switch p.pred.Kind() {
	case KindByID:
		for _, id := range p.pred.Values() {
			rec := s.pipe.Events().Get(id)
			if rec == nil || rec.Event == nil {
				missing = append(missing, id)
				continue
			}
			p.deliver(rec)
		}
	case KindByProfile, KindByContacts:
		kind := metadataKind(p.pred.Kind())
		for _, author := range p.pred.Values() {
			var entry *models.ProfileEntry
			if b := s.pipe.Profiles().Get(author); b != nil {
				entry = b.Entry(kind)
			}
			if entry.Stale(now, s.opts.ProfileStale) {
				missing = append(missing, author)
				continue
			}
			if entry.Record != nil {
				p.deliver(entry.Record)
			}
		}
	default:
		return false
	}
	if len(missing) == 0 {
		return true
	}
	p.pred = narrow(p.pred, missing)
	return false
}

func metadataKind(k Kind) int {
	if k == KindByProfile {
		return constants.KindProfile
	}
	return constants.KindContacts
}

// run issues one multiplexed subscription for every slot and waits until
// its end of stream has passed through the pipeline.
func (s *Scheduler) run(slots []*slot) {
	filters := make(nostr.Filters, 0, len(slots))
	var members []*pending
	for _, sl := range slots {
		filters = append(filters, sl.pred.Filter())
		members = append(members, sl.members...)
	}

	mux := s.pool.NewMux(pool.MuxOptions{Label: "fetch"})
	defer mux.Unsub()

	done := make(chan struct{})
	var once sync.Once
	mux.Events.Subscribe(func(batch []models.RawEvent) {
		s.pipe.Enqueue(batch, func(res *verify.Result, err error) {
			if err != nil || res == nil {
				return
			}
			for _, rec := range res.Accepted {
				for _, p := range members {
					p.deliver(rec)
				}
			}
		})
	})
	mux.EOSE.Subscribe(func(struct{}) {
		once.Do(func() {
			s.pipe.EnqueueEnd(func(err error) {
				s.finish(slots, err)
				close(done)
			})
		})
	})

	relays := s.opts.Relays()
	s.log.Debug("fetch round",
		zap.Int("filters", len(filters)),
		zap.Int("requests", len(members)),
		zap.Int("relays", len(relays)))
	if err := mux.Sub(relays, filters); err != nil {
		s.abort(members, errors.SchedulerError("fetch", err))
		return
	}

	select {
	case <-done:
	case <-s.ctx.Done():
		s.fail(members, ErrSchedulerClosed)
	}
}

// finish runs at the end marker of a round.
func (s *Scheduler) finish(slots []*slot, err error) {
	if err != nil {
		var members []*pending
		for _, sl := range slots {
			members = append(members, sl.members...)
		}
		s.abort(members, errors.SchedulerError("fetch", err))
		return
	}
	now := s.clock.Now()
	for _, sl := range slots {
		switch sl.pred.Kind() {
		case KindByProfile, KindByContacts:
			kind := metadataKind(sl.pred.Kind())
			for _, author := range sl.pred.Values() {
				s.pipe.Profiles().Touch(author, kind, now)
			}
		}
		for _, p := range sl.members {
			p.complete(nil)
		}
	}
}

// abort fails batch and everything queued behind it.
func (s *Scheduler) abort(batch []*pending, err error) {
	s.mu.Lock()
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.fail(batch, err)
	s.fail(queued, err)
}

func (s *Scheduler) fail(list []*pending, err error) {
	for _, p := range list {
		p.complete(err)
	}
}

// Profile returns the cached entry of a profile or contacts kind for
// pubkey, or nil. A missing or stale entry is refreshed in the background
// and onUpdate receives the new entry if the refresh changed it.
// Concurrent refreshes of the same entry share one fetch.
func (s *Scheduler) Profile(ctx context.Context, pubkey string, kind int, onUpdate func(*models.ProfileEntry)) (*models.ProfileEntry, error) {
	var pred Predicate
	switch kind {
	case constants.KindProfile:
		pred = ByProfile{Authors: []string{pubkey}}
	case constants.KindContacts:
		pred = ByContacts{Authors: []string{pubkey}}
	default:
		return nil, ErrUnsupportedKind
	}

	var cur *models.ProfileEntry
	stale := true
	err := s.pipe.Do(ctx, func() {
		if b := s.pipe.Profiles().Get(pubkey); b != nil {
			cur = b.Clone().Entry(kind)
		}
		stale = cur.Stale(s.clock.Now(), s.opts.ProfileStale)
	})
	if err != nil {
		return nil, err
	}
	if !stale {
		return cur, nil
	}

	key := fmt.Sprintf("%d:%s", kind, pubkey)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return s.refresh(pred, pubkey, kind)
	})
	go func() {
		res := <-ch
		if res.Err != nil {
			s.log.Debug("profile refresh failed", zap.String("pubkey", pubkey), zap.Error(res.Err))
			return
		}
		fresh, _ := res.Val.(*models.ProfileEntry)
		if onUpdate != nil && changed(cur, fresh) {
			onUpdate(fresh)
		}
	}()
	return cur, nil
}

func (s *Scheduler) refresh(pred Predicate, pubkey string, kind int) (*models.ProfileEntry, error) {
	done := make(chan error, 1)
	var entry *models.ProfileEntry
	err := s.Fetch(&Request{
		Predicate:   pred,
		BypassCache: true,
		OnComplete: func(err error) {
			if err == nil {
				if b := s.pipe.Profiles().Get(pubkey); b != nil {
					entry = b.Clone().Entry(kind)
				}
			}
			done <- err
		},
	})
	if err != nil {
		return nil, err
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return entry, nil
}

func changed(old, fresh *models.ProfileEntry) bool {
	if fresh == nil || fresh.Record == nil {
		return false
	}
	return old == nil || old.Record == nil || old.Record.ID != fresh.Record.ID
}
