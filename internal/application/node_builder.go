package application

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/murachue/nosteen-sub000/internal/config"
	"github.com/murachue/nosteen-sub000/internal/connection"
	"github.com/murachue/nosteen-sub000/internal/constants"
	"github.com/murachue/nosteen-sub000/internal/domain"
	"github.com/murachue/nosteen-sub000/internal/fetch"
	"github.com/murachue/nosteen-sub000/internal/limiter"
	"github.com/murachue/nosteen-sub000/internal/logger"
	"github.com/murachue/nosteen-sub000/internal/metrics"
	"github.com/murachue/nosteen-sub000/internal/pool"
	"github.com/murachue/nosteen-sub000/internal/postindex"
	"github.com/murachue/nosteen-sub000/internal/store"
	"github.com/murachue/nosteen-sub000/internal/supervisor"
	"github.com/murachue/nosteen-sub000/internal/verify"
	"github.com/murachue/nosteen-sub000/internal/workers"
)

// NodeBuilder is used to incrementally construct a Node instance.
type NodeBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config
	clock  clock.Clock
	dialer domain.Dialer
	log    *zap.Logger

	events   *store.Events
	profiles *store.Profiles
	pipe     *verify.Pipeline
	pool     *pool.Pool
	sched    *fetch.Scheduler
	index    *postindex.Index
	workers  *workers.WorkerPool
	tracker  *limiter.RejectionTracker
	relays   *relaySet
}

// NewNodeBuilder creates a new NodeBuilder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, cfg *config.Config) *NodeBuilder {
	c, cancel := context.WithCancel(ctx)
	return &NodeBuilder{
		ctx:    c,
		cancel: cancel,
		config: cfg,
		clock:  clock.New(),
		log:    logger.New("node"),
		relays: newRelaySet(),
	}
}

// WithClock replaces the wall clock, for tests.
func (b *NodeBuilder) WithClock(c clock.Clock) *NodeBuilder {
	b.clock = c
	return b
}

// WithDialer replaces the websocket dialer, for tests.
func (b *NodeBuilder) WithDialer(d domain.Dialer) *NodeBuilder {
	b.dialer = d
	return b
}

// BuildStores sizes the event table and profile cache.
func (b *NodeBuilder) BuildStores() {
	c := b.config.Cache
	b.events = store.NewEvents(c.Events, c.BloomEstimate, c.BloomFPRate)
	b.profiles = store.NewProfiles(c.Profiles)
}

// BuildPipeline starts the verification pipeline on the builder context.
func (b *NodeBuilder) BuildPipeline() error {
	if b.events == nil || b.profiles == nil {
		return fmt.Errorf("stores must be built before the pipeline")
	}
	b.pipe = verify.New(verify.Options{
		Events:   b.events,
		Profiles: b.profiles,
		Clock:    b.clock,
	})
	b.pipe.Start(b.ctx)
	return nil
}

// BuildPool sets up the relay registry with connection and backoff settings.
func (b *NodeBuilder) BuildPool() {
	cc := b.config.Connection
	if b.dialer == nil {
		b.dialer = &connection.WebsocketDialer{
			HandshakeTimeout: cc.ConnectTimeout,
			WriteTimeout:     cc.WriteTimeout,
			MaxMessageSize:   cc.MaxMessageSize,
		}
	}
	connOpts := connection.Options{
		ConnectTimeout: cc.ConnectTimeout,
		SendWait:       cc.SendWait,
		PublishTimeout: b.config.Publish.Timeout,
		PingInterval:   cc.PingInterval,
		Rate:           rate.Limit(cc.Rate),
		Burst:          cc.Burst,
	}
	if cc.VerifyFrames {
		connOpts.Verifier = verify.SchnorrVerifier{}
	}
	b.pool = pool.New(b.dialer, pool.Options{
		Connection: connOpts,
		Supervisor: supervisor.Options{
			BackoffBase:    b.config.Supervisor.BackoffBase,
			MaxExponent:    b.config.Supervisor.MaxExponent,
			AttemptTimeout: cc.ConnectTimeout,
		},
		Debounce:    b.config.Pool.Debounce,
		EOSETimeout: b.config.Pool.EOSETimeout,
		Clock:       b.clock,
	})
}

// BuildScheduler sets up the fetch scheduler. Rounds go to the read endpoints.
func (b *NodeBuilder) BuildScheduler() error {
	if b.pool == nil || b.pipe == nil {
		return fmt.Errorf("pool and pipeline must be built before the scheduler")
	}
	b.sched = fetch.New(b.pool, b.pipe, fetch.Options{
		MaxFilters:   b.config.Fetch.MaxFilters,
		ProfileStale: b.config.Fetch.ProfileStale,
		Relays:       b.relays.readURLs,
		Clock:        b.clock,
	})
	return nil
}

// BuildIndex sets up the post index over the event table.
func (b *NodeBuilder) BuildIndex() error {
	if b.events == nil {
		return fmt.Errorf("stores must be built before the index")
	}
	b.index = postindex.New(b.events, postindex.Options{Self: b.config.Identity.PublicKey})
	return nil
}

// BuildWorkers initializes the publish worker pool.
func (b *NodeBuilder) BuildWorkers() {
	n := b.config.Publish.Workers
	if n <= 0 {
		n = constants.DefaultPublishWorkers
	}
	b.workers = workers.NewWorkerPool(n, n*64)
}

// BuildTracker sets up per-relay rejection tracking.
func (b *NodeBuilder) BuildTracker() {
	b.tracker = limiter.NewRejectionTracker(limiter.Limit{
		MaxRejections: b.config.Verify.MaxRejections,
		WindowSize:    b.config.Verify.RejectWindow,
		FlagDuration:  b.config.Verify.FlagDuration,
	}, b.clock)
}

// Build finalizes the node construction.
func (b *NodeBuilder) Build() (*Node, error) {
	if b.pipe == nil {
		return nil, fmt.Errorf("pipeline must be built before calling Build()")
	}
	if b.pool == nil {
		return nil, fmt.Errorf("pool must be built before calling Build()")
	}
	if b.sched == nil {
		return nil, fmt.Errorf("scheduler must be built before calling Build()")
	}
	if b.index == nil {
		return nil, fmt.Errorf("index must be built before calling Build()")
	}
	if b.workers == nil {
		return nil, fmt.Errorf("worker pool must be built before calling Build()")
	}
	if b.tracker == nil {
		return nil, fmt.Errorf("rejection tracker must be built before calling Build()")
	}

	metrics.RegisterMetrics()
	node := &Node{
		ctx:       b.ctx,
		cancel:    b.cancel,
		config:    b.config,
		clock:     b.clock,
		log:       b.log,
		pipe:      b.pipe,
		pool:      b.pool,
		sched:     b.sched,
		index:     b.index,
		workers:   b.workers,
		tracker:   b.tracker,
		relays:    b.relays,
		subs:      make(map[string]*subscription),
		startTime: b.clock.Now(),
	}
	go node.cleanupLoop(time.Hour)

	b.log.Debug("Node initialized successfully via builder")
	return node, nil
}
