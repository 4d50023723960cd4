package application

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/murachue/nosteen-sub000/internal/config"
	"github.com/murachue/nosteen-sub000/internal/connection"
	"github.com/murachue/nosteen-sub000/internal/errors"
	"github.com/murachue/nosteen-sub000/internal/fetch"
	"github.com/murachue/nosteen-sub000/internal/limiter"
	"github.com/murachue/nosteen-sub000/internal/models"
	"github.com/murachue/nosteen-sub000/internal/pool"
	"github.com/murachue/nosteen-sub000/internal/postindex"
	"github.com/murachue/nosteen-sub000/internal/verify"
	"github.com/murachue/nosteen-sub000/internal/workers"
)

// relaySet is the desired endpoint list, keyed by normalized url.
type relaySet struct {
	mu    sync.RWMutex
	byURL map[string]models.Endpoint
}

func newRelaySet() *relaySet {
	return &relaySet{byURL: make(map[string]models.Endpoint)}
}

// replace swaps in eps and returns the urls that are gone.
func (r *relaySet) replace(eps []models.Endpoint) []string {
	next := make(map[string]models.Endpoint, len(eps))
	for _, ep := range eps {
		ep.URL = pool.Normalize(ep.URL)
		if ep.URL == "" {
			continue
		}
		if prev, dup := next[ep.URL]; dup {
			ep.Read = ep.Read || prev.Read
			ep.Write = ep.Write || prev.Write
		}
		next[ep.URL] = ep
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for url := range r.byURL {
		if _, keep := next[url]; !keep {
			removed = append(removed, url)
		}
	}
	r.byURL = next
	sort.Strings(removed)
	return removed
}

func (r *relaySet) list() []models.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Endpoint, 0, len(r.byURL))
	for _, ep := range r.byURL {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (r *relaySet) urls(match func(models.Endpoint) bool) []string {
	var out []string
	for _, ep := range r.list() {
		if match(ep) {
			out = append(out, ep.URL)
		}
	}
	return out
}

func (r *relaySet) readURLs() []string {
	return r.urls(func(ep models.Endpoint) bool { return ep.Read })
}

func (r *relaySet) writeURLs() []string {
	return r.urls(func(ep models.Endpoint) bool { return ep.Write })
}

// subscription is one named stream. A nil mux means the stream is local-only.
type subscription struct {
	name    string
	filters nostr.Filters
	mux     *pool.Mux
}

// Node ties together the relay pool, verification, fetching and the post
// index behind the API the presentation layer consumes.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	config  *config.Config
	clock   clock.Clock
	log     *zap.Logger
	pipe    *verify.Pipeline
	pool    *pool.Pool
	sched   *fetch.Scheduler
	index   *postindex.Index
	workers *workers.WorkerPool
	tracker *limiter.RejectionTracker
	relays  *relaySet

	// mu serializes subscription changes. Pipeline callbacks never take it.
	mu   sync.Mutex
	subs map[string]*subscription

	shutdownOnce sync.Once
	startTime    time.Time
}

// New creates and configures a Node using the NodeBuilder pattern.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	return build(NewNodeBuilder(ctx, cfg))
}

func build(builder *NodeBuilder) (*Node, error) {
	// 1) Event table and profile cache
	builder.BuildStores()

	// 2) Verification pipeline, the only writer of those tables
	if err := builder.BuildPipeline(); err != nil {
		builder.cancel()
		return nil, fmt.Errorf("failed building pipeline: %w", err)
	}

	// 3) Relay registry
	builder.BuildPool()

	// 4) Fetch scheduler
	if err := builder.BuildScheduler(); err != nil {
		builder.cancel()
		return nil, fmt.Errorf("failed building scheduler: %w", err)
	}

	// 5) Post index
	if err := builder.BuildIndex(); err != nil {
		builder.cancel()
		return nil, fmt.Errorf("failed building index: %w", err)
	}

	// 6) Publish workers and rejection tracking
	builder.BuildWorkers()
	builder.BuildTracker()

	// 7) Finally assemble the Node
	node, err := builder.Build()
	if err != nil {
		builder.cancel()
		return nil, fmt.Errorf("failed to build node: %w", err)
	}
	return node, nil
}

// Start applies the configured relays and feeds.
func (n *Node) Start(ctx context.Context) error {
	if err := n.SetRelays(n.config.Endpoints()); err != nil {
		return err
	}
	feeds, err := n.config.FeedFilters()
	if err != nil {
		return errors.ConfigurationError("feeds", err.Error())
	}
	if err := n.SetSubscriptions(ctx, feeds); err != nil {
		return err
	}
	n.log.Info("Node started",
		zap.Int("relays", len(n.relays.list())),
		zap.Int("feeds", len(feeds)))
	return nil
}

// SetRelays replaces the endpoint list. Read endpoints carry every stream
// subscription and fetch round; relays no longer listed are torn down.
func (n *Node) SetRelays(endpoints []models.Endpoint) error {
	removed := n.relays.replace(endpoints)
	read := n.relays.readURLs()

	n.mu.Lock()
	var firstErr error
	for _, sub := range n.subs {
		if sub.mux == nil {
			continue
		}
		if err := sub.mux.Sub(read, sub.filters); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("resubscribe %s: %w", sub.name, err)
		}
	}
	n.mu.Unlock()

	for _, url := range removed {
		n.pool.Remove(url)
		n.tracker.Reset(url)
	}
	n.log.Debug("Relays updated",
		zap.Int("read", len(read)),
		zap.Strings("removed", removed))
	return firstErr
}

// SetSubscriptions replaces the named stream map. A nil filter list makes a
// local-only stream; names missing from want are removed along with posts
// no other stream references.
func (n *Node) SetSubscriptions(ctx context.Context, want map[string]nostr.Filters) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for name, sub := range n.subs {
		if _, keep := want[name]; keep {
			continue
		}
		if sub.mux != nil {
			sub.mux.Unsub()
		}
		delete(n.subs, name)
		if err := n.pipe.Do(ctx, func() { n.index.RemoveStream(name) }); err != nil {
			return err
		}
		n.log.Debug("Stream removed", zap.String("stream", name))
	}

	read := n.relays.readURLs()
	names := make([]string, 0, len(want))
	for name := range want {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		filters := want[name]
		sub, ok := n.subs[name]
		if !ok {
			sub = &subscription{name: name}
			n.subs[name] = sub
		}
		sub.filters = filters
		if err := n.pipe.Do(ctx, func() { n.index.SetFilters(name, filters) }); err != nil {
			return err
		}

		if filters == nil {
			if sub.mux != nil {
				sub.mux.Unsub()
				sub.mux = nil
			}
			continue
		}
		if sub.mux == nil {
			sub.mux = n.newMux(name)
		}
		if err := sub.mux.Sub(read, filters); err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
	}
	return nil
}

func (n *Node) newMux(name string) *pool.Mux {
	mux := n.pool.NewMux(pool.MuxOptions{Label: name})
	mux.Events.Subscribe(func(batch []models.RawEvent) {
		n.ingest([]string{name}, batch)
	})
	mux.EOSE.Subscribe(func(struct{}) {
		n.pipe.EnqueueEnd(func(err error) {
			if err == nil && n.index.Has(name) {
				n.index.NotifyEOSE(name)
			}
		})
	})
	return mux
}

// ingest verifies batch and folds the accepted records into streams.
func (n *Node) ingest(streams []string, batch []models.RawEvent) {
	n.pipe.Enqueue(batch, func(res *verify.Result, err error) {
		if err != nil {
			errors.Log(n.log, "Verification batch failed", err, zap.Strings("streams", streams))
			return
		}
		for _, rej := range res.Rejected {
			n.tracker.Record(rej.Raw.Relay, rej.Label)
		}
		for _, name := range streams {
			if n.index.Has(name) {
				n.index.Apply(name, res.Accepted)
			}
		}
	})
}

// filteredStreams lists streams fed by relays, excluding local-only ones.
func (n *Node) filteredStreams() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for name, sub := range n.subs {
		if sub.filters != nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// RelayStatuses reports every configured endpoint.
func (n *Node) RelayStatuses() []models.RelayStatus {
	eps := n.relays.list()
	out := make([]models.RelayStatus, 0, len(eps))
	for _, ep := range eps {
		st := models.RelayStatus{
			URL:      ep.URL,
			Read:     ep.Read,
			Write:    ep.Write,
			Rejected: n.tracker.Rejected(ep.URL),
			Flagged:  n.tracker.Flagged(ep.URL),
		}
		if sup, ok := n.pool.Lookup(ep.URL); ok {
			cs := sup.Conn().Status()
			st.Wanted = sup.Wanted()
			st.Connected = cs.State == connection.StateOpen
			st.Failures = sup.Failures()
			st.NextRetry = sup.NextRetry()
			st.LastConnected = cs.LastConnected
			st.Notices = cs.Notices
			if err := sup.LastError(); err != nil {
				st.LastError = err.Error()
			} else if cs.LastError != nil {
				st.LastError = cs.LastError.Error()
			}
		}
		out = append(out, st)
	}
	return out
}

// PipelineDepth is the number of items waiting for verification.
func (n *Node) PipelineDepth() int {
	return n.pipe.Depth()
}

// FetchPending is the number of fetch requests not yet answered.
func (n *Node) FetchPending() int {
	return n.sched.Pending()
}

// GetStartTime returns when the node was started (for health checks)
func (n *Node) GetStartTime() time.Time {
	return n.startTime
}

func (n *Node) cleanupLoop(interval time.Duration) {
	ticker := n.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.tracker.Cleanup()
		}
	}
}

// Shutdown gracefully shuts down the node.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(n.shutdown)
}

func (n *Node) shutdown() {
	n.log.Info("Initiating graceful shutdown...")
	const shutdownTimeout = 30 * time.Second

	// Step 1: Stop every stream subscription
	n.mu.Lock()
	for _, sub := range n.subs {
		if sub.mux != nil {
			sub.mux.Unsub()
			sub.mux = nil
		}
	}
	n.mu.Unlock()

	// Step 2: Abandon queued fetches
	n.sched.Close()

	// Step 3: Let in-flight publishes finish
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.workers.Stop()
	}()
	select {
	case <-done:
		n.log.Debug("Worker pool finished")
	case <-n.clock.After(shutdownTimeout):
		n.log.Warn("Worker pool shutdown timed out", zap.Duration("timeout", shutdownTimeout))
	}

	// Step 4: Close every relay link
	n.pool.Close()

	// Step 5: Stop the pipeline
	n.cancel()
	n.log.Info("Node shutdown completed")
}
