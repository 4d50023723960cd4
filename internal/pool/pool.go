// Package pool multiplexes logical subscriptions over a shared registry of
// relay connections.
package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/murachue/nosteen-sub000/internal/connection"
	"github.com/murachue/nosteen-sub000/internal/constants"
	"github.com/murachue/nosteen-sub000/internal/domain"
	"github.com/murachue/nosteen-sub000/internal/logger"
	"github.com/murachue/nosteen-sub000/internal/supervisor"
)

// Options configure a Pool and the muxes it creates.
type Options struct {
	Connection  connection.Options
	Supervisor  supervisor.Options
	Debounce    time.Duration
	EOSETimeout time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
}

type entry struct {
	sup  *supervisor.Supervisor
	refs int
}

// Pool is the registry of relay connections, one per normalized url.
type Pool struct {
	dialer domain.Dialer
	opts   Options
	clock  clock.Clock
	log    *zap.Logger

	mu     sync.Mutex
	relays map[string]*entry
}

// New returns an empty pool dialing through dialer.
func New(dialer domain.Dialer, opts Options) *Pool {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.New("pool")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = constants.DefaultDebounce
	}
	if opts.EOSETimeout <= 0 {
		opts.EOSETimeout = constants.DefaultEOSETimeout
	}
	if opts.Connection.Clock == nil {
		opts.Connection.Clock = opts.Clock
	}
	if opts.Supervisor.Clock == nil {
		opts.Supervisor.Clock = opts.Clock
	}
	return &Pool{
		dialer: dialer,
		opts:   opts,
		clock:  opts.Clock,
		log:    opts.Logger,
		relays: make(map[string]*entry),
	}
}

// Normalize maps equivalent spellings of a relay url to one key.
func Normalize(url string) string {
	return nostr.NormalizeURL(url)
}

func (p *Pool) entryLocked(url string) *entry {
	key := Normalize(url)
	e, ok := p.relays[key]
	if !ok {
		conn := connection.New(key, p.dialer, p.opts.Connection)
		e = &entry{sup: supervisor.New(conn, p.opts.Supervisor)}
		p.relays[key] = e
		p.log.Debug("relay registered", zap.String("relay", key))
	}
	return e
}

// Relay returns the supervisor for url, registering it without wanting it.
func (p *Pool) Relay(url string) *supervisor.Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entryLocked(url).sup
}

// Lookup returns the supervisor for url if it is registered.
func (p *Pool) Lookup(url string) (*supervisor.Supervisor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.relays[Normalize(url)]
	if !ok {
		return nil, false
	}
	return e.sup, true
}

// Want takes a reference on url and keeps it online.
func (p *Pool) Want(url string) *supervisor.Supervisor {
	p.mu.Lock()
	e := p.entryLocked(url)
	e.refs++
	p.mu.Unlock()
	e.sup.Want()
	return e.sup
}

// Forget drops a reference taken by Want. The last reference lets the link go.
func (p *Pool) Forget(url string) {
	p.mu.Lock()
	e, ok := p.relays[Normalize(url)]
	if !ok || e.refs == 0 {
		p.mu.Unlock()
		return
	}
	e.refs--
	idle := e.refs == 0
	p.mu.Unlock()
	if idle {
		e.sup.Close()
	}
}

// Refs returns the reference count of url.
func (p *Pool) Refs(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.relays[Normalize(url)]; ok {
		return e.refs
	}
	return 0
}

// Remove tears url down and forgets it entirely.
func (p *Pool) Remove(url string) {
	p.mu.Lock()
	key := Normalize(url)
	e, ok := p.relays[key]
	delete(p.relays, key)
	p.mu.Unlock()
	if ok {
		e.sup.Release()
		p.log.Debug("relay removed", zap.String("relay", key))
	}
}

// URLs lists registered relays in sorted order.
func (p *Pool) URLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.relays))
	for url := range p.relays {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}

// Close releases every relay.
func (p *Pool) Close() {
	p.mu.Lock()
	entries := p.relays
	p.relays = make(map[string]*entry)
	p.mu.Unlock()
	for _, e := range entries {
		e.sup.Release()
	}
}

// NewMux returns an idle multiplexed subscription. Attach listeners, then Sub.
func (p *Pool) NewMux(opts MuxOptions) *Mux {
	if opts.Debounce <= 0 {
		opts.Debounce = p.opts.Debounce
	}
	if opts.EOSETimeout <= 0 {
		opts.EOSETimeout = p.opts.EOSETimeout
	}
	return &Mux{
		pool:      p,
		opts:      opts,
		clock:     p.clock,
		log:       p.log.With(zap.String("sub", opts.Label)),
		endpoints: make(map[string]*attachment),
	}
}
