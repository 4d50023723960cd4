// Package connection owns one physical link to one relay: dialing, frame
// dispatch, request ids and publish outcomes.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/murachue/nosteen-sub000/internal/constants"
	"github.com/murachue/nosteen-sub000/internal/domain"
	"github.com/murachue/nosteen-sub000/internal/errors"
	"github.com/murachue/nosteen-sub000/internal/logger"
	"github.com/murachue/nosteen-sub000/internal/metrics"
	"github.com/murachue/nosteen-sub000/internal/protocol"
	"github.com/murachue/nosteen-sub000/internal/signal"
)

// State of the link.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "idle"
	}
}

// Options configure a Connection. Zero values fall back to the package defaults.
type Options struct {
	ConnectTimeout time.Duration
	SendWait       time.Duration
	PublishTimeout time.Duration
	PingInterval   time.Duration
	// Rate limits outbound frames; zero disables throttling.
	Rate  rate.Limit
	Burst int
	// Verifier, when set, drops EVENT frames whose signature does not check.
	Verifier domain.Verifier
	Clock    clock.Clock
	Logger   *zap.Logger
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = constants.DefaultConnectTimeout
	}
	if o.SendWait <= 0 {
		o.SendWait = constants.DefaultSendWait
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = constants.DefaultPublishTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = logger.New("connection")
	}
}

type dialAttempt struct {
	done chan struct{}
	err  error
}

// Status is a point-in-time view of the link.
type Status struct {
	State         State
	LastConnected time.Time
	LastError     error
	Notices       []string
	Challenge     string
}

// Connection is a single link to one relay url.
type Connection struct {
	url     string
	dialer  domain.Dialer
	opts    Options
	log     *zap.Logger
	clock   clock.Clock
	limiter *rate.Limiter

	mu            sync.Mutex
	state         State
	socket        domain.Socket
	generation    uint64
	openCh        chan struct{}
	dialing       *dialAttempt
	lastConnected time.Time
	lastErr       error
	notices       []string
	challenge     string

	ids      idAllocator
	requests *xsync.MapOf[string, *Request]
	pubs     *xsync.MapOf[string, *Publication]

	// Opened fires after every successful connect.
	Opened signal.Signal[struct{}]
	// Lost fires when an open link goes away; the error is nil for a local Close.
	Lost signal.Signal[error]
	// Notice carries NOTICE texts.
	Notice signal.Signal[string]
	// Auth carries AUTH challenges.
	Auth signal.Signal[string]
}

// New returns an idle connection to url.
func New(url string, dialer domain.Dialer, opts Options) *Connection {
	opts.setDefaults()
	c := &Connection{
		url:      url,
		dialer:   dialer,
		opts:     opts,
		log:      logger.ForRelay(opts.Logger, url),
		clock:    opts.Clock,
		openCh:   make(chan struct{}),
		requests: xsync.NewMapOf[string, *Request](),
		pubs:     xsync.NewMapOf[string, *Publication](),
	}
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(opts.Rate, burst)
	}
	return c
}

// URL returns the relay url.
func (c *Connection) URL() string { return c.url }

// State returns the current link state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status snapshots the link.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:         c.state,
		LastConnected: c.lastConnected,
		LastError:     c.lastErr,
		Notices:       append([]string(nil), c.notices...),
		Challenge:     c.challenge,
	}
}

// Connect dials the relay and returns once the link is open or the dial
// failed. Concurrent callers share one dial.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	if d := c.dialing; d != nil {
		c.mu.Unlock()
		select {
		case <-d.done:
			return d.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d := &dialAttempt{done: make(chan struct{})}
	c.dialing = d
	c.state = StateConnecting
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	sock, err := c.dialer.Dial(dctx, c.url)
	cancel()

	c.mu.Lock()
	c.dialing = nil
	if err != nil {
		c.state = StateIdle
		c.lastErr = err
		c.mu.Unlock()
		metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		d.err = errors.TransportError(c.url, "dial", err)
		close(d.done)
		return d.err
	}
	c.state = StateOpen
	c.socket = sock
	c.generation++
	c.lastConnected = c.clock.Now()
	c.lastErr = nil
	close(c.openCh)
	c.mu.Unlock()
	close(d.done)

	metrics.ConnectAttempts.WithLabelValues("success").Inc()
	metrics.IncrementOpenConnections()
	c.log.Debug("relay connected")

	inbound := make(chan []byte, constants.InboundQueueSize)
	go c.readLoop(sock, inbound)
	go c.dispatchLoop(inbound)
	if c.opts.PingInterval > 0 {
		if p, ok := sock.(interface{ Ping() error }); ok {
			go c.pingLoop(sock, p)
		}
	}

	c.Opened.Emit(struct{}{})
	c.resubscribe()
	return nil
}

// Close tears the link down. Requests stay registered and are re-sent on
// the next Connect.
func (c *Connection) Close() {
	c.mu.Lock()
	sock := c.socket
	if sock == nil {
		c.mu.Unlock()
		return
	}
	c.detachLocked()
	c.mu.Unlock()

	_ = sock.Close()
	c.afterLoss(nil)
}

func (c *Connection) lost(sock domain.Socket, err error) {
	c.mu.Lock()
	if c.socket != sock {
		c.mu.Unlock()
		return
	}
	c.detachLocked()
	c.lastErr = err
	c.mu.Unlock()

	_ = sock.Close()
	lost := errors.TransportError(c.url, "read", err)
	errors.Log(c.log, "relay link lost", lost)
	c.afterLoss(lost)
}

func (c *Connection) detachLocked() {
	c.socket = nil
	c.state = StateIdle
	c.openCh = make(chan struct{})
}

func (c *Connection) afterLoss(err error) {
	metrics.DecrementOpenConnections()
	c.pubs.Range(func(id string, pub *Publication) bool {
		c.pubs.Delete(id)
		pub.resolve(ErrConnectionLost, "")
		return true
	})
	c.Lost.Emit(err)
}

// openSocket returns the live socket and its generation. With wait set it
// blocks up to the send wait for the link to open.
func (c *Connection) openSocket(wait bool) (domain.Socket, uint64, error) {
	c.mu.Lock()
	if c.state == StateOpen {
		sock, gen := c.socket, c.generation
		c.mu.Unlock()
		return sock, gen, nil
	}
	ch := c.openCh
	c.mu.Unlock()
	if !wait {
		return nil, 0, ErrNotConnected
	}

	timer := c.clock.Timer(c.opts.SendWait)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		return nil, 0, ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return nil, 0, ErrNotConnected
	}
	return c.socket, c.generation, nil
}

func (c *Connection) write(sock domain.Socket, label string, data []byte) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(context.Background()); err != nil {
			return err
		}
	}
	if err := sock.WriteMessage(data); err != nil {
		return errors.TransportError(c.url, "write", err)
	}
	metrics.FramesSent.WithLabelValues(label).Inc()
	return nil
}

func (c *Connection) sendIfOpen(label string, data []byte) {
	sock, _, err := c.openSocket(false)
	if err != nil {
		return
	}
	if err := c.write(sock, label, data); err != nil {
		c.log.Debug("send failed", zap.String("type", label), zap.Error(err))
	}
}

// Prepare registers a request with a fresh or recycled id. Attach listeners,
// then call Fire.
func (c *Connection) Prepare(filters nostr.Filters, opts SubOptions) *Request {
	r := &Request{
		conn:    c,
		id:      c.ids.alloc(),
		count:   opts.Count,
		filters: filters,
	}
	c.requests.Store(r.id, r)
	return r
}

// Publish sends ["EVENT", evt].
func (c *Connection) Publish(evt *nostr.Event) *Publication {
	data, err := protocol.EncodeEvent(evt)
	return c.publish(protocol.TypeEvent, evt, data, err)
}

// Authenticate answers an AUTH challenge with a signed event.
func (c *Connection) Authenticate(evt *nostr.Event) *Publication {
	data, err := protocol.EncodeAuth(evt)
	return c.publish(protocol.TypeAuth, evt, data, err)
}

func (c *Connection) publish(label string, evt *nostr.Event, data []byte, encErr error) *Publication {
	pub := newPublication(c.url, evt)
	if encErr != nil {
		pub.resolve(encErr, "")
		return pub
	}
	if prev, loaded := c.pubs.LoadOrStore(evt.ID, pub); loaded {
		return prev
	}

	go func() {
		sock, _, err := c.openSocket(true)
		if err == nil {
			err = c.write(sock, label, data)
		}
		if err != nil {
			c.pubs.Delete(evt.ID)
			pub.resolve(err, "")
			return
		}
		timer := c.clock.Timer(c.opts.PublishTimeout)
		defer timer.Stop()
		select {
		case <-pub.done:
		case <-timer.C:
			c.pubs.Compute(evt.ID, func(old *Publication, loaded bool) (*Publication, bool) {
				return old, !loaded || old == pub
			})
			pub.resolve(ErrPublishTimeout, "")
		}
	}()
	return pub
}

func (c *Connection) resubscribe() {
	c.requests.Range(func(_ string, r *Request) bool {
		go r.deliver(false)
		return true
	})
}

func (c *Connection) readLoop(sock domain.Socket, inbound chan<- []byte) {
	defer close(inbound)
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			c.lost(sock, err)
			return
		}
		inbound <- data
	}
}

// dispatchLoop drains queued frames apart from the reader so a burst of
// input never stalls the socket.
func (c *Connection) dispatchLoop(inbound <-chan []byte) {
	for data := range inbound {
		c.handle(data)
	}
}

func (c *Connection) pingLoop(sock domain.Socket, p interface{ Ping() error }) {
	ticker := c.clock.Ticker(c.opts.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		current := c.socket == sock
		c.mu.Unlock()
		if !current {
			return
		}
		if err := p.Ping(); err != nil {
			c.lost(sock, err)
			return
		}
	}
}

func (c *Connection) drop(reason string, fields ...zap.Field) {
	metrics.FramesDropped.WithLabelValues(reason).Inc()
	c.log.Debug("frame dropped", append(fields, zap.String("reason", reason))...)
}

func (c *Connection) handle(data []byte) {
	f, err := protocol.ParseFrame(data)
	if err != nil {
		c.drop("malformed", zap.Error(errors.ProtocolError(c.url, "raw", err.Error())))
		return
	}
	metrics.FramesReceived.WithLabelValues(f.Type).Inc()

	switch f.Type {
	case protocol.TypeEvent:
		r, ok := c.requests.Load(f.SubID)
		if !ok {
			c.drop("unknown_sub", zap.String("sub", f.SubID))
			return
		}
		if !protocol.ValidShape(f.Event) {
			c.drop("bad_shape", zap.String("sub", f.SubID))
			return
		}
		if !protocol.MatchAny(r.Filters(), f.Event) {
			c.drop("filter_mismatch", zap.String("sub", f.SubID), zap.String("event_id", f.Event.ID))
			return
		}
		if c.opts.Verifier != nil && !c.opts.Verifier.Verify(f.Event) {
			c.drop("bad_signature", zap.String("event_id", f.Event.ID))
			return
		}
		r.Event.Emit(f.Event)

	case protocol.TypeEOSE:
		if r, ok := c.requests.Load(f.SubID); ok {
			r.eose()
		}

	case protocol.TypeClosed:
		if r, ok := c.requests.Load(f.SubID); ok {
			r.closedByRelay(f.Message)
		}

	case protocol.TypeCount:
		if r, ok := c.requests.Load(f.SubID); ok {
			r.Count.Emit(f.Count)
		}

	case protocol.TypeOK:
		pub, ok := c.pubs.LoadAndDelete(f.EventID)
		if !ok {
			c.drop("unknown_sub", zap.String("event_id", f.EventID))
			return
		}
		if f.OK {
			pub.resolve(nil, f.Message)
		} else {
			pub.resolve(&RejectedError{Relay: c.url, Reason: f.Message}, f.Message)
		}

	case protocol.TypeNotice:
		c.mu.Lock()
		c.notices = append(c.notices, f.Message)
		if n := len(c.notices); n > constants.MaxRecentNotices {
			c.notices = c.notices[n-constants.MaxRecentNotices:]
		}
		c.mu.Unlock()
		c.Notice.Emit(f.Message)

	case protocol.TypeAuth:
		c.mu.Lock()
		c.challenge = f.Message
		c.mu.Unlock()
		c.Auth.Emit(f.Message)
	}
}
