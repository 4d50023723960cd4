package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/murachue/nosteen-sub000/internal/connection"
	"github.com/murachue/nosteen-sub000/internal/metrics"
	"github.com/murachue/nosteen-sub000/internal/models"
	"github.com/murachue/nosteen-sub000/internal/protocol"
	"github.com/murachue/nosteen-sub000/internal/signal"
)

// ErrMuxClosed is returned by Sub on an unsubscribed mux.
var ErrMuxClosed = fmt.Errorf("mux is closed")

// MuxOptions tune one multiplexed subscription.
type MuxOptions struct {
	Label       string
	Debounce    time.Duration
	EOSETimeout time.Duration
	// Rewrite narrows the filters sent to a particular relay.
	Rewrite func(relay string, filters nostr.Filters) nostr.Filters
}

type bufferState int

const (
	bufferIdle bufferState = iota
	bufferFilling
)

type attachment struct {
	url  string
	req  *connection.Request
	done bool
}

// Mux spreads one logical subscription over many relays and merges what
// they send into debounced batches with a single end-of-stream per epoch.
type Mux struct {
	pool  *Pool
	opts  MuxOptions
	clock clock.Clock
	log   *zap.Logger

	// emitMu orders batch and end-of-stream delivery; it is taken before mu.
	emitMu sync.Mutex

	mu        sync.Mutex
	started   bool
	dead      bool
	filters   nostr.Filters
	endpoints map[string]*attachment

	state      bufferState
	buffer     []models.RawEvent
	flushTimer *clock.Timer

	epoch     uint64
	remaining int
	eosed     bool
	eoseTimer *clock.Timer

	// Events carries debounced batches.
	Events signal.Signal[[]models.RawEvent]
	// EOSE fires once per epoch. A new epoch starts whenever the filters change.
	EOSE signal.Signal[struct{}]
}

// Sub starts the subscription or reconciles it with a new relay set and
// filters. Relays that stay keep their request id; only a filter change is
// sent to them.
func (m *Mux) Sub(urls []string, filters nostr.Filters) error {
	m.mu.Lock()
	if m.dead {
		m.mu.Unlock()
		return ErrMuxClosed
	}

	want := make(map[string]struct{}, len(urls))
	var ordered []string
	for _, u := range urls {
		key := Normalize(u)
		if key == "" {
			continue
		}
		if _, dup := want[key]; dup {
			continue
		}
		want[key] = struct{}{}
		ordered = append(ordered, key)
	}

	changed := !m.started || !protocol.FiltersEqual(m.filters, filters)
	m.started = true
	m.filters = filters

	var detached []*attachment
	for url, att := range m.endpoints {
		if _, keep := want[url]; keep {
			continue
		}
		delete(m.endpoints, url)
		detached = append(detached, att)
		if !changed && !m.eosed && !att.done {
			m.remaining--
		}
	}

	for _, url := range ordered {
		att, ok := m.endpoints[url]
		if !ok {
			m.endpoints[url] = m.attachLocked(url, filters)
			if !changed && !m.eosed {
				m.remaining++
			}
			continue
		}
		if changed {
			att.done = false
			att.req.Sub(m.rewrite(url, filters))
		}
	}

	var finish uint64
	if changed {
		m.epoch++
		m.eosed = false
		m.remaining = len(m.endpoints)
		if m.eoseTimer != nil {
			m.eoseTimer.Stop()
		}
		epoch := m.epoch
		m.eoseTimer = m.clock.AfterFunc(m.opts.EOSETimeout, func() { m.finishEpoch(epoch, "timeout") })
	}
	if !m.eosed && m.remaining <= 0 {
		finish = m.epoch
	}
	m.mu.Unlock()

	for _, att := range detached {
		m.detach(att)
	}
	if finish != 0 {
		go m.finishEpoch(finish, "empty")
	}
	return nil
}

// Unsub detaches every relay and kills the mux for good. It is idempotent.
func (m *Mux) Unsub() {
	m.mu.Lock()
	if m.dead {
		m.mu.Unlock()
		return
	}
	m.dead = true
	attachments := make([]*attachment, 0, len(m.endpoints))
	for _, att := range m.endpoints {
		attachments = append(attachments, att)
	}
	m.endpoints = make(map[string]*attachment)
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	if m.eoseTimer != nil {
		m.eoseTimer.Stop()
		m.eoseTimer = nil
	}
	m.buffer = nil
	m.state = bufferIdle
	m.mu.Unlock()

	for _, att := range attachments {
		m.detach(att)
	}
	m.Events.Clear()
	m.EOSE.Clear()
}

// Dead reports whether Unsub was called.
func (m *Mux) Dead() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dead
}

// Relays lists the attached relays.
func (m *Mux) Relays() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.endpoints))
	for url := range m.endpoints {
		out = append(out, url)
	}
	return out
}

// RequestID returns the wire id used on relay, if attached.
func (m *Mux) RequestID(relay string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.endpoints[Normalize(relay)]
	if !ok {
		return "", false
	}
	return att.req.ID(), true
}

func (m *Mux) rewrite(url string, filters nostr.Filters) nostr.Filters {
	if m.opts.Rewrite == nil {
		return filters
	}
	return m.opts.Rewrite(url, filters)
}

func (m *Mux) attachLocked(url string, filters nostr.Filters) *attachment {
	sup := m.pool.Want(url)
	att := &attachment{url: url}
	req := sup.Conn().Prepare(m.rewrite(url, filters), connection.SubOptions{})
	att.req = req
	req.Event.Subscribe(func(evt *nostr.Event) { m.onEvent(att, evt) })
	req.EOSE.Subscribe(func(struct{}) { m.onEndpointDone(att) })
	req.Error.Subscribe(func(err error) {
		m.log.Debug("relay request failed", zap.String("relay", url), zap.Error(err))
		m.onEndpointDone(att)
	})
	req.Fire()
	return att
}

func (m *Mux) detach(att *attachment) {
	att.req.Unsub()
	m.pool.Forget(att.url)
}

func (m *Mux) current(att *attachment) bool {
	return !m.dead && m.endpoints[att.url] == att
}

func (m *Mux) onEvent(att *attachment, evt *nostr.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current(att) {
		return
	}
	m.buffer = append(m.buffer, models.RawEvent{Relay: att.url, Event: evt, ReceivedAt: m.clock.Now()})
	if m.state == bufferIdle {
		m.state = bufferFilling
		var timer *clock.Timer
		timer = m.clock.AfterFunc(m.opts.Debounce, func() { m.flush(timer) })
		m.flushTimer = timer
	}
}

// takeLocked moves the buffer out and returns the state machine to idle.
func (m *Mux) takeLocked() []models.RawEvent {
	batch := m.buffer
	m.buffer = nil
	m.state = bufferIdle
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	return batch
}

func (m *Mux) flush(timer *clock.Timer) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if m.flushTimer != timer {
		m.mu.Unlock()
		return
	}
	batch := m.takeLocked()
	m.mu.Unlock()

	if len(batch) > 0 {
		metrics.MuxBatches.Inc()
		m.Events.Emit(batch)
	}
}

func (m *Mux) onEndpointDone(att *attachment) {
	m.mu.Lock()
	if !m.current(att) || att.done {
		m.mu.Unlock()
		return
	}
	att.done = true
	if m.eosed {
		m.mu.Unlock()
		return
	}
	m.remaining--
	epoch := m.epoch
	last := m.remaining <= 0
	m.mu.Unlock()

	if last {
		m.finishEpoch(epoch, "countdown")
	}
}

// finishEpoch flushes pending events and fires EOSE if epoch is still
// current and has not ended yet.
func (m *Mux) finishEpoch(epoch uint64, cause string) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if m.dead || m.eosed || m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.eosed = true
	if m.eoseTimer != nil {
		m.eoseTimer.Stop()
		m.eoseTimer = nil
	}
	batch := m.takeLocked()
	m.mu.Unlock()

	if len(batch) > 0 {
		metrics.MuxBatches.Inc()
		m.Events.Emit(batch)
	}
	metrics.MuxEOSE.WithLabelValues(cause).Inc()
	m.log.Debug("muxed end of stream", zap.String("cause", cause))
	m.EOSE.Emit(struct{}{})
}
