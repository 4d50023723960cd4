// Package relaytest provides scripted in-memory relays for tests.
package relaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"

	"github.com/murachue/nosteen-sub000/internal/domain"
	"github.com/murachue/nosteen-sub000/internal/protocol"
)

// ErrSocketClosed is returned by reads on a dropped fake socket.
var ErrSocketClosed = fmt.Errorf("fake socket closed")

// Dialer hands out sockets connected to scripted relays.
type Dialer struct {
	mu      sync.Mutex
	relays  map[string]*Relay
	failing map[string]error
	dials   map[string]int
}

var _ domain.Dialer = (*Dialer)(nil)

// NewDialer returns a dialer with no relays.
func NewDialer() *Dialer {
	return &Dialer{
		relays:  make(map[string]*Relay),
		failing: make(map[string]error),
		dials:   make(map[string]int),
	}
}

// Relay returns the scripted relay for url, creating it on first use.
func (d *Dialer) Relay(url string) *Relay {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.relays[url]
	if !ok {
		r = &Relay{URL: url}
		d.relays[url] = r
	}
	return r
}

// SetFailing makes dials to url fail with err; a nil err clears it.
func (d *Dialer) SetFailing(url string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failing, url)
		return
	}
	d.failing[url] = err
}

// Dials returns how many times url was dialed.
func (d *Dialer) Dials(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[url]
}

// Dial implements domain.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (domain.Socket, error) {
	d.mu.Lock()
	d.dials[url]++
	err := d.failing[url]
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.Relay(url).open(), nil
}

// Responder is called for every frame the client writes.
type Responder func(r *Relay, frame []json.RawMessage)

// Relay is one scripted endpoint.
type Relay struct {
	URL string

	mu        sync.Mutex
	sock      *Socket
	sent      [][]json.RawMessage
	responder Responder
}

// Respond installs fn as the frame responder.
func (r *Relay) Respond(fn Responder) {
	r.mu.Lock()
	r.responder = fn
	r.mu.Unlock()
}

// Connected reports whether a socket is currently open.
func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sock != nil
}

// Send pushes one frame to the connected client.
func (r *Relay) Send(frame ...interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	r.SendRaw(data)
}

// SendRaw pushes raw bytes to the connected client.
func (r *Relay) SendRaw(data []byte) {
	r.mu.Lock()
	sock := r.sock
	r.mu.Unlock()
	if sock != nil {
		sock.push(data)
	}
}

// Drop kills the current socket as if the network failed.
func (r *Relay) Drop() {
	r.mu.Lock()
	sock := r.sock
	r.sock = nil
	r.mu.Unlock()
	if sock != nil {
		sock.shut()
	}
}

// Sent returns every decoded frame the client wrote.
func (r *Relay) Sent() [][]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]json.RawMessage(nil), r.sent...)
}

// SentOfType returns the written frames whose label is label.
func (r *Relay) SentOfType(label string) [][]json.RawMessage {
	var out [][]json.RawMessage
	for _, f := range r.Sent() {
		if Label(f) == label {
			out = append(out, f)
		}
	}
	return out
}

func (r *Relay) open() *Socket {
	s := &Socket{relay: r, in: make(chan []byte, 256), closed: make(chan struct{})}
	r.mu.Lock()
	old := r.sock
	r.sock = s
	r.mu.Unlock()
	if old != nil {
		old.shut()
	}
	return s
}

func (r *Relay) received(s *Socket, data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	r.mu.Lock()
	if r.sock != s {
		r.mu.Unlock()
		return
	}
	r.sent = append(r.sent, frame)
	fn := r.responder
	r.mu.Unlock()
	if fn != nil {
		fn(r, frame)
	}
}

// Socket is the client side of a fake link.
type Socket struct {
	relay  *Relay
	in     chan []byte
	once   sync.Once
	closed chan struct{}
}

func (s *Socket) push(data []byte) {
	select {
	case s.in <- data:
	case <-s.closed:
	}
}

func (s *Socket) shut() {
	s.once.Do(func() { close(s.closed) })
}

// ReadMessage implements domain.Socket.
func (s *Socket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.closed:
		return nil, ErrSocketClosed
	}
}

// WriteMessage implements domain.Socket.
func (s *Socket) WriteMessage(data []byte) error {
	select {
	case <-s.closed:
		return ErrSocketClosed
	default:
	}
	s.relay.received(s, data)
	return nil
}

// Close implements domain.Socket.
func (s *Socket) Close() error {
	s.shut()
	s.relay.mu.Lock()
	if s.relay.sock == s {
		s.relay.sock = nil
	}
	s.relay.mu.Unlock()
	return nil
}

// Label returns the first element of a frame.
func Label(frame []json.RawMessage) string {
	return String(frame, 0)
}

// String decodes frame[i] as a string.
func String(frame []json.RawMessage, i int) string {
	if i >= len(frame) {
		return ""
	}
	var s string
	_ = json.Unmarshal(frame[i], &s)
	return s
}

// Filters decodes the filters of a REQ or COUNT frame.
func Filters(frame []json.RawMessage) nostr.Filters {
	var out nostr.Filters
	for _, raw := range frame[2:] {
		var f nostr.Filter
		if err := json.Unmarshal(raw, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// Serve answers every REQ with the stored events matching its filters
// followed by EOSE, and every EVENT with OK true.
func Serve(events ...*nostr.Event) Responder {
	return func(r *Relay, frame []json.RawMessage) {
		switch Label(frame) {
		case protocol.TypeReq:
			id := String(frame, 1)
			filters := Filters(frame)
			for _, evt := range events {
				if protocol.MatchAny(filters, evt) {
					r.Send(protocol.TypeEvent, id, evt)
				}
			}
			r.Send(protocol.TypeEOSE, id)
		case protocol.TypeEvent:
			var evt nostr.Event
			if err := json.Unmarshal(frame[1], &evt); err == nil {
				r.Send(protocol.TypeOK, evt.ID, true, "")
			}
		}
	}
}

// Reject answers every EVENT with OK false and reason.
func Reject(reason string) Responder {
	return func(r *Relay, frame []json.RawMessage) {
		if Label(frame) != protocol.TypeEvent {
			return
		}
		var evt nostr.Event
		if err := json.Unmarshal(frame[1], &evt); err == nil {
			r.Send(protocol.TypeOK, evt.ID, false, reason)
		}
	}
}

// Key is a test identity.
type Key struct {
	Secret string
	Public string
}

// NewKey generates a fresh identity.
func NewKey() Key {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		panic(err)
	}
	return Key{Secret: sk, Public: pk}
}

// Sign builds and signs an event.
func (k Key) Sign(kind int, createdAt int64, content string, tags ...nostr.Tag) *nostr.Event {
	evt := &nostr.Event{
		PubKey:    k.Public,
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      kind,
		Tags:      nostr.Tags(tags),
		Content:   content,
	}
	if evt.Tags == nil {
		evt.Tags = nostr.Tags{}
	}
	if err := evt.Sign(k.Secret); err != nil {
		panic(err)
	}
	return evt
}

// Now is a fixed timestamp for tests that do not care about time.
func Now() int64 { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix() }
