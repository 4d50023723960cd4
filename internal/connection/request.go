package connection

import (
	"sync"

	nostr "github.com/nbd-wtf/go-nostr"

	"github.com/murachue/nosteen-sub000/internal/protocol"
	"github.com/murachue/nosteen-sub000/internal/signal"
)

// SubOptions tune a request.
type SubOptions struct {
	// Count sends COUNT instead of REQ.
	Count bool
}

// Request is one logical subscription on a Connection, addressed by a short id.
//
// Listeners must be attached before Fire; frames for the id are dispatched
// as soon as the REQ is on the wire.
type Request struct {
	conn  *Connection
	id    string
	count bool

	mu      sync.Mutex
	filters nostr.Filters
	dirty   bool
	sentGen uint64
	eosed   bool
	closed  bool

	Event signal.Signal[*nostr.Event]
	EOSE  signal.Signal[struct{}]
	Count signal.Signal[int64]
	Error signal.Signal[error]
}

// ID returns the request id used on the wire.
func (r *Request) ID() string { return r.id }

// Filters returns the filters currently in effect.
func (r *Request) Filters() nostr.Filters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filters
}

// Fire sends the request. Delivery happens in the background; a relay that
// stays offline past the send wait is reported on Error and the request is
// re-sent when the link opens.
func (r *Request) Fire() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.dirty = true
	r.mu.Unlock()
	go r.deliver(true)
}

// Sub replaces the request's filters under the same id. The relay treats
// the repeated REQ as an override of the previous one.
func (r *Request) Sub(filters nostr.Filters) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.filters = filters
	r.dirty = true
	r.eosed = false
	r.mu.Unlock()

	r.conn.requests.Store(r.id, r)
	go r.deliver(true)
}

// Unsub closes the request and drops every listener. It is idempotent.
func (r *Request) Unsub() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	wasSent := r.sentGen != 0
	r.mu.Unlock()

	r.conn.requests.Delete(r.id)
	if wasSent {
		if data, err := protocol.EncodeClose(r.id); err == nil {
			r.conn.sendIfOpen(protocol.TypeClose, data)
		}
	}
	r.conn.ids.release(r.id)

	r.Event.Clear()
	r.EOSE.Clear()
	r.Count.Clear()
	r.Error.Clear()
}

// Closed reports whether Unsub has been called.
func (r *Request) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// deliver writes the REQ once the link is open. With wait false it only
// sends on an already-open link, which is the reconnect path.
func (r *Request) deliver(wait bool) {
	sock, gen, err := r.conn.openSocket(wait)
	if err != nil {
		r.Error.Emit(err)
		return
	}

	r.mu.Lock()
	if r.closed || (!r.dirty && r.sentGen == gen) {
		r.mu.Unlock()
		return
	}
	filters := r.filters
	r.dirty = false
	r.sentGen = gen
	r.mu.Unlock()

	label := protocol.TypeReq
	encode := protocol.EncodeReq
	if r.count {
		label = protocol.TypeCount
		encode = protocol.EncodeCount
	}
	data, err := encode(r.id, filters)
	if err != nil {
		r.Error.Emit(err)
		return
	}
	if err := r.conn.write(sock, label, data); err != nil {
		r.Error.Emit(err)
	}
}

func (r *Request) eose() {
	r.mu.Lock()
	if r.eosed || r.closed {
		r.mu.Unlock()
		return
	}
	r.eosed = true
	r.mu.Unlock()
	r.EOSE.Emit(struct{}{})
}

func (r *Request) closedByRelay(reason string) {
	r.conn.requests.Delete(r.id)
	r.mu.Lock()
	r.sentGen = 0
	r.mu.Unlock()
	r.Error.Emit(&ClosedError{Relay: r.conn.url, Reason: reason})
}
