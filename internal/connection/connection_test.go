package connection

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murachue/nosteen-sub000/internal/domain"
	"github.com/murachue/nosteen-sub000/internal/relaytest"
)

const relayURL = "wss://relay.test"

func newConn(t *testing.T, d *relaytest.Dialer, opts Options) *Connection {
	t.Helper()
	c := New(relayURL, d, opts)
	t.Cleanup(c.Close)
	return c
}

type collector struct {
	mu     sync.Mutex
	events []*nostr.Event
	eose   int
	errs   []error
	counts []int64
}

func (c *collector) attach(r *Request) {
	r.Event.Subscribe(func(e *nostr.Event) { c.mu.Lock(); c.events = append(c.events, e); c.mu.Unlock() })
	r.EOSE.Subscribe(func(struct{}) { c.mu.Lock(); c.eose++; c.mu.Unlock() })
	r.Error.Subscribe(func(err error) { c.mu.Lock(); c.errs = append(c.errs, err); c.mu.Unlock() })
	r.Count.Subscribe(func(n int64) { c.mu.Lock(); c.counts = append(c.counts, n); c.mu.Unlock() })
}

func (c *collector) snapshot() ([]*nostr.Event, int, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*nostr.Event(nil), c.events...), c.eose, append([]error(nil), c.errs...)
}

func TestIDAllocator(t *testing.T) {
	var a idAllocator
	assert.Equal(t, "0", a.alloc())
	assert.Equal(t, "1", a.alloc())

	a.release("0")
	assert.Equal(t, "0", a.alloc(), "released id is reused")

	a.release("zz")
	a.release("01")
	a.release("not-an-id")
	assert.Equal(t, "2", a.alloc(), "ids the counter never produced are not recycled")
}

func TestConnectionSubscription(t *testing.T) {
	author := relaytest.NewKey()
	note := author.Sign(1, relaytest.Now(), "hello")
	other := author.Sign(7, relaytest.Now(), "+")

	d := relaytest.NewDialer()
	d.Relay(relayURL).Respond(relaytest.Serve(note, other))
	c := newConn(t, d, Options{})
	require.NoError(t, c.Connect(context.Background()))

	var col collector
	req := c.Prepare(nostr.Filters{{Kinds: []int{1}}}, SubOptions{})
	col.attach(req)
	req.Fire()

	require.Eventually(t, func() bool {
		_, eose, _ := col.snapshot()
		return eose == 1
	}, time.Second, 5*time.Millisecond)

	events, _, errs := col.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, note.ID, events[0].ID)
	assert.Empty(t, errs)

	t.Run("override keeps the id", func(t *testing.T) {
		req.Sub(nostr.Filters{{Kinds: []int{7}}})
		require.Eventually(t, func() bool {
			_, eose, _ := col.snapshot()
			return eose == 2
		}, time.Second, 5*time.Millisecond)

		reqs := d.Relay(relayURL).SentOfType("REQ")
		require.Len(t, reqs, 2)
		assert.Equal(t, relaytest.String(reqs[0], 1), relaytest.String(reqs[1], 1))
		events, _, _ := col.snapshot()
		assert.Equal(t, other.ID, events[len(events)-1].ID)
	})

	t.Run("unsub sends CLOSE and is idempotent", func(t *testing.T) {
		req.Unsub()
		req.Unsub()
		closes := d.Relay(relayURL).SentOfType("CLOSE")
		require.Len(t, closes, 1)
		assert.Equal(t, req.ID(), relaytest.String(closes[0], 1))
		assert.Zero(t, req.Event.Len())
	})
}

func TestConnectionDropsBadFrames(t *testing.T) {
	author := relaytest.NewKey()
	good := author.Sign(1, relaytest.Now(), "good")
	forged := *author.Sign(1, relaytest.Now(), "forged")
	forged.Content = "tampered"

	d := relaytest.NewDialer()
	verifier := domain.VerifierFunc(func(e *nostr.Event) bool {
		ok, _ := e.CheckSignature()
		return ok
	})
	c := newConn(t, d, Options{Verifier: verifier})
	require.NoError(t, c.Connect(context.Background()))

	var col collector
	req := c.Prepare(nostr.Filters{{Kinds: []int{1}}}, SubOptions{})
	col.attach(req)
	req.Fire()
	relay := d.Relay(relayURL)
	require.Eventually(t, func() bool { return len(relay.SentOfType("REQ")) == 1 }, time.Second, 5*time.Millisecond)

	relay.SendRaw([]byte(`not json`))
	relay.SendRaw([]byte(`["EVENT"]`))
	relay.Send("EVENT", "unknown-id", good)
	relay.Send("EVENT", req.ID(), author.Sign(3, relaytest.Now(), ""))
	relay.Send("EVENT", req.ID(), &forged)
	relay.Send("EVENT", req.ID(), good)
	relay.Send("EOSE", req.ID())
	relay.Send("EOSE", req.ID())

	require.Eventually(t, func() bool {
		_, eose, _ := col.snapshot()
		return eose == 1
	}, time.Second, 5*time.Millisecond)
	events, eose, _ := col.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, good.ID, events[0].ID)
	assert.Equal(t, 1, eose, "EOSE fires once per request epoch")
	assert.Equal(t, StateOpen, c.State(), "malformed frames are not fatal")
}

func TestConnectionClosedAndCount(t *testing.T) {
	d := relaytest.NewDialer()
	c := newConn(t, d, Options{})
	require.NoError(t, c.Connect(context.Background()))
	relay := d.Relay(relayURL)

	var col collector
	req := c.Prepare(nostr.Filters{{Kinds: []int{1}}}, SubOptions{Count: true})
	col.attach(req)
	req.Fire()
	require.Eventually(t, func() bool { return len(relay.SentOfType("COUNT")) == 1 }, time.Second, 5*time.Millisecond)

	relay.Send("COUNT", req.ID(), map[string]int{"count": 42})
	relay.Send("CLOSED", req.ID(), "auth-required: sign in")

	require.Eventually(t, func() bool {
		_, _, errs := col.snapshot()
		return len(errs) == 1
	}, time.Second, 5*time.Millisecond)
	col.mu.Lock()
	assert.Equal(t, []int64{42}, col.counts)
	var closed *ClosedError
	require.True(t, stderrors.As(col.errs[0], &closed))
	assert.Equal(t, "auth-required: sign in", closed.Reason)
	col.mu.Unlock()
}

func TestConnectionNotices(t *testing.T) {
	d := relaytest.NewDialer()
	c := newConn(t, d, Options{})
	require.NoError(t, c.Connect(context.Background()))

	var mu sync.Mutex
	var challenges []string
	c.Auth.Subscribe(func(s string) { mu.Lock(); challenges = append(challenges, s); mu.Unlock() })

	relay := d.Relay(relayURL)
	for i := 0; i < 25; i++ {
		relay.Send("NOTICE", "n")
	}
	relay.Send("NOTICE", "last")
	relay.Send("AUTH", "challenge-1")

	require.Eventually(t, func() bool { return c.Status().Challenge == "challenge-1" }, time.Second, 5*time.Millisecond)
	st := c.Status()
	assert.Len(t, st.Notices, 20)
	assert.Equal(t, "last", st.Notices[len(st.Notices)-1])
	mu.Lock()
	assert.Equal(t, []string{"challenge-1"}, challenges)
	mu.Unlock()
}

func TestConnectionPublish(t *testing.T) {
	author := relaytest.NewKey()

	t.Run("accepted", func(t *testing.T) {
		d := relaytest.NewDialer()
		d.Relay(relayURL).Respond(relaytest.Serve())
		c := newConn(t, d, Options{})
		require.NoError(t, c.Connect(context.Background()))

		pub := c.Publish(author.Sign(1, relaytest.Now(), "hi"))
		require.NoError(t, pub.Wait(context.Background()))
	})

	t.Run("rejected", func(t *testing.T) {
		d := relaytest.NewDialer()
		d.Relay(relayURL).Respond(relaytest.Reject("rate-limited"))
		c := newConn(t, d, Options{})
		require.NoError(t, c.Connect(context.Background()))

		pub := c.Publish(author.Sign(1, relaytest.Now(), "hi"))
		err := pub.Wait(context.Background())
		var rejected *RejectedError
		require.True(t, stderrors.As(err, &rejected))
		assert.Equal(t, "rate-limited", rejected.Reason)
	})

	t.Run("not connected fails only this publication", func(t *testing.T) {
		mock := clock.NewMock()
		d := relaytest.NewDialer()
		c := newConn(t, d, Options{Clock: mock, SendWait: time.Second})

		pub := c.Publish(author.Sign(1, relaytest.Now(), "hi"))
		require.Eventually(t, func() bool {
			mock.Add(time.Second)
			select {
			case <-pub.Done():
				return true
			default:
				return false
			}
		}, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, pub.Err(), ErrNotConnected)
		assert.Equal(t, StateIdle, c.State())
	})
}

func TestConnectionResubscribesAfterReconnect(t *testing.T) {
	d := relaytest.NewDialer()
	c := newConn(t, d, Options{})
	require.NoError(t, c.Connect(context.Background()))
	relay := d.Relay(relayURL)

	lost := make(chan error, 1)
	c.Lost.Subscribe(func(err error) { lost <- err })

	req := c.Prepare(nostr.Filters{{Kinds: []int{1}}}, SubOptions{})
	req.Fire()
	require.Eventually(t, func() bool { return len(relay.SentOfType("REQ")) == 1 }, time.Second, 5*time.Millisecond)

	relay.Drop()
	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("loss not reported")
	}
	assert.Equal(t, StateIdle, c.State())

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(relay.SentOfType("REQ")) == 2 }, time.Second, 5*time.Millisecond)
	reqs := relay.SentOfType("REQ")
	assert.Equal(t, req.ID(), relaytest.String(reqs[1], 1))
}

func TestConnectDialFailure(t *testing.T) {
	d := relaytest.NewDialer()
	d.SetFailing(relayURL, stderrors.New("dial tcp: connection refused"))
	c := newConn(t, d, Options{})

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateIdle, c.State())
	assert.Error(t, c.Status().LastError)
}
