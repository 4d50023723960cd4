package fetch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murachue/nosteen-sub000/internal/constants"
	"github.com/murachue/nosteen-sub000/internal/models"
	"github.com/murachue/nosteen-sub000/internal/pool"
	"github.com/murachue/nosteen-sub000/internal/protocol"
	"github.com/murachue/nosteen-sub000/internal/relaytest"
	"github.com/murachue/nosteen-sub000/internal/verify"
)

const relayURL = "wss://a.test"

func TestPredicateMerge(t *testing.T) {
	t.Run("commutative", func(t *testing.T) {
		p := ByID{IDs: []string{"b", "a"}}
		q := ByID{IDs: []string{"c", "a"}}
		pq, ok := p.Merge(q)
		require.True(t, ok)
		qp, ok := q.Merge(p)
		require.True(t, ok)
		assert.Equal(t, pq.Values(), qp.Values())
		assert.Equal(t, []string{"a", "b", "c"}, pq.Values())
	})

	t.Run("idempotent", func(t *testing.T) {
		p := ByContacts{Authors: []string{"x", "y"}}
		pp, ok := p.Merge(p)
		require.True(t, ok)
		assert.Equal(t, p.Values(), pp.Values())
	})

	t.Run("different kinds do not merge", func(t *testing.T) {
		_, ok := ByProfile{Authors: []string{"x"}}.Merge(ByContacts{Authors: []string{"x"}})
		assert.False(t, ok)
		_, ok = ByContacts{Authors: []string{"x"}}.Merge(ByFollowers{Targets: []string{"x"}})
		assert.False(t, ok)
	})

	t.Run("cap", func(t *testing.T) {
		_, ok := ByID{IDs: manyIDs("a", constants.MaxPredicateValues)}.Merge(ByID{IDs: []string{"extra"}})
		assert.False(t, ok)
	})
}

func TestPredicateFilters(t *testing.T) {
	assert.Equal(t, nostr.Filter{IDs: []string{"a"}}, ByID{IDs: []string{"a"}}.Filter())
	assert.Equal(t, nostr.Filter{Kinds: []int{0}, Authors: []string{"x"}}, ByProfile{Authors: []string{"x"}}.Filter())
	assert.Equal(t, nostr.Filter{Kinds: []int{3}, Authors: []string{"x"}}, ByContacts{Authors: []string{"x"}}.Filter())
	assert.Equal(t, nostr.Filter{Kinds: []int{3}, Tags: nostr.TagMap{"p": []string{"x"}}}, ByFollowers{Targets: []string{"x"}}.Filter())
}

func manyIDs(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%04d", prefix, i)
	}
	return out
}

type harness struct {
	relay *relaytest.Relay
	pipe  *verify.Pipeline
	sched *Scheduler
}

func newHarness(t *testing.T, events ...*nostr.Event) *harness {
	t.Helper()
	d := relaytest.NewDialer()
	r := d.Relay(relayURL)
	r.Respond(relaytest.Serve(events...))

	p := pool.New(d, pool.Options{Debounce: 5 * time.Millisecond})
	t.Cleanup(p.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pipe := verify.New(verify.Options{})
	pipe.Start(ctx)

	s := New(p, pipe, Options{Relays: func() []string { return []string{relayURL} }})
	t.Cleanup(s.Close)
	return &harness{relay: r, pipe: pipe, sched: s}
}

type collector struct {
	mu   sync.Mutex
	ids  []string
	done chan error
}

func (h *harness) fetch(t *testing.T, pred Predicate, bypass bool) *collector {
	t.Helper()
	c := &collector{done: make(chan error, 1)}
	require.NoError(t, h.sched.Fetch(&Request{
		Predicate:   pred,
		BypassCache: bypass,
		OnEvent: func(rec *models.DeletableEvent) {
			c.mu.Lock()
			c.ids = append(c.ids, rec.ID)
			c.mu.Unlock()
		},
		OnComplete: func(err error) { c.done <- err },
	}))
	return c
}

func (c *collector) wait(t *testing.T) []string {
	t.Helper()
	select {
	case err := <-c.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not complete")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestFetchByIDThenCache(t *testing.T) {
	key := relaytest.NewKey()
	note := key.Sign(1, relaytest.Now(), "hello")
	h := newHarness(t, note)

	got := h.fetch(t, ByID{IDs: []string{note.ID}}, false).wait(t)
	assert.Equal(t, []string{note.ID}, got)
	reqs := len(h.relay.SentOfType(protocol.TypeReq))
	assert.Equal(t, 1, reqs)

	got = h.fetch(t, ByID{IDs: []string{note.ID}}, false).wait(t)
	assert.Equal(t, []string{note.ID}, got)
	assert.Len(t, h.relay.SentOfType(protocol.TypeReq), reqs, "cached lookup does not touch the network")

	got = h.fetch(t, ByID{IDs: []string{note.ID}}, true).wait(t)
	assert.Equal(t, []string{note.ID}, got)
	assert.Len(t, h.relay.SentOfType(protocol.TypeReq), reqs+1, "bypass goes to the network")
}

func TestFetchMissingCompletes(t *testing.T) {
	h := newHarness(t)
	got := h.fetch(t, ByID{IDs: []string{"00"}}, false).wait(t)
	assert.Empty(t, got)
}

func TestMergedRequestsRouteByOwnFilter(t *testing.T) {
	key := relaytest.NewKey()
	a := key.Sign(1, relaytest.Now(), "a")
	b := key.Sign(1, relaytest.Now(), "b")
	h := newHarness(t, a, b)

	// Queue both before the round loop starts so they share a round.
	h.sched.mu.Lock()
	h.sched.running = true
	h.sched.mu.Unlock()
	ca := h.fetch(t, ByID{IDs: []string{a.ID}}, false)
	cb := h.fetch(t, ByID{IDs: []string{b.ID}}, false)
	go h.sched.loop()

	assert.Equal(t, []string{a.ID}, ca.wait(t))
	assert.Equal(t, []string{b.ID}, cb.wait(t))

	reqs := h.relay.SentOfType(protocol.TypeReq)
	require.Len(t, reqs, 1)
	filters := relaytest.Filters(reqs[0])
	require.Len(t, filters, 1, "same-kind predicates share one wire filter")
	assert.ElementsMatch(t, []string{a.ID, b.ID}, filters[0].IDs)
}

func TestAdmitCapsSlots(t *testing.T) {
	s := &Scheduler{opts: Options{MaxFilters: constants.MaxFetchFilters}, clock: clock.New()}
	var batch []*pending
	for i := 0; i < 25; i++ {
		batch = append(batch, newPending(&Request{
			Predicate:   ByID{IDs: manyIDs(fmt.Sprintf("r%02d-", i), constants.MaxPredicateValues/2+1)},
			BypassCache: true,
		}))
	}
	batch = append(batch, newPending(&Request{Predicate: ByFollowers{Targets: []string{"x"}}, BypassCache: true}))

	slots, deferred := s.admit(batch)
	assert.Len(t, slots, constants.MaxFetchFilters)
	assert.Len(t, deferred, 6)
	assert.Same(t, batch[20], deferred[0], "overflow keeps arrival order")
}

func TestProfileStaleWhileRevalidate(t *testing.T) {
	key := relaytest.NewKey()
	meta := key.Sign(0, relaytest.Now(), `{"name":"k"}`)
	h := newHarness(t, meta)

	updates := make(chan *models.ProfileEntry, 1)
	cur, err := h.sched.Profile(context.Background(), key.Public, constants.KindProfile, func(e *models.ProfileEntry) { updates <- e })
	require.NoError(t, err)
	assert.Nil(t, cur, "nothing cached yet")

	select {
	case e := <-updates:
		require.NotNil(t, e.Record)
		assert.Equal(t, meta.ID, e.Record.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no refresh")
	}

	reqs := len(h.relay.SentOfType(protocol.TypeReq))
	cur, err = h.sched.Profile(context.Background(), key.Public, constants.KindProfile, func(*models.ProfileEntry) {
		t.Error("fresh entry must not be refreshed")
	})
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, meta.ID, cur.Record.ID)
	assert.Len(t, h.relay.SentOfType(protocol.TypeReq), reqs)

	_, err = h.sched.Profile(context.Background(), key.Public, 1, nil)
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestCloseFailsQueued(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	go func() { _ = h.pipe.Do(context.Background(), func() { <-release }) }()

	c := &collector{done: make(chan error, 1)}
	require.NoError(t, h.sched.Fetch(&Request{
		Predicate:  ByID{IDs: []string{"00"}},
		OnComplete: func(err error) { c.done <- err },
	}))
	h.sched.Close()
	close(release)

	select {
	case err := <-c.done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("request not resolved")
	}
	assert.ErrorIs(t, h.sched.Fetch(&Request{Predicate: ByID{}}), ErrSchedulerClosed)
}

func TestAbortedRoundDoesNotWedgeScheduler(t *testing.T) {
	key := relaytest.NewKey()
	note := key.Sign(1, relaytest.Now(), "after abort")
	h := newHarness(t, note)

	release := make(chan struct{})
	blocked := make(chan struct{})
	go func() {
		_ = h.pipe.Do(context.Background(), func() {
			close(blocked)
			<-release
			panic("boom")
		})
	}()
	<-blocked

	c := &collector{done: make(chan error, 1)}
	require.NoError(t, h.sched.Fetch(&Request{
		Predicate:  ByID{IDs: []string{note.ID}},
		OnComplete: func(err error) { c.done <- err },
	}))
	require.Eventually(t, func() bool { return h.pipe.Depth() > 0 }, 2*time.Second, time.Millisecond)
	close(release)

	select {
	case err := <-c.done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("aborted request not resolved")
	}

	// A later request runs a fresh round.
	got := h.fetch(t, ByID{IDs: []string{note.ID}}, false).wait(t)
	assert.Equal(t, []string{note.ID}, got)
	assert.Zero(t, h.sched.Pending())
}
