package application

import (
	"context"
	"sort"
	"testing"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murachue/nosteen-sub000/internal/config"
	"github.com/murachue/nosteen-sub000/internal/constants"
	"github.com/murachue/nosteen-sub000/internal/fetch"
	"github.com/murachue/nosteen-sub000/internal/models"
	"github.com/murachue/nosteen-sub000/internal/postindex"
	"github.com/murachue/nosteen-sub000/internal/relaytest"
)

const (
	relayA = "wss://a.test"
	relayB = "wss://b.test"
)

var notes = nostr.Filters{{Kinds: []int{1}}}

func testConfig() *config.Config {
	return &config.Config{
		Connection: config.ConnectionConfig{
			ConnectTimeout: time.Second,
			SendWait:       time.Second,
			WriteTimeout:   time.Second,
			MaxMessageSize: 1 << 20,
		},
		Supervisor: config.SupervisorConfig{BackoffBase: 50 * time.Millisecond, MaxExponent: 4},
		Pool:       config.PoolConfig{Debounce: 10 * time.Millisecond, EOSETimeout: time.Second},
		Fetch:      config.FetchConfig{MaxFilters: constants.MaxFetchFilters, ProfileStale: time.Minute},
		Cache:      config.CacheConfig{Events: 1000, Profiles: 100, BloomEstimate: 10000, BloomFPRate: 0.01},
		Verify:     config.VerifyConfig{MaxRejections: 5, RejectWindow: time.Minute, FlagDuration: time.Minute},
		Publish:    config.PublishConfig{Timeout: time.Second, Workers: 2},
	}
}

func newNode(t *testing.T) (*relaytest.Dialer, *Node) {
	t.Helper()
	d := relaytest.NewDialer()
	n, err := build(NewNodeBuilder(context.Background(), testConfig()).WithDialer(d))
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)
	return d, n
}

// follow turns name into a relay-fed stream and waits for its first end of stream.
func follow(t *testing.T, n *Node, name string, filters nostr.Filters) <-chan postindex.Notification {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, n.SetSubscriptions(ctx, map[string]nostr.Filters{name: nil}))

	ch := make(chan postindex.Notification, 64)
	cancel, err := n.Listen(ctx, name, func(note postindex.Notification) { ch <- note })
	require.NoError(t, err)
	t.Cleanup(cancel)

	require.NoError(t, n.SetSubscriptions(ctx, map[string]nostr.Filters{name: filters}))
	return ch
}

func waitKind(t *testing.T, ch <-chan postindex.Notification, kind postindex.NotificationKind) postindex.Notification {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case note := <-ch:
			if note.Kind == kind {
				return note
			}
		case <-timeout:
			t.Fatalf("no %s notification", kind)
		}
	}
}

func TestPublishReportsEachEndpoint(t *testing.T) {
	d, n := newNode(t)
	d.Relay(relayA).Respond(relaytest.Serve())
	d.Relay(relayB).Respond(relaytest.Reject("rate-limited"))
	require.NoError(t, n.SetRelays([]models.Endpoint{
		{URL: relayA, Write: true},
		{URL: relayB, Write: true},
	}))

	evt := relaytest.NewKey().Sign(1, relaytest.Now(), "hello")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	outcomes, err := n.PublishAll(ctx, evt, nil)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Relay < outcomes[j].Relay })

	assert.Equal(t, relayA, outcomes[0].Relay)
	assert.True(t, outcomes[0].OK)
	assert.NoError(t, outcomes[0].Err)

	assert.Equal(t, relayB, outcomes[1].Relay)
	assert.False(t, outcomes[1].OK)
	assert.Equal(t, "rate-limited", outcomes[1].Reason)
	assert.Error(t, outcomes[1].Err)
}

func TestPublishArguments(t *testing.T) {
	_, n := newNode(t)
	ctx := context.Background()

	_, err := n.Publish(ctx, &nostr.Event{Kind: 1}, []string{relayA})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	evt := relaytest.NewKey().Sign(1, relaytest.Now(), "hello")
	_, err = n.Publish(ctx, evt, nil)
	assert.ErrorIs(t, err, ErrNoRelays, "no write endpoint configured")
}

func TestStreamReceivesVerifiedPosts(t *testing.T) {
	d, n := newNode(t)
	key := relaytest.NewKey()
	older := key.Sign(1, relaytest.Now()-10, "older")
	newer := key.Sign(1, relaytest.Now(), "newer")
	d.Relay(relayA).Respond(relaytest.Serve(newer, older))
	require.NoError(t, n.SetRelays([]models.Endpoint{{URL: relayA, Read: true}}))

	ch := follow(t, n, "home", notes)
	waitKind(t, ch, postindex.NotifyEOSE)

	ctx := context.Background()
	posts, err := n.Posts(ctx, "home")
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, older.ID, posts[0].ID)
	assert.Equal(t, newer.ID, posts[1].ID)

	unread, err := n.Unread(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, 2, unread)

	changed, err := n.SetHasRead(ctx, postindex.ReadChange{Mode: postindex.ByID, ID: older.ID, Read: true})
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	total, err := n.Unread(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	rec, ok, err := n.Event(ctx, newer.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, rec.Relays, relayA)

	statuses := n.RelayStatuses()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Wanted)
	assert.True(t, statuses[0].Connected)
}

func TestRejectedEventsCountAgainstRelay(t *testing.T) {
	d, n := newNode(t)
	forged := relaytest.NewKey().Sign(1, relaytest.Now(), "original")
	forged.Content = "tampered"
	d.Relay(relayA).Respond(relaytest.Serve(forged))
	require.NoError(t, n.SetRelays([]models.Endpoint{{URL: relayA, Read: true}}))

	ch := follow(t, n, "home", notes)
	waitKind(t, ch, postindex.NotifyEOSE)

	posts, err := n.Posts(context.Background(), "home")
	require.NoError(t, err)
	assert.Empty(t, posts)

	statuses := n.RelayStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, 1, statuses[0].Rejected)
	assert.False(t, statuses[0].Flagged)
}

func TestRemovedStreamIsGone(t *testing.T) {
	_, n := newNode(t)
	ctx := context.Background()
	require.NoError(t, n.SetSubscriptions(ctx, map[string]nostr.Filters{"drafts": nil}))
	_, err := n.Posts(ctx, "drafts")
	require.NoError(t, err)

	require.NoError(t, n.SetSubscriptions(ctx, map[string]nostr.Filters{}))
	_, err = n.Posts(ctx, "drafts")
	assert.ErrorIs(t, err, postindex.ErrUnknownStream)
	_, err = n.Listen(ctx, "drafts", func(postindex.Notification) {})
	assert.ErrorIs(t, err, postindex.ErrUnknownStream)
}

func TestFetchAllAndLocalStream(t *testing.T) {
	d, n := newNode(t)
	note := relaytest.NewKey().Sign(1, relaytest.Now(), "fetched")
	d.Relay(relayA).Respond(relaytest.Serve(note))
	require.NoError(t, n.SetRelays([]models.Endpoint{{URL: relayA, Read: true}}))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	recs, err := n.FetchAll(ctx, fetch.ByID{IDs: []string{note.ID}}, false)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, note.ID, recs[0].ID)

	require.NoError(t, n.SetSubscriptions(ctx, map[string]nostr.Filters{"saved": nil}))
	added, err := n.AddToStream(ctx, "saved", []string{note.ID, "unknown"})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	view, ok, err := n.Post(ctx, note.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fetched", view.Event.Content)
}
