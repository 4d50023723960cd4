package verify

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murachue/nosteen-sub000/internal/models"
	"github.com/murachue/nosteen-sub000/internal/relaytest"
)

type countingVerifier struct {
	calls atomic.Int32
}

func (v *countingVerifier) Verify(evt *nostr.Event) bool {
	v.calls.Add(1)
	return SchnorrVerifier{}.Verify(evt)
}

func startPipeline(t *testing.T, v *countingVerifier) *Pipeline {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	p := New(Options{Verifier: v})
	p.Start(ctx)
	return p
}

func verifySync(t *testing.T, p *Pipeline, raws ...models.RawEvent) *Result {
	t.Helper()
	ch := make(chan *Result, 1)
	p.Enqueue(raws, func(res *Result, err error) {
		require.NoError(t, err)
		ch <- res
	})
	select {
	case res := <-ch:
		return res
	case <-time.After(time.Second):
		t.Fatal("pipeline did not answer")
		return nil
	}
}

func raw(relay string, evt *nostr.Event) models.RawEvent {
	return models.RawEvent{Relay: relay, Event: evt, ReceivedAt: time.Unix(1, 0)}
}

func ids(recs []*models.DeletableEvent) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestSchnorrVerifier(t *testing.T) {
	key := relaytest.NewKey()
	evt := key.Sign(1, relaytest.Now(), "hello")
	assert.True(t, SchnorrVerifier{}.Verify(evt))

	tampered := *evt
	tampered.Content = "bye"
	assert.False(t, SchnorrVerifier{}.Verify(&tampered))

	other := key.Sign(1, relaytest.Now(), "other")
	forged := *evt
	forged.Sig = other.Sig
	assert.False(t, SchnorrVerifier{}.Verify(&forged))
}

func TestRedeliveryIsNotReverified(t *testing.T) {
	v := &countingVerifier{}
	p := startPipeline(t, v)
	key := relaytest.NewKey()
	evt := key.Sign(1, relaytest.Now(), "hi")

	res := verifySync(t, p, raw("wss://a.test", evt))
	require.Equal(t, []string{evt.ID}, ids(res.Accepted))

	copyEvt := *evt
	res = verifySync(t, p, raw("wss://b.test", &copyEvt))
	require.Equal(t, []string{evt.ID}, ids(res.Accepted))
	assert.EqualValues(t, 1, v.calls.Load(), "known event with identical signature skips verification")
	assert.Len(t, res.Accepted[0].Relays, 2)
	assert.Same(t, evt, res.Accepted[0].Event, "first accepted copy stays canonical")
}

func TestSignatureMismatchRejected(t *testing.T) {
	v := &countingVerifier{}
	p := startPipeline(t, v)
	key := relaytest.NewKey()
	evt := key.Sign(1, relaytest.Now(), "hi")
	verifySync(t, p, raw("wss://a.test", evt))

	forged := *evt
	forged.Sig = key.Sign(1, relaytest.Now(), "x").Sig
	res := verifySync(t, p, raw("wss://b.test", &forged))
	assert.Empty(t, res.Accepted)
	require.Len(t, res.Rejected, 1)
	assert.ErrorIs(t, res.Rejected[0].Reason, ErrSignatureMismatch)
}

func TestBadSignatureRejected(t *testing.T) {
	p := startPipeline(t, &countingVerifier{})
	evt := relaytest.NewKey().Sign(1, relaytest.Now(), "hi")
	evt.Content = "changed"

	res := verifySync(t, p, raw("wss://a.test", evt))
	assert.Empty(t, res.Accepted)
	require.Len(t, res.Rejected, 1)
	assert.ErrorIs(t, res.Rejected[0].Reason, ErrBadSignature)

	err := p.Do(context.Background(), func() {
		assert.Nil(t, p.Events().Get(evt.ID))
	})
	require.NoError(t, err)
}

func TestDeletion(t *testing.T) {
	p := startPipeline(t, &countingVerifier{})
	alice := relaytest.NewKey()
	note := alice.Sign(1, relaytest.Now(), "oops")
	del := alice.Sign(5, relaytest.Now()+1, "", nostr.Tag{"e", note.ID})

	res := verifySync(t, p, raw("wss://a.test", note), raw("wss://a.test", del))
	assert.ElementsMatch(t, []string{note.ID, del.ID}, ids(res.Accepted))
	require.NoError(t, p.Do(context.Background(), func() {
		rec := p.Events().Get(note.ID)
		require.NotNil(t, rec)
		assert.True(t, rec.Deleted())
		assert.Equal(t, del.ID, rec.Deletion.ID)
	}))

	res = verifySync(t, p, raw("wss://b.test", del))
	assert.Empty(t, res.Rejected, "redelivered deletion is reconfirmed")
}

func TestDeletionBeforeTarget(t *testing.T) {
	p := startPipeline(t, &countingVerifier{})
	alice := relaytest.NewKey()
	note := alice.Sign(1, relaytest.Now(), "oops")
	del := alice.Sign(5, relaytest.Now()+1, "", nostr.Tag{"e", note.ID})

	verifySync(t, p, raw("wss://a.test", del))
	res := verifySync(t, p, raw("wss://a.test", note))
	require.Len(t, res.Accepted, 1)
	assert.True(t, res.Accepted[0].Deleted())
}

func TestLyingDeletionIgnored(t *testing.T) {
	p := startPipeline(t, &countingVerifier{})
	alice := relaytest.NewKey()
	mallory := relaytest.NewKey()
	note := alice.Sign(1, relaytest.Now(), "mine")
	lie := mallory.Sign(5, relaytest.Now()+1, "", nostr.Tag{"e", note.ID})

	verifySync(t, p, raw("wss://a.test", note))
	res := verifySync(t, p, raw("wss://a.test", lie))
	assert.Empty(t, res.Accepted)
	require.Len(t, res.Rejected, 1)
	assert.ErrorIs(t, res.Rejected[0].Reason, ErrAuthorMismatch)

	require.NoError(t, p.Do(context.Background(), func() {
		assert.False(t, p.Events().Get(note.ID).Deleted())
	}))
}

func TestLyingDeletionDroppedWhenTargetArrives(t *testing.T) {
	p := startPipeline(t, &countingVerifier{})
	alice := relaytest.NewKey()
	mallory := relaytest.NewKey()
	note := alice.Sign(1, relaytest.Now(), "mine")
	lie := mallory.Sign(5, relaytest.Now()+1, "", nostr.Tag{"e", note.ID})

	verifySync(t, p, raw("wss://a.test", lie))
	res := verifySync(t, p, raw("wss://a.test", note))
	require.Len(t, res.Accepted, 1)
	assert.False(t, res.Accepted[0].Deleted())
}

func TestRepostEmbedsTarget(t *testing.T) {
	p := startPipeline(t, &countingVerifier{})
	alice := relaytest.NewKey()
	bob := relaytest.NewKey()
	note := alice.Sign(1, relaytest.Now(), "original")
	body, err := note.MarshalJSON()
	require.NoError(t, err)
	repost := bob.Sign(6, relaytest.Now()+5, string(body), nostr.Tag{"e", note.ID})

	res := verifySync(t, p, raw("wss://a.test", repost))
	assert.Equal(t, []string{repost.ID}, ids(res.Accepted))
	require.Len(t, res.Embedded, 1)
	assert.Equal(t, note.ID, res.Embedded[0].ID)
	assert.Empty(t, res.Embedded[0].Relays, "embedded copies carry no relay provenance")
}

func TestProfilesApplied(t *testing.T) {
	p := startPipeline(t, &countingVerifier{})
	alice := relaytest.NewKey()
	meta := alice.Sign(0, relaytest.Now(), `{"name":"alice"}`)

	res := verifySync(t, p, raw("wss://a.test", meta))
	assert.Equal(t, []string{alice.Public}, res.Profiles)
	require.NoError(t, p.Do(context.Background(), func() {
		b := p.Profiles().Get(alice.Public)
		require.NotNil(t, b)
		assert.Equal(t, meta.ID, b.Profile.Record.ID)
	}))
}

func TestEndMarkerOrdering(t *testing.T) {
	p := startPipeline(t, &countingVerifier{})
	evt := relaytest.NewKey().Sign(1, relaytest.Now(), "x")

	var order []string
	done := make(chan struct{})
	p.Enqueue([]models.RawEvent{raw("wss://a.test", evt)}, func(*Result, error) { order = append(order, "batch") })
	p.EnqueueEnd(func(err error) {
		assert.NoError(t, err)
		order = append(order, "end")
		close(done)
	})
	<-done
	assert.Equal(t, []string{"batch", "end"}, order)
}

func TestPanicAbortsQueue(t *testing.T) {
	p := startPipeline(t, &countingVerifier{})
	release := make(chan struct{})
	blocked := make(chan struct{})

	go func() {
		_ = p.Do(context.Background(), func() {
			close(blocked)
			<-release
			panic("boom")
		})
	}()
	<-blocked

	errs := make(chan error, 2)
	p.Enqueue(nil, func(res *Result, err error) {
		assert.Nil(t, res)
		errs <- err
	})
	p.EnqueueEnd(func(err error) { errs <- err })
	close(release)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrPipelineAborted)
		case <-time.After(time.Second):
			t.Fatal("pending item was not resolved")
		}
	}

	// The pipeline keeps serving after an abort.
	require.NoError(t, p.Do(context.Background(), func() {}))
}
