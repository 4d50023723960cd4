package application

import (
	"context"

	"github.com/murachue/nosteen-sub000/internal/config"
	"github.com/murachue/nosteen-sub000/internal/fetch"
	"github.com/murachue/nosteen-sub000/internal/limiter"
	"github.com/murachue/nosteen-sub000/internal/models"
	"github.com/murachue/nosteen-sub000/internal/postindex"
)

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// Tracker returns the per-relay rejection tracker.
func (n *Node) Tracker() *limiter.RejectionTracker {
	return n.tracker
}

// Listen registers fn for batch, end-of-stream and read-state notifications
// of a stream. fn runs on the verification goroutine and must not call back
// into the Node synchronously.
func (n *Node) Listen(ctx context.Context, stream string, fn func(postindex.Notification)) (func(), error) {
	var cancel func()
	err := n.pipe.Do(ctx, func() {
		if n.index.Has(stream) {
			cancel = n.index.Listen(stream, fn)
		}
	})
	if err != nil {
		return nil, err
	}
	if cancel == nil {
		return nil, postindex.ErrUnknownStream
	}
	return cancel, nil
}

// Posts returns the posts of a stream, newest last.
func (n *Node) Posts(ctx context.Context, stream string) ([]models.PostView, error) {
	var (
		posts []models.PostView
		found bool
	)
	err := n.pipe.Do(ctx, func() {
		if found = n.index.Has(stream); found {
			posts = n.index.Posts(stream)
		}
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, postindex.ErrUnknownStream
	}
	return posts, nil
}

// Post looks up a post by its derived id.
func (n *Node) Post(ctx context.Context, id string) (models.PostView, bool, error) {
	var (
		view models.PostView
		ok   bool
	)
	err := n.pipe.Do(ctx, func() { view, ok = n.index.Post(id) })
	return view, ok, err
}

// Event looks up the low-level record of an event id.
func (n *Node) Event(ctx context.Context, id string) (models.DeletableEvent, bool, error) {
	var (
		rec models.DeletableEvent
		ok  bool
	)
	err := n.pipe.Do(ctx, func() {
		if r := n.pipe.Events().Peek(id); r != nil {
			rec, ok = r.Snapshot(), true
		}
	})
	return rec, ok, err
}

// AddToStream inserts known records into a stream, typically a local-only
// one. Unknown ids are skipped. It returns the number of posts touched.
func (n *Node) AddToStream(ctx context.Context, stream string, ids []string) (int, error) {
	var (
		changes []postindex.Change
		found   bool
	)
	err := n.pipe.Do(ctx, func() {
		if found = n.index.Has(stream); !found {
			return
		}
		recs := make([]*models.DeletableEvent, 0, len(ids))
		for _, id := range ids {
			if r := n.pipe.Events().Peek(id); r != nil && r.Event != nil {
				recs = append(recs, r)
			}
		}
		changes = n.index.Apply(stream, recs)
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, postindex.ErrUnknownStream
	}
	return len(changes), nil
}

// SetHasRead marks one post or a range of a stream read or unread and
// returns how many posts changed.
func (n *Node) SetHasRead(ctx context.Context, rc postindex.ReadChange) (int, error) {
	var (
		changed int
		setErr  error
	)
	if err := n.pipe.Do(ctx, func() { changed, setErr = n.index.SetHasRead(rc) }); err != nil {
		return 0, err
	}
	return changed, setErr
}

// Unread returns the unread count of a stream, or of every stream when
// stream is empty.
func (n *Node) Unread(ctx context.Context, stream string) (int, error) {
	var count int
	err := n.pipe.Do(ctx, func() {
		if stream == "" {
			count = n.index.TotalUnread()
		} else {
			count = n.index.Unread(stream)
		}
	})
	return count, err
}

// Fetch queues a one-shot fetch. Callbacks run on the verification goroutine.
func (n *Node) Fetch(req *fetch.Request) error {
	return n.sched.Fetch(req)
}

// FetchAll runs a fetch and collects snapshots of the matching records.
func (n *Node) FetchAll(ctx context.Context, pred fetch.Predicate, bypassCache bool) ([]models.DeletableEvent, error) {
	var out []models.DeletableEvent
	done := make(chan error, 1)
	err := n.sched.Fetch(&fetch.Request{
		Predicate:   pred,
		BypassCache: bypassCache,
		OnEvent:     func(rec *models.DeletableEvent) { out = append(out, rec.Snapshot()) },
		OnComplete:  func(err error) { done <- err },
	})
	if err != nil {
		return nil, err
	}
	select {
	case err := <-done:
		return out, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Profile returns the cached profile or contacts entry of pubkey and
// refreshes it in the background when missing or stale.
func (n *Node) Profile(ctx context.Context, pubkey string, kind int, onUpdate func(*models.ProfileEntry)) (*models.ProfileEntry, error) {
	return n.sched.Profile(ctx, pubkey, kind, onUpdate)
}
