// Package postindex keeps named streams of posts ordered by creation time
// and tracks what has been read.
//
// An Index is not safe for concurrent use. It is driven from the
// verification pipeline goroutine, which also owns the tables it reads.
package postindex

import (
	"encoding/json"
	"sort"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/murachue/nosteen-sub000/internal/constants"
	"github.com/murachue/nosteen-sub000/internal/logger"
	"github.com/murachue/nosteen-sub000/internal/metrics"
	"github.com/murachue/nosteen-sub000/internal/models"
	"github.com/murachue/nosteen-sub000/internal/protocol"
	"github.com/murachue/nosteen-sub000/internal/signal"
	"github.com/murachue/nosteen-sub000/internal/store"
)

// ChangeType says whether upsert added a post or found it already there.
type ChangeType string

const (
	Insert ChangeType = "insert"
	Update ChangeType = "update"
)

// Change is one post touched by an operation.
type Change struct {
	Type ChangeType
	// Index is the position in the stream after the change.
	Index int
	Post  models.PostView
}

// NotificationKind tells listeners what happened to a stream.
type NotificationKind int

const (
	NotifyBatch NotificationKind = iota
	NotifyEOSE
	NotifyReadState
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyBatch:
		return "batch"
	case NotifyEOSE:
		return "eose"
	case NotifyReadState:
		return "read_state"
	}
	return "unknown"
}

// Notification is delivered to stream listeners.
type Notification struct {
	Stream      string
	Kind        NotificationKind
	Changes     []Change
	Unread      int
	TotalUnread int
}

type stream struct {
	name    string
	filters nostr.Filters
	posts   []*models.Post
	unread  int
	notify  signal.Signal[Notification]
}

// Options configure an Index.
type Options struct {
	// Self is the pubkey whose reactions attach to their target post.
	Self   string
	Logger *zap.Logger
}

// Index holds every stream.
type Index struct {
	posts  *store.Posts
	events *store.Events
	self   string
	log    *zap.Logger

	streams map[string]*stream
	unread  int
}

// New returns an empty index resolving repost and reaction targets in events.
func New(events *store.Events, opts Options) *Index {
	if opts.Logger == nil {
		opts.Logger = logger.New("postindex")
	}
	return &Index{
		posts:   store.NewPosts(),
		events:  events,
		self:    opts.Self,
		log:     opts.Logger,
		streams: make(map[string]*stream),
	}
}

// SetSelf changes the pubkey used for own-reaction attribution.
func (x *Index) SetSelf(pubkey string) { x.self = pubkey }

func (x *Index) stream(name string) *stream {
	s, ok := x.streams[name]
	if !ok {
		s = &stream{name: name}
		x.streams[name] = s
	}
	return s
}

// SetFilters creates the stream if needed and sets the filters events must
// match to enter it. Nil filters make a local-only stream that accepts
// whatever Apply hands it.
func (x *Index) SetFilters(name string, filters nostr.Filters) {
	x.stream(name).filters = filters
}

// Streams lists stream names, sorted.
func (x *Index) Streams() []string {
	out := make([]string, 0, len(x.streams))
	for name := range x.streams {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Has reports whether the stream exists.
func (x *Index) Has(name string) bool {
	_, ok := x.streams[name]
	return ok
}

// Listen registers fn for notifications of the stream, creating it if needed.
func (x *Index) Listen(name string, fn func(Notification)) (cancel func()) {
	return x.stream(name).notify.Subscribe(fn)
}

// Posts returns views of a stream in order.
func (x *Index) Posts(name string) []models.PostView {
	s, ok := x.streams[name]
	if !ok {
		return nil
	}
	out := make([]models.PostView, len(s.posts))
	for i, p := range s.posts {
		out[i] = p.View()
	}
	return out
}

// Post returns the post with id, if any stream holds it.
func (x *Index) Post(id string) (models.PostView, bool) {
	p := x.posts.Get(id)
	if p == nil {
		return models.PostView{}, false
	}
	return p.View(), true
}

// Unread returns the unread count of a stream.
func (x *Index) Unread(name string) int {
	if s, ok := x.streams[name]; ok {
		return s.unread
	}
	return 0
}

// TotalUnread is the number of distinct unread posts across all streams.
func (x *Index) TotalUnread() int { return x.unread }

// Apply folds verified records into a stream and notifies its listeners.
func (x *Index) Apply(name string, recs []*models.DeletableEvent) []Change {
	s := x.stream(name)
	var changes []Change
	for _, rec := range recs {
		if c, ok := x.applyOne(s, rec); ok {
			changes = append(changes, c)
		}
	}
	x.emit(s, NotifyBatch, changes)
	return changes
}

// NotifyEOSE tells listeners of a stream that stored events are all in.
func (x *Index) NotifyEOSE(name string) {
	x.emit(x.stream(name), NotifyEOSE, nil)
}

func (x *Index) applyOne(s *stream, rec *models.DeletableEvent) (Change, bool) {
	evt := rec.Event
	if evt == nil || evt.Kind == constants.KindDeletion {
		return Change{}, false
	}
	id, ok := protocol.PostID(evt)
	if !ok {
		return Change{}, false
	}

	matches := s.filters == nil || protocol.MatchAny(s.filters, evt)
	post := x.posts.Get(id)
	if !matches {
		// Only refresh a post the stream already shows, e.g. after its deletion.
		if post == nil {
			return Change{}, false
		}
		if i := s.find(post); i >= 0 {
			x.link(post, rec)
			return Change{Type: Update, Index: i, Post: post.View()}, true
		}
		return Change{}, false
	}

	if post == nil {
		origin := rec
		if evt.Kind == constants.KindReaction {
			origin = x.events.GetOrCreate(id)
		}
		post, _ = x.posts.GetOrCreate(id, origin)
		post.At = sortKey(origin, evt)
	}
	x.link(post, rec)

	typ, i := x.upsert(s, post)
	if typ == Insert && !post.Read {
		s.unread++
	}
	return Change{Type: typ, Index: i, Post: post.View()}, true
}

// link attaches rec to its post in the role its kind implies.
func (x *Index) link(post *models.Post, rec *models.DeletableEvent) {
	evt := rec.Event
	switch evt.Kind {
	case constants.KindReaction:
		if x.self != "" && evt.PubKey == x.self {
			post.Reaction = rec
		}
		if post.Origin == nil {
			post.Origin = x.events.GetOrCreate(post.ID)
		}
	case constants.KindRepost:
		post.Origin = rec
		if target := repostTarget(evt); target != "" {
			post.RepostOf = x.events.GetOrCreate(target)
		}
	default:
		// A record evicted and recreated replaces the stale pointer.
		post.Origin = rec
	}
}

func sortKey(origin *models.DeletableEvent, evt *nostr.Event) nostr.Timestamp {
	if origin != nil && origin.Event != nil {
		return origin.Event.CreatedAt
	}
	return evt.CreatedAt
}

// repostTarget prefers the embedded event id and falls back to the first
// e tag.
func repostTarget(evt *nostr.Event) string {
	if evt.Content != "" {
		var inner struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal([]byte(evt.Content), &inner); err == nil && len(inner.ID) == 64 {
			return inner.ID
		}
	}
	if ids := protocol.TagValues(evt, "e"); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// upsert places post in s by binary search on its timestamp. Equal
// timestamps keep arrival order. A post already present is reported as
// an update and not duplicated.
func (x *Index) upsert(s *stream, post *models.Post) (ChangeType, int) {
	key := post.CreatedAt()
	lo := sort.Search(len(s.posts), func(i int) bool { return s.posts[i].CreatedAt() >= key })
	hi := sort.Search(len(s.posts), func(i int) bool { return s.posts[i].CreatedAt() > key })
	for i := lo; i < hi; i++ {
		if s.posts[i].ID == post.ID {
			return Update, i
		}
	}

	s.posts = append(s.posts, nil)
	copy(s.posts[hi+1:], s.posts[hi:])
	s.posts[hi] = post
	if x.posts.Ref(post.ID) == 1 && !post.Read {
		x.unread++
		metrics.UnreadPosts.Set(float64(x.unread))
	}
	return Insert, hi
}

// find returns the position of post in s, or -1.
func (s *stream) find(post *models.Post) int {
	key := post.CreatedAt()
	lo := sort.Search(len(s.posts), func(i int) bool { return s.posts[i].CreatedAt() >= key })
	for i := lo; i < len(s.posts) && s.posts[i].CreatedAt() == key; i++ {
		if s.posts[i] == post {
			return i
		}
	}
	return -1
}

func (s *stream) recount() {
	n := 0
	for _, p := range s.posts {
		if !p.Read {
			n++
		}
	}
	s.unread = n
}

func (x *Index) emit(s *stream, kind NotificationKind, changes []Change) {
	s.notify.Emit(Notification{
		Stream:      s.name,
		Kind:        kind,
		Changes:     changes,
		Unread:      s.unread,
		TotalUnread: x.unread,
	})
}

// RemoveStream drops a stream, its listeners, and every post no other
// stream holds.
func (x *Index) RemoveStream(name string) {
	s, ok := x.streams[name]
	if !ok {
		return
	}
	delete(x.streams, name)
	for _, p := range s.posts {
		if x.posts.Unref(p.ID) == 0 && !p.Read {
			x.unread--
		}
	}
	metrics.UnreadPosts.Set(float64(x.unread))
	s.notify.Clear()
	x.log.Debug("stream removed", zap.String("stream", name), zap.Int("posts", len(s.posts)))
}
