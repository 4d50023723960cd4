package postindex

import (
	"fmt"

	"github.com/murachue/nosteen-sub000/internal/metrics"
	"github.com/murachue/nosteen-sub000/internal/models"
)

// ErrUnknownStream is returned for read changes on a stream that does not exist.
var ErrUnknownStream = fmt.Errorf("unknown stream")

// Mode selects which posts SetHasRead touches.
type Mode int

const (
	// ByID touches one post wherever it appears.
	ByID Mode = iota
	// Before touches positions [0, Index) of a stream.
	Before
	// After touches positions (Index, end] of a stream.
	After
)

// ReadChange addresses posts for SetHasRead.
type ReadChange struct {
	Mode   Mode
	ID     string
	Stream string
	Index  int
	Read   bool
}

// SetHasRead flips the read flag of the addressed posts and notifies the
// affected streams. It returns the number of posts whose flag changed.
func (x *Index) SetHasRead(rc ReadChange) (int, error) {
	if rc.Mode == ByID {
		return x.setOne(rc.ID, rc.Read), nil
	}

	s, ok := x.streams[rc.Stream]
	if !ok {
		return 0, ErrUnknownStream
	}
	var span []*models.Post
	switch rc.Mode {
	case Before:
		span = s.posts[:clamp(rc.Index, 0, len(s.posts))]
	case After:
		span = s.posts[clamp(rc.Index+1, 0, len(s.posts)):]
	default:
		return 0, fmt.Errorf("unknown read mode %d", rc.Mode)
	}

	var changes []Change
	base := 0
	if rc.Mode == After {
		base = clamp(rc.Index+1, 0, len(s.posts))
	}
	for i, p := range span {
		if p.Read == rc.Read {
			continue
		}
		x.flip(p, rc.Read)
		changes = append(changes, Change{Type: Update, Index: base + i, Post: p.View()})
	}
	s.recount()
	metrics.UnreadPosts.Set(float64(x.unread))

	x.emit(s, NotifyReadState, changes)
	// Other streams may share the posts; recount them and tell them the
	// count moved even though none of their positions changed.
	for _, name := range x.Streams() {
		if name == s.name {
			continue
		}
		other := x.streams[name]
		other.recount()
		x.emit(other, NotifyReadState, nil)
	}
	return len(changes), nil
}

func (x *Index) setOne(id string, read bool) int {
	p := x.posts.Get(id)
	if p == nil || p.Read == read {
		return 0
	}
	x.flip(p, read)
	metrics.UnreadPosts.Set(float64(x.unread))
	for _, name := range x.Streams() {
		s := x.streams[name]
		i := s.find(p)
		if i < 0 {
			continue
		}
		if read {
			s.unread--
		} else {
			s.unread++
		}
		x.emit(s, NotifyReadState, []Change{{Type: Update, Index: i, Post: p.View()}})
	}
	return 1
}

func (x *Index) flip(p *models.Post, read bool) {
	p.Read = read
	if read {
		x.unread--
	} else {
		x.unread++
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
