package models

import nostr "github.com/nbd-wtf/go-nostr"

// Post is the display aggregate keyed by derived post id.
type Post struct {
	ID string
	// At is the sort key, fixed when the post enters its first stream.
	At       nostr.Timestamp
	Origin   *DeletableEvent
	RepostOf *DeletableEvent
	Reaction *DeletableEvent
	Read     bool
}

// CreatedAt is the sort key of the post. Posts without a key or an origin
// event sort first.
func (p *Post) CreatedAt() nostr.Timestamp {
	if p.At != 0 {
		return p.At
	}
	if p.Origin == nil || p.Origin.Event == nil {
		return 0
	}
	return p.Origin.Event.CreatedAt
}

// PostView is an immutable copy of a Post handed to listeners and callers.
type PostView struct {
	ID        string          `json:"id"`
	CreatedAt nostr.Timestamp `json:"created_at"`
	Event     *nostr.Event    `json:"event,omitempty"`
	Deleted   bool            `json:"deleted"`
	RepostOf  *nostr.Event    `json:"repost_of,omitempty"`
	Reaction  *nostr.Event    `json:"reaction,omitempty"`
	Read      bool            `json:"read"`
	// Relays lists where the origin event was seen, earliest first.
	Relays []string `json:"relays,omitempty"`
}

// View snapshots the post.
func (p *Post) View() PostView {
	v := PostView{ID: p.ID, CreatedAt: p.CreatedAt(), Read: p.Read}
	if p.Origin != nil {
		v.Event = p.Origin.Event
		v.Deleted = p.Origin.Deleted()
		v.Relays = p.Origin.RelayList()
	}
	if p.RepostOf != nil {
		v.RepostOf = p.RepostOf.Event
	}
	if p.Reaction != nil {
		v.Reaction = p.Reaction.Event
	}
	return v
}
