package protocol

import (
	nostr "github.com/nbd-wtf/go-nostr"

	"github.com/murachue/nosteen-sub000/internal/constants"
)

// TagValues returns the first value of every tag named name, in tag order.
func TagValues(evt *nostr.Event, name string) []string {
	var out []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == name && tag[1] != "" {
			out = append(out, tag[1])
		}
	}
	return out
}

// LastTagValue returns the value of the last tag named name.
func LastTagValue(evt *nostr.Event, name string) (string, bool) {
	vals := TagValues(evt, name)
	if len(vals) == 0 {
		return "", false
	}
	return vals[len(vals)-1], true
}

// PostID derives the post an event belongs to. Reactions resolve to their
// target, deletions belong to no post.
func PostID(evt *nostr.Event) (string, bool) {
	switch evt.Kind {
	case constants.KindDeletion:
		return "", false
	case constants.KindReaction:
		return LastTagValue(evt, "e")
	default:
		return evt.ID, true
	}
}
