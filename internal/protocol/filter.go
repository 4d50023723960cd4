package protocol

import (
	"slices"

	nostr "github.com/nbd-wtf/go-nostr"
)

// FilterEqual compares two filters field by field. Array fields compare in
// order, so {authors:[x,y]} and {authors:[y,x]} differ.
func FilterEqual(a, b nostr.Filter) bool {
	if !slices.Equal(a.IDs, b.IDs) ||
		!slices.Equal(a.Kinds, b.Kinds) ||
		!slices.Equal(a.Authors, b.Authors) {
		return false
	}
	if !timestampEqual(a.Since, b.Since) || !timestampEqual(a.Until, b.Until) {
		return false
	}
	if a.Limit != b.Limit || a.LimitZero != b.LimitZero || a.Search != b.Search {
		return false
	}
	if len(a.Tags) != len(b.Tags) {
		return false
	}
	for k, av := range a.Tags {
		bv, ok := b.Tags[k]
		if !ok || !slices.Equal(av, bv) {
			return false
		}
	}
	return true
}

// FiltersEqual compares filter lists in order.
func FiltersEqual(a, b nostr.Filters) bool {
	return slices.EqualFunc(a, b, FilterEqual)
}

// MatchAny reports whether evt matches at least one filter.
func MatchAny(filters nostr.Filters, evt *nostr.Event) bool {
	for _, f := range filters {
		if f.Matches(evt) {
			return true
		}
	}
	return false
}

func timestampEqual(a, b *nostr.Timestamp) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
