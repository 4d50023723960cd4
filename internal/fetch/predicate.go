package fetch

import (
	"sort"

	nostr "github.com/nbd-wtf/go-nostr"

	"github.com/murachue/nosteen-sub000/internal/constants"
)

// Kind names a concrete predicate variant.
type Kind int

const (
	KindByID Kind = iota
	KindByProfile
	KindByContacts
	KindByFollowers
)

func (k Kind) String() string {
	switch k {
	case KindByID:
		return "by_id"
	case KindByProfile:
		return "by_profile"
	case KindByContacts:
		return "by_contacts"
	case KindByFollowers:
		return "by_followers"
	}
	return "unknown"
}

// Predicate is what a fetch asks for. The set of variants is closed: ByID,
// ByProfile, ByContacts and ByFollowers.
type Predicate interface {
	Kind() Kind
	// Filter is the wire filter for the predicate.
	Filter() nostr.Filter
	// Merge combines two predicates of the same kind. It reports false when
	// the kinds differ or the union would exceed the per-filter cap.
	Merge(other Predicate) (Predicate, bool)
	// Values are the ids or pubkeys the predicate names, sorted.
	Values() []string

	sealed()
}

// ByID asks for events by id.
type ByID struct{ IDs []string }

// ByProfile asks for the kind 0 metadata of authors.
type ByProfile struct{ Authors []string }

// ByContacts asks for the kind 3 contact lists of authors.
type ByContacts struct{ Authors []string }

// ByFollowers asks for kind 3 contact lists that mention targets.
type ByFollowers struct{ Targets []string }

func (ByID) Kind() Kind        { return KindByID }
func (ByProfile) Kind() Kind   { return KindByProfile }
func (ByContacts) Kind() Kind  { return KindByContacts }
func (ByFollowers) Kind() Kind { return KindByFollowers }

func (p ByID) Values() []string        { return union(p.IDs, nil) }
func (p ByProfile) Values() []string   { return union(p.Authors, nil) }
func (p ByContacts) Values() []string  { return union(p.Authors, nil) }
func (p ByFollowers) Values() []string { return union(p.Targets, nil) }

func (p ByID) Filter() nostr.Filter {
	return nostr.Filter{IDs: p.Values()}
}

func (p ByProfile) Filter() nostr.Filter {
	return nostr.Filter{Kinds: []int{constants.KindProfile}, Authors: p.Values()}
}

func (p ByContacts) Filter() nostr.Filter {
	return nostr.Filter{Kinds: []int{constants.KindContacts}, Authors: p.Values()}
}

func (p ByFollowers) Filter() nostr.Filter {
	return nostr.Filter{Kinds: []int{constants.KindContacts}, Tags: nostr.TagMap{"p": p.Values()}}
}

func (p ByID) Merge(other Predicate) (Predicate, bool) {
	o, ok := other.(ByID)
	if !ok {
		return nil, false
	}
	ids, ok := mergeValues(p.IDs, o.IDs)
	if !ok {
		return nil, false
	}
	return ByID{IDs: ids}, true
}

func (p ByProfile) Merge(other Predicate) (Predicate, bool) {
	o, ok := other.(ByProfile)
	if !ok {
		return nil, false
	}
	authors, ok := mergeValues(p.Authors, o.Authors)
	if !ok {
		return nil, false
	}
	return ByProfile{Authors: authors}, true
}

func (p ByContacts) Merge(other Predicate) (Predicate, bool) {
	o, ok := other.(ByContacts)
	if !ok {
		return nil, false
	}
	authors, ok := mergeValues(p.Authors, o.Authors)
	if !ok {
		return nil, false
	}
	return ByContacts{Authors: authors}, true
}

func (p ByFollowers) Merge(other Predicate) (Predicate, bool) {
	o, ok := other.(ByFollowers)
	if !ok {
		return nil, false
	}
	targets, ok := mergeValues(p.Targets, o.Targets)
	if !ok {
		return nil, false
	}
	return ByFollowers{Targets: targets}, true
}

func (ByID) sealed()        {}
func (ByProfile) sealed()   {}
func (ByContacts) sealed()  {}
func (ByFollowers) sealed() {}

// narrow returns p restricted to values, keeping its kind.
func narrow(p Predicate, values []string) Predicate {
	switch p.(type) {
	case ByID:
		return ByID{IDs: values}
	case ByProfile:
		return ByProfile{Authors: values}
	case ByContacts:
		return ByContacts{Authors: values}
	case ByFollowers:
		return ByFollowers{Targets: values}
	}
	return p
}

func mergeValues(a, b []string) ([]string, bool) {
	out := union(a, b)
	if len(out) > constants.MaxPredicateValues {
		return nil, false
	}
	return out, true
}

// union returns the sorted distinct values of a and b.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
