package store

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/murachue/nosteen-sub000/internal/constants"
	"github.com/murachue/nosteen-sub000/internal/models"
)

// Profiles caches the profile bundle of each pubkey.
type Profiles struct {
	cache *lru.Cache[string, *models.ProfileBundle]
}

// NewProfiles returns a cache holding at most size bundles.
func NewProfiles(size int) *Profiles {
	if size <= 0 {
		size = constants.DefaultProfileCacheSize
	}
	cache, err := lru.New[string, *models.ProfileBundle](size)
	if err != nil {
		panic(err)
	}
	return &Profiles{cache: cache}
}

// Get returns the bundle of pubkey, or nil.
func (p *Profiles) Get(pubkey string) *models.ProfileBundle {
	b, _ := p.cache.Get(pubkey)
	return b
}

// Apply stores rec in its author's bundle if it is newer than what is
// there. It reports whether the bundle changed; an equal or older event
// only refreshes the fetch time of the matching entry.
func (p *Profiles) Apply(rec *models.DeletableEvent, at time.Time) bool {
	evt := rec.Event
	if evt == nil || !constants.IsReplaceableMetadata(evt.Kind) {
		return false
	}
	b, ok := p.cache.Get(evt.PubKey)
	if !ok {
		b = &models.ProfileBundle{PubKey: evt.PubKey}
		p.cache.Add(evt.PubKey, b)
	}

	var slot **models.ProfileEntry
	switch evt.Kind {
	case constants.KindProfile:
		slot = &b.Profile
	case constants.KindContacts:
		slot = &b.Contacts
	default:
		slot = &b.RelayList
	}

	cur := *slot
	if cur != nil && cur.Record != nil && cur.Record.Event != nil && cur.Record.Event.CreatedAt >= evt.CreatedAt {
		cur.FetchedAt = at
		return false
	}
	*slot = &models.ProfileEntry{Record: rec, FetchedAt: at}
	return true
}

// Touch marks the entry of kind for pubkey as fetched at, creating an empty
// bundle if needed. A fetch that found nothing still counts as fresh.
func (p *Profiles) Touch(pubkey string, kind int, at time.Time) {
	b, ok := p.cache.Get(pubkey)
	if !ok {
		b = &models.ProfileBundle{PubKey: pubkey}
		p.cache.Add(pubkey, b)
	}
	switch kind {
	case constants.KindProfile:
		touchEntry(&b.Profile, at)
	case constants.KindContacts:
		touchEntry(&b.Contacts, at)
	case constants.KindRelayList:
		touchEntry(&b.RelayList, at)
	}
}

func touchEntry(slot **models.ProfileEntry, at time.Time) {
	if *slot == nil {
		*slot = &models.ProfileEntry{FetchedAt: at}
		return
	}
	(*slot).FetchedAt = at
}

// Len returns the number of bundles.
func (p *Profiles) Len() int {
	return p.cache.Len()
}
