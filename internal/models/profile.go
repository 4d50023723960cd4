package models

import (
	"time"

	"github.com/murachue/nosteen-sub000/internal/constants"
)

// ProfileEntry is one replaceable metadata class of a profile bundle.
// Record is nil when a fetch found nothing.
type ProfileEntry struct {
	Record    *DeletableEvent
	FetchedAt time.Time
}

// ProfileBundle caches the newest replaceable metadata of one pubkey.
type ProfileBundle struct {
	PubKey    string
	Profile   *ProfileEntry
	Contacts  *ProfileEntry
	RelayList *ProfileEntry
}

// Stale reports whether entry is missing or older than maxAge at now.
func (e *ProfileEntry) Stale(now time.Time, maxAge time.Duration) bool {
	return e == nil || now.Sub(e.FetchedAt) > maxAge
}

// Entry returns the slot for a replaceable metadata kind.
func (b *ProfileBundle) Entry(kind int) *ProfileEntry {
	switch kind {
	case constants.KindProfile:
		return b.Profile
	case constants.KindContacts:
		return b.Contacts
	case constants.KindRelayList:
		return b.RelayList
	}
	return nil
}

// Clone copies the bundle so it can leave the pipeline goroutine.
func (b *ProfileBundle) Clone() *ProfileBundle {
	c := &ProfileBundle{PubKey: b.PubKey}
	c.Profile = cloneEntry(b.Profile)
	c.Contacts = cloneEntry(b.Contacts)
	c.RelayList = cloneEntry(b.RelayList)
	return c
}

func cloneEntry(e *ProfileEntry) *ProfileEntry {
	if e == nil {
		return nil
	}
	c := &ProfileEntry{FetchedAt: e.FetchedAt}
	if e.Record != nil {
		snap := e.Record.Snapshot()
		c.Record = &snap
	}
	return c
}
