// Package store holds the process-wide event, post and profile tables.
//
// None of the tables lock around record mutation: records are only written
// from the verification pipeline's goroutine.
package store

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/willf/bloom"

	"github.com/murachue/nosteen-sub000/internal/constants"
	"github.com/murachue/nosteen-sub000/internal/models"
)

// Events is the event table keyed by event id, bounded by an LRU.
type Events struct {
	cache *lru.Cache[string, *models.DeletableEvent]
	// seen answers "definitely never recorded" without touching the LRU.
	seen *bloom.BloomFilter
}

// NewEvents returns a table holding at most size records.
func NewEvents(size int, bloomEstimate uint, bloomFP float64) *Events {
	if size <= 0 {
		size = constants.DefaultEventCacheSize
	}
	if bloomEstimate == 0 {
		bloomEstimate = constants.DefaultBloomEstimate
	}
	if bloomFP <= 0 {
		bloomFP = constants.DefaultBloomFPRate
	}
	cache, err := lru.New[string, *models.DeletableEvent](size)
	if err != nil {
		panic(err)
	}
	return &Events{cache: cache, seen: bloom.NewWithEstimates(bloomEstimate, bloomFP)}
}

// Get returns the record for id, or nil.
func (t *Events) Get(id string) *models.DeletableEvent {
	if !t.seen.TestString(id) {
		return nil
	}
	rec, _ := t.cache.Get(id)
	return rec
}

// Peek returns the record for id without touching recency.
func (t *Events) Peek(id string) *models.DeletableEvent {
	if !t.seen.TestString(id) {
		return nil
	}
	rec, _ := t.cache.Peek(id)
	return rec
}

// GetOrCreate returns the record for id, creating an empty one if needed.
func (t *Events) GetOrCreate(id string) *models.DeletableEvent {
	if rec := t.Get(id); rec != nil {
		return rec
	}
	rec := models.NewDeletableEvent(id)
	t.cache.Add(id, rec)
	t.seen.AddString(id)
	return rec
}

// Remove drops id from the table.
func (t *Events) Remove(id string) {
	t.cache.Remove(id)
}

// Len returns the number of records.
func (t *Events) Len() int {
	return t.cache.Len()
}
