package connection

import (
	"strconv"
	"sync"
)

// idAllocator hands out short request ids in base 36. Released ids are kept
// for reuse, but only when they parse back to a value the counter already
// produced; anything else is foreign and dropped.
type idAllocator struct {
	mu      sync.Mutex
	counter uint64
	free    []string
}

func (a *idAllocator) alloc() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return id
	}
	id := strconv.FormatUint(a.counter, 36)
	a.counter++
	return id
}

func (a *idAllocator) release(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, err := strconv.ParseUint(id, 36, 64)
	if err != nil || v >= a.counter || strconv.FormatUint(v, 36) != id {
		return
	}
	for _, f := range a.free {
		if f == id {
			return
		}
	}
	a.free = append(a.free, id)
}
