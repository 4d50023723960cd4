package metrics

import (
	"sync"
	"time"
)

// SlidingWindow represents a simple sliding window for rate calculations
type SlidingWindow struct {
	mu      sync.RWMutex
	events  []int64 // unix seconds of events
	window  time.Duration
	maxSize int
	now     func() time.Time
}

// NewSlidingWindow creates a new sliding window
func NewSlidingWindow(window time.Duration, maxSize int) *SlidingWindow {
	return NewSlidingWindowWithClock(window, maxSize, time.Now)
}

// NewSlidingWindowWithClock creates a sliding window reading time from now.
func NewSlidingWindowWithClock(window time.Duration, maxSize int, now func() time.Time) *SlidingWindow {
	return &SlidingWindow{
		events:  make([]int64, 0, maxSize),
		window:  window,
		maxSize: maxSize,
		now:     now,
	}
}

// Add records one event at the current time.
func (sw *SlidingWindow) Add() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.events = append(sw.events, sw.now().Unix())
	sw.trim()

	if len(sw.events) > sw.maxSize {
		sw.events = sw.events[len(sw.events)-sw.maxSize:]
	}
}

func (sw *SlidingWindow) trim() {
	cutoff := sw.now().Unix() - int64(sw.window.Seconds())
	i := 0
	for i < len(sw.events) && sw.events[i] < cutoff {
		i++
	}
	if i > 0 {
		sw.events = sw.events[i:]
	}
}

// Count returns the number of events inside the window.
func (sw *SlidingWindow) Count() int {
	sw.mu.RLock()
	defer sw.mu.RUnlock()

	cutoff := sw.now().Unix() - int64(sw.window.Seconds())
	count := 0
	for _, ts := range sw.events {
		if ts >= cutoff {
			count++
		}
	}
	return count
}

// Rate returns the current rate (events per second)
func (sw *SlidingWindow) Rate() float64 {
	count := sw.Count()
	if count == 0 {
		return 0
	}
	return float64(count) / sw.window.Seconds()
}
