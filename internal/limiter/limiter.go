// Package limiter tracks integrity rejections per relay and flags relays
// that keep sending bad events.
package limiter

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/murachue/nosteen-sub000/internal/logger"
	"github.com/murachue/nosteen-sub000/internal/metrics"
)

// Limit defines when a relay gets flagged.
type Limit struct {
	MaxRejections int           // rejections tolerated per window
	WindowSize    time.Duration // counting window
	FlagDuration  time.Duration // how long a flag lasts once raised
}

// DefaultLimit flags a relay sending more than 50 bad events a minute for ten minutes.
var DefaultLimit = Limit{
	MaxRejections: 50,
	WindowSize:    time.Minute,
	FlagDuration:  10 * time.Minute,
}

// Counter is the rejection state of one relay.
type Counter struct {
	window    *metrics.SlidingWindow
	total     int       // rejections since tracking began
	flagCount int       // times the relay was flagged
	flagUntil time.Time // zero when not flagged
	lastSeen  time.Time
}

// RejectionTracker counts rejected events per relay over a sliding window.
type RejectionTracker struct {
	limit  Limit
	counts map[string]*Counter
	mutex  sync.RWMutex
	clock  clock.Clock
	log    *zap.Logger
}

// NewRejectionTracker returns a tracker using limit; zero fields fall back to DefaultLimit.
func NewRejectionTracker(limit Limit, clk clock.Clock) *RejectionTracker {
	if limit.MaxRejections <= 0 {
		limit.MaxRejections = DefaultLimit.MaxRejections
	}
	if limit.WindowSize <= 0 {
		limit.WindowSize = DefaultLimit.WindowSize
	}
	if limit.FlagDuration <= 0 {
		limit.FlagDuration = DefaultLimit.FlagDuration
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RejectionTracker{
		limit:  limit,
		counts: make(map[string]*Counter),
		clock:  clk,
		log:    logger.New("limiter"),
	}
}

// Record counts one rejection from relay and reports whether the relay is
// flagged afterwards.
func (rt *RejectionTracker) Record(relay, reason string) bool {
	if relay == "" {
		return false
	}

	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	now := rt.clock.Now()
	counter, exists := rt.counts[relay]
	if !exists {
		counter = &Counter{
			window: metrics.NewSlidingWindowWithClock(rt.limit.WindowSize, rt.limit.MaxRejections+1, rt.clock.Now),
		}
		rt.counts[relay] = counter
	}
	counter.window.Add()
	counter.total++
	counter.lastSeen = now

	count := counter.window.Count()
	if count > rt.limit.MaxRejections && !now.Before(counter.flagUntil) {
		counter.flagCount++
		counter.flagUntil = now.Add(rt.limit.FlagDuration)
		rt.log.Warn("Relay flagged for rejected events",
			zap.String("relay", relay),
			zap.String("reason", reason),
			zap.Int("count", count),
			zap.Int("flag_count", counter.flagCount),
			zap.Duration("flag_duration", rt.limit.FlagDuration),
		)
	}
	return now.Before(counter.flagUntil)
}

// Flagged reports whether relay is currently flagged.
func (rt *RejectionTracker) Flagged(relay string) bool {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	counter, ok := rt.counts[relay]
	return ok && rt.clock.Now().Before(counter.flagUntil)
}

// Rejected returns the total rejections seen from relay.
func (rt *RejectionTracker) Rejected(relay string) int {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	if counter, ok := rt.counts[relay]; ok {
		return counter.total
	}
	return 0
}

// Reset forgets relay.
func (rt *RejectionTracker) Reset(relay string) {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()
	delete(rt.counts, relay)
}

// Cleanup removes counters idle for a day.
func (rt *RejectionTracker) Cleanup() {
	rt.mutex.Lock()
	defer rt.mutex.Unlock()

	now := rt.clock.Now()
	for relay, counter := range rt.counts {
		if now.Sub(counter.lastSeen) > 24*time.Hour && !now.Before(counter.flagUntil) {
			delete(rt.counts, relay)
		}
	}
}

// String returns a string representation of the tracker state
func (rt *RejectionTracker) String() string {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()

	relays := make([]string, 0, len(rt.counts))
	for relay := range rt.counts {
		relays = append(relays, relay)
	}
	sort.Strings(relays)

	var b strings.Builder
	for _, relay := range relays {
		counter := rt.counts[relay]
		fmt.Fprintf(&b, "Relay: %s\n", relay)
		fmt.Fprintf(&b, "  Window Count: %d\n", counter.window.Count())
		fmt.Fprintf(&b, "  Total: %d\n", counter.total)
		fmt.Fprintf(&b, "  Flag Count: %d\n", counter.flagCount)
		fmt.Fprintf(&b, "  Flagged Until: %v\n", counter.flagUntil)
		b.WriteString("---\n")
	}
	return b.String()
}
