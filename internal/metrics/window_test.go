package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindow(t *testing.T) {
	now := time.Unix(1_000, 0)
	sw := NewSlidingWindowWithClock(10*time.Second, 3, func() time.Time { return now })

	sw.Add()
	sw.Add()
	assert.Equal(t, 2, sw.Count())
	assert.InDelta(t, 0.2, sw.Rate(), 1e-9)

	now = now.Add(11 * time.Second)
	assert.Zero(t, sw.Count())

	for i := 0; i < 5; i++ {
		sw.Add()
	}
	assert.Equal(t, 3, sw.Count(), "window keeps at most maxSize entries")
}
