package limiter

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestRejectionTracker(t *testing.T) {
	mock := clock.NewMock()
	rt := NewRejectionTracker(Limit{MaxRejections: 2, WindowSize: time.Minute, FlagDuration: 5 * time.Minute}, mock)

	assert.False(t, rt.Record("wss://a", "bad_signature"))
	assert.False(t, rt.Record("wss://a", "bad_signature"))
	assert.True(t, rt.Record("wss://a", "bad_signature"), "third rejection in the window raises the flag")
	assert.True(t, rt.Flagged("wss://a"))
	assert.False(t, rt.Flagged("wss://b"))
	assert.Equal(t, 3, rt.Rejected("wss://a"))

	mock.Add(5*time.Minute + time.Second)
	assert.False(t, rt.Flagged("wss://a"), "flag expires")
	assert.False(t, rt.Record("wss://a", "bad_signature"), "a new window starts from zero")

	assert.False(t, rt.Record("", "bad_signature"))
	assert.Contains(t, rt.String(), "wss://a")

	rt.Reset("wss://a")
	assert.Equal(t, 0, rt.Rejected("wss://a"))
}
