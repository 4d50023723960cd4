package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignal(t *testing.T) {
	t.Run("delivers in subscription order", func(t *testing.T) {
		var s Signal[int]
		var got []string
		s.Subscribe(func(v int) { got = append(got, "a") })
		s.Subscribe(func(v int) { got = append(got, "b") })
		s.Emit(1)
		assert.Equal(t, []string{"a", "b"}, got)
	})

	t.Run("unsubscribe is idempotent", func(t *testing.T) {
		var s Signal[int]
		calls := 0
		cancel := s.Subscribe(func(int) { calls++ })
		cancel()
		cancel()
		s.Emit(1)
		assert.Zero(t, calls)
		assert.Zero(t, s.Len())
	})

	t.Run("listener may unsubscribe itself while emitting", func(t *testing.T) {
		var s Signal[int]
		calls := 0
		var cancel func()
		cancel = s.Subscribe(func(int) {
			calls++
			cancel()
		})
		second := 0
		s.Subscribe(func(int) { second++ })
		s.Emit(1)
		s.Emit(2)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 2, second)
	})
}
