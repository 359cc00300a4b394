package coreclock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMonotonicNowAdvances(t *testing.T) {
	var m Monotonic
	a := m.Now()
	for i := 0; i < 1000; i++ {
		// busy loop to let the monotonic clock tick forward
	}
	b := m.Now()
	require.GreaterOrEqual(t, uint64(b), uint64(a))
}

func TestFakeSourceAdvance(t *testing.T) {
	f := NewFakeSource()
	require.Equal(t, Ticks(0), f.Now())
	f.Advance(500)
	require.Equal(t, Ticks(500), f.Now())
}

func TestUsToTicks(t *testing.T) {
	require.Equal(t, Ticks(500000), UsToTicks(500))
}

func TestElapsedClampsNegative(t *testing.T) {
	require.Equal(t, Ticks(0), Elapsed(100, 50))
	require.Equal(t, Ticks(50), Elapsed(50, 100))
}
