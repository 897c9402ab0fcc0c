package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPacer_FirstCallImmediate(t *testing.T) {
	p := NewPacer(time.Second)

	start := time.Now()
	require.NoError(t, p.Wait(context.Background()))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestPacer_SpacesCalls(t *testing.T) {
	interval := 50 * time.Millisecond
	p := NewPacer(interval)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Wait(context.Background()))
	}
	// Three calls: first immediate, then two full intervals.
	require.GreaterOrEqual(t, time.Since(start), 2*interval)
}

func TestPacer_ZeroIntervalDisabled(t *testing.T) {
	p := NewPacer(0)

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Wait(context.Background()))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestPacer_CancelledContext(t *testing.T) {
	p := NewPacer(time.Hour)
	require.NoError(t, p.Wait(context.Background())) // consume the free slot

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPacer_CancelDuringWait(t *testing.T) {
	p := NewPacer(time.Hour)
	require.NoError(t, p.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second, "cancellation must not wait out the interval")
}
