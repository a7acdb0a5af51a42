package rampcal

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForEachIntegration(t *testing.T) {
	for _, workers := range []int{0, 1, 3} {
		seen := make([]int32, 7)
		err := forEachIntegration(WithWorkers(context.Background(), workers), len(seen), func(_ context.Context, i int) error {
			atomic.AddInt32(&seen[i], 1)
			return nil
		})
		require.NoError(t, err)
		for i, n := range seen {
			assert.Equal(t, int32(1), n, "workers %d integration %d", workers, i)
		}
	}
}

func TestForEachIntegrationError(t *testing.T) {
	boom := errors.New("boom")
	err := forEachIntegration(context.Background(), 5, func(_ context.Context, i int) error {
		if i == 3 {
			return boom
		}
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "integration 3")
}

func TestForEachIntegrationCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := forEachIntegration(WithWorkers(ctx, 1), 4, func(_ context.Context, _ int) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestWorkersFrom(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, runtime.GOMAXPROCS(0), workersFrom(ctx))
	assert.Equal(t, 3, workersFrom(WithWorkers(ctx, 3)))
	assert.Equal(t, runtime.GOMAXPROCS(0), workersFrom(WithWorkers(ctx, 0)))

	// Concurrent runs under different limits do not interfere.
	a, b := WithWorkers(ctx, 1), WithWorkers(ctx, 4)
	assert.Equal(t, 1, workersFrom(a))
	assert.Equal(t, 4, workersFrom(b))
}
