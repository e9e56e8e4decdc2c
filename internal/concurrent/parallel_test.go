package concurrent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapWithLimitKeepsOrder(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	results := MapWithLimit(context.Background(), items, 2, func(_ context.Context, v int) (int, error) {
		time.Sleep(time.Duration(5-v) * time.Millisecond)
		return v * 10, nil
	})

	require.Len(t, results, 5)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, items[i]*10, r.Value)
		assert.NoError(t, r.Err)
	}
}

func TestMapWithLimitBoundsConcurrency(t *testing.T) {
	var running, peak int32

	items := make([]int, 20)
	MapWithLimit(context.Background(), items, 3, func(_ context.Context, _ int) (struct{}, error) {
		cur := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return struct{}{}, nil
	})

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestMapWithLimitIsolatesFailures(t *testing.T) {
	boom := errors.New("boom")

	results := MapWithLimit(context.Background(), []int{1, 2, 3}, 0, func(_ context.Context, v int) (int, error) {
		switch v {
		case 2:
			return 0, boom
		case 3:
			panic("unexpected")
		}
		return v, nil
	})

	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, boom)
	assert.ErrorContains(t, results[2].Err, "panicked")
	assert.Equal(t, 2, CountErrors(results))
}

func TestMapWithLimitCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int32
	results := MapWithLimit(ctx, []int{1, 2, 3, 4}, 1, func(_ context.Context, v int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return v, nil
	})

	require.Len(t, results, 4)
	assert.Equal(t, 4, CountErrors(results))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	assert.ErrorIs(t, results[0].Err, context.Canceled)
}

func TestMapWithLimitEmpty(t *testing.T) {
	results := MapWithLimit(context.Background(), []int(nil), 4, func(_ context.Context, v int) (int, error) {
		return v, nil
	})
	assert.Empty(t, results)
	assert.Zero(t, CountErrors(results))
}
