package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuintessence/agentd/internal/chunkqueue"
	"github.com/kuintessence/agentd/internal/pause"
)

func TestRunProcessesEveryIndexExactlyOnce(t *testing.T) {
	const n = 200
	q := chunkqueue.FromRange(n)

	var mu sync.Mutex
	seen := make(map[uint64]int)

	err := Run(context.Background(), Options{
		Workers: 8,
		Queue:   q,
		Work: func(ctx context.Context, idx uint64) error {
			mu.Lock()
			seen[idx]++
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	assert.Len(t, seen, n)
	for idx, count := range seen {
		assert.Equal(t, 1, count, "index %d processed %d times", idx, count)
	}
}

func TestRunRevertsFailedIndexForRetry(t *testing.T) {
	q := chunkqueue.FromRange(5)

	var attempts int32
	err := Run(context.Background(), Options{
		Workers: 1,
		Queue:   q,
		Work: func(ctx context.Context, idx uint64) error {
			if idx == 2 && atomic.AddInt32(&attempts, 1) == 1 {
				return errors.New("transient failure")
			}
			return nil
		},
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(1))
}

func TestRunStopsOnPermanentWorkerError(t *testing.T) {
	q := chunkqueue.FromRange(100)
	sentinel := errors.New("fatal")

	err := Run(context.Background(), Options{
		Workers: 1,
		Queue:   q,
		Work: func(ctx context.Context, idx uint64) error {
			if idx == 0 {
				return sentinel
			}
			return nil
		},
	})
	require.Error(t, err)
}

func TestRunHonorsPauseToken(t *testing.T) {
	q := chunkqueue.FromRange(10)
	tok := pause.New()
	tok.Pause()

	var processed int32
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), Options{
			Workers: 2,
			Queue:   q,
			Pause:   tok,
			Work: func(ctx context.Context, idx uint64) error {
				atomic.AddInt32(&processed, 1)
				return nil
			},
		})
	}()

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&processed))

	tok.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not complete after resume")
	}
	assert.EqualValues(t, 10, atomic.LoadInt32(&processed))
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	q := chunkqueue.FromRange(1000)
	ctx, cancel := context.WithCancel(context.Background())

	var processed int32
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{
			Workers: 4,
			Queue:   q,
			Work: func(ctx context.Context, idx uint64) error {
				atomic.AddInt32(&processed, 1)
				time.Sleep(time.Millisecond)
				return nil
			},
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	assert.Less(t, int(atomic.LoadInt32(&processed)), 1000)
}
