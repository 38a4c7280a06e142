package chunkqueue

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromRangeProducesSequentialIndices(t *testing.T) {
	q := FromRange(3)
	assert.Equal(t, 3, q.Len())

	var got []uint64
	for {
		idx, ok := q.TryPop()
		if !ok {
			break
		}
		got = append(got, idx)
	}
	assert.Equal(t, []uint64{0, 1, 2}, got)
}

func TestFromSetPreservesExactIndices(t *testing.T) {
	q := FromSet([]uint64{7, 2, 9})
	var got []uint64
	for {
		idx, ok := q.TryPop()
		if !ok {
			break
		}
		got = append(got, idx)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	assert.Equal(t, []uint64{2, 7, 9}, got)
}

func TestPushRevertsIndex(t *testing.T) {
	q := FromRange(1)
	idx, ok := q.TryPop()
	assert.True(t, ok)
	assert.Equal(t, 0, q.Len())

	q.Push(idx)
	assert.Equal(t, 1, q.Len())
}

func TestPopBlocksUntilClosedOrPushed(t *testing.T) {
	q := New()
	done := make(chan struct{})
	go func() {
		_, ok := q.Pop()
		assert.False(t, ok)
		close(done)
	}()
	q.Close()
	<-done
}

func TestPopReturnsPushedValue(t *testing.T) {
	q := New()
	type result struct {
		idx uint64
		ok  bool
	}
	ch := make(chan result, 1)
	go func() {
		idx, ok := q.Pop()
		ch <- result{idx, ok}
	}()
	q.Push(42)
	r := <-ch
	assert.True(t, r.ok)
	assert.Equal(t, uint64(42), r.idx)
}

func TestAccountingInvariant(t *testing.T) {
	// Every index that fails once gets reverted exactly once, then
	// accounted for on its second pop: popped-and-outstanding + queued +
	// completed must equal n at every observation point (spec §8.1).
	const n = 50
	q := FromRange(n)
	failedOnce := make(map[uint64]bool)
	var completed int
	for completed < n {
		idx, ok := q.TryPop()
		if !ok {
			t.Fatalf("queue drained early: completed=%d", completed)
		}
		if !failedOnce[idx] {
			failedOnce[idx] = true
			q.Push(idx)
			continue
		}
		completed++
	}
	assert.Equal(t, n, completed)
	_, ok := q.TryPop()
	assert.False(t, ok)
}
