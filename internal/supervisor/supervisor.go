// Package supervisor runs a fixed-size pool of workers pulling indices
// from a chunkqueue.Queue, generalizing the shape of surge's
// ConcurrentDownloader worker pool
// (_examples/teal33t-Surge/internal/downloader/concurrent.go) into a
// direction-agnostic executor usable by both the download and upload
// executors.
//
// Unlike the teacher, this pool never rebalances or steals work: the
// chunk set is fixed up front and every index accounted for is either
// queued, in flight, or completed (spec §8.1's exact-accounting
// invariant rules out the teacher's SplitLargestIfNeeded/StealWork
// dynamic load balancer and its health-monitor worker-killer).
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kuintessence/agentd/internal/chunkqueue"
	"github.com/kuintessence/agentd/internal/pause"
)

// pollInterval bounds how long a worker can go between checking ctx
// cancellation and the done condition while the queue is momentarily
// empty. TryPop (not the blocking Pop) is used here so a paused or
// cancelled worker never sits parked inside the queue's condition
// variable.
const pollInterval = 20 * time.Millisecond

// WorkFunc processes a single chunk index. An error causes the index to
// be reverted onto the queue for another worker to retry (spec §4.3,
// §4.4).
type WorkFunc func(ctx context.Context, idx uint64) error

// Options configures a Run call.
type Options struct {
	Workers int
	Queue   *chunkqueue.Queue
	Pause   *pause.Token

	// WorkerCancel is the replaceable worker-cancellation token (spec
	// §3, §4.3). When set, each Work call is driven by
	// WorkerCancel.Context() fetched fresh right before the call rather
	// than by ctx directly, so a pause-triggered CancelAndReplace aborts
	// whatever Work call is currently in flight without tearing down
	// this whole Run invocation.
	WorkerCancel *pause.WorkerToken

	Work WorkFunc
}

// Run spawns Options.Workers goroutines pulling from Queue until every
// index queued at call time is accounted for (queued, in flight, or
// completed — never lost) or ctx is cancelled. It blocks until every
// worker exits, then returns the first non-nil error observed, or nil
// on a clean drain or a cancellation.
//
// Run does not close Queue: a download or upload executor calls Run
// again on the same queue after a pause/resume cycle, and indices
// reverted by an earlier round must still be there to retry. Completion
// is tracked per invocation via a private done signal instead.
func Run(ctx context.Context, opts Options) error {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	var active int32
	done := make(chan struct{})
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()

	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				if opts.Queue.Len() == 0 && atomic.LoadInt32(&active) == 0 {
					close(done)
					return
				}
			}
		}
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, opts.Workers)

	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runWorker(ctx, opts, &active, done); err != nil {
				errCh <- err
			}
		}()
	}

	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if first == nil {
			first = err
		}
	}
	return first
}

func runWorker(ctx context.Context, opts Options, active *int32, done <-chan struct{}) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if opts.Pause != nil {
			if err := opts.Pause.Wait(ctx); err != nil {
				return nil
			}
		}

		idx, ok := opts.Queue.TryPop()
		if !ok {
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return nil
			case <-time.After(pollInterval):
				continue
			}
		}

		workCtx := ctx
		if opts.WorkerCancel != nil {
			workCtx = opts.WorkerCancel.Context()
		}

		atomic.AddInt32(active, 1)
		err := opts.Work(workCtx, idx)
		atomic.AddInt32(active, -1)

		if err != nil {
			// Revert so the accounting invariant holds: the index is
			// neither lost nor silently dropped, whether the error came
			// from the work itself or from a cancellation that aborted
			// it mid-flight.
			opts.Queue.Push(idx)
			if ctx.Err() != nil {
				return nil
			}
			if workCtx.Err() != nil {
				// Aborted by a pause's CancelAndReplace, not a real
				// failure: the index was reverted above, and Pause.Wait
				// on the next loop iteration blocks this worker until
				// Resume. Keep the worker alive rather than surfacing an
				// error that would tear down the whole Run invocation.
				continue
			}
			return err
		}
	}
}
