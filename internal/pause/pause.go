// Package pause implements the cooperative pause primitive shared by the
// download and upload supervisors.
package pause

import (
	"context"
	"sync"
)

// Token is a shared pause flag with an associated wakeup register. Pause
// sets the flag; Resume clears it and wakes every goroutine parked in
// Wait. Waiting is zero cost while unpaused: a goroutine that calls Wait
// on an un-paused token gets ctx.Err() back at once, without blocking.
type Token struct {
	mu     sync.Mutex
	paused bool
	waitCh chan struct{}
}

// New returns a Token in the resumed state.
func New() *Token {
	return &Token{waitCh: make(chan struct{})}
}

// Pause sets the flag. A goroutine that calls Wait from then on blocks
// until Resume or until its ctx is done.
func (t *Token) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

// Resume clears the flag and releases every goroutine currently parked
// in Wait.
func (t *Token) Resume() {
	t.mu.Lock()
	if t.paused {
		t.paused = false
		close(t.waitCh)
		t.waitCh = make(chan struct{})
	}
	t.mu.Unlock()
}

// Paused reports whether the token is currently set.
func (t *Token) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Wait blocks until the token is resumed or ctx is done. It is the
// building block gating new worker/permit acquisition: supervisors call
// Wait before popping a chunk index or acquiring a semaphore permit, so a
// paused task starts no new network byte transfer.
//
// The flag is checked once before parking and once again after
// registering the waker (the double-check the token's contract calls
// for), so a concurrent Resume can never leave a caller parked forever.
func (t *Token) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		if !t.paused {
			t.mu.Unlock()
			return ctx.Err()
		}
		ch := t.waitCh
		t.mu.Unlock()

		select {
		case <-ch:
			// Re-check: Resume may race with a subsequent Pause.
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WorkerToken is the replaceable worker-cancellation token (spec §3,
// §4.3: "cancel the worker-cancellation token and replace it with a
// fresh one so currently-running workers wind down and revert their
// indices"). Unlike Token, which only gates the *next* permit
// acquisition, WorkerToken's context is threaded into an in-flight
// WorkFunc call, so cancelling it aborts network activity already under
// way. It is distinct from the supervisor-cancellation token
// (context.CancelFunc held by the download/upload executor), which is
// one-shot and drops the whole supervisor; WorkerToken is replaced, not
// consumed, so the supervisor keeps running across a pause/resume
// cycle.
type WorkerToken struct {
	mu     sync.Mutex
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerToken derives the first live context from parent. Cancelling
// parent (the supervisor-cancellation token) cancels every context this
// token will ever hand out, current or replaced.
func NewWorkerToken(parent context.Context) *WorkerToken {
	t := &WorkerToken{parent: parent}
	t.ctx, t.cancel = context.WithCancel(parent)
	return t
}

// Context returns the currently live worker context. Call it fresh
// before each WorkFunc invocation rather than caching the result, since
// CancelAndReplace may swap it out between calls.
func (t *WorkerToken) Context() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx
}

// CancelAndReplace cancels the current context — aborting any WorkFunc
// call reading it right now — and installs a fresh child of parent so
// the next WorkFunc call runs uncancelled.
func (t *WorkerToken) CancelAndReplace() {
	t.mu.Lock()
	t.cancel()
	t.ctx, t.cancel = context.WithCancel(t.parent)
	t.mu.Unlock()
}
