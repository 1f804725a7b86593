// Package executor runs background work units keyed by task id, with a
// concurrency cap and cooperative cancellation.
package executor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"deepscout/internal/async"
	"deepscout/internal/errors"
	"deepscout/internal/logging"
)

// Options configure the executor's capacity behavior.
type Options struct {
	MaxConcurrent int  // Slots running at once; min 1
	QueueDepth    int  // Submissions allowed to wait for a slot
	Reject        bool // Refuse instead of queueing when slots are busy
}

type unit struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Executor tracks at most one live work unit per task id. Units past the
// concurrency cap wait on a FIFO semaphore up to the configured queue depth.
type Executor struct {
	logger logging.Logger
	sem    *semaphore.Weighted
	opts   Options

	mu    sync.Mutex
	units map[string]*unit
}

// New creates an executor with the given capacity options.
func New(opts Options, logger logging.Logger) *Executor {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	return &Executor{
		logger: logging.OrNop(logger),
		sem:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		opts:   opts,
		units:  make(map[string]*unit),
	}
}

// Submit registers fn as the work unit for taskID. A unit already registered
// under the same id is cancelled and fully drained before fn starts, so at
// most one unit per task is ever live. New submissions past the cap either
// queue (up to QueueDepth) or fail with CapacityExceeded under the reject
// policy.
func (e *Executor) Submit(taskID string, fn func(ctx context.Context)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prev := e.units[taskID]; prev != nil {
		prev.cancel()
		e.startUnit(taskID, fn, prev.done)
		return nil
	}

	limit := e.opts.MaxConcurrent
	if !e.opts.Reject {
		limit += e.opts.QueueDepth
	}
	if len(e.units) >= limit {
		return errors.New(errors.KindCapacityExceeded,
			"all %d research slots are busy", e.opts.MaxConcurrent).
			WithHint("wait for a running task to finish or cancel one")
	}

	e.startUnit(taskID, fn, nil)
	return nil
}

// startUnit registers and launches a unit. Caller holds e.mu. waitFor, when
// non-nil, is drained before the unit claims a slot (replacement ordering).
func (e *Executor) startUnit(taskID string, fn func(ctx context.Context), waitFor chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	u := &unit{cancel: cancel, done: make(chan struct{})}
	e.units[taskID] = u

	async.Go(e.logger, "executor-unit-"+taskID, func() {
		defer func() {
			e.mu.Lock()
			if e.units[taskID] == u {
				delete(e.units, taskID)
			}
			e.mu.Unlock()
			close(u.done)
		}()

		if waitFor != nil {
			<-waitFor
		}

		// Cancelled while queued: exit without running.
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer e.sem.Release(1)

		fn(ctx)
	})
}

// Cancel requests cooperative cancellation of the unit for taskID and
// reports whether such a unit existed.
func (e *Executor) Cancel(taskID string) bool {
	e.mu.Lock()
	u := e.units[taskID]
	e.mu.Unlock()
	if u == nil {
		return false
	}
	u.cancel()
	return true
}

// Wait blocks until the unit for taskID exits or the timeout elapses.
// It returns immediately when no unit is registered.
func (e *Executor) Wait(taskID string, timeout time.Duration) bool {
	e.mu.Lock()
	u := e.units[taskID]
	e.mu.Unlock()
	if u == nil {
		return true
	}
	select {
	case <-u.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Running reports whether a unit is registered for taskID.
func (e *Executor) Running(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.units[taskID]
	return ok
}

// RunningIDs returns the task ids of all registered units, queued included.
// Order is unspecified.
func (e *Executor) RunningIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.units))
	for id := range e.units {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered units, queued included.
func (e *Executor) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.units)
}

// CancelAll cancels every unit and waits up to timeout for them to exit.
// It reports whether all units drained in time.
func (e *Executor) CancelAll(timeout time.Duration) bool {
	e.mu.Lock()
	dones := make([]chan struct{}, 0, len(e.units))
	for _, u := range e.units {
		u.cancel()
		dones = append(dones, u.done)
	}
	e.mu.Unlock()

	deadline := time.After(timeout)
	for _, done := range dones {
		select {
		case <-done:
		case <-deadline:
			e.logger.Warn("Shutdown timed out with %d units still draining", len(dones))
			return false
		}
	}
	return true
}
