package engine

import (
	"context"
	"fmt"
	"time"

	"deepscout/internal/async"
	"deepscout/internal/errors"
	"deepscout/internal/provider"
	"deepscout/internal/research"
)

// Fixed terminal messages for non-provider failure causes.
const (
	msgSessionExpired = "remote research session expired and was discarded by the provider"
	msgWaitExceeded   = "research exceeded the maximum wait time of %d hours"
)

// syncOutcome carries the result of the sync-phase race back to Start.
type syncOutcome struct {
	result *research.Result
	err    error
}

// runTask is the per-task background unit: submit (when fresh), then poll
// until a terminal state, the wait deadline, or cancellation. syncCh is nil
// for recovered tasks, which have no attached caller.
func (e *Engine) runTask(ctx context.Context, task research.Task, syncCh chan<- syncOutcome) {
	defer e.forget(task.ID)

	handle := task.ProviderHandle
	if handle == "" {
		var err error
		handle, err = errors.RetryWithResult(ctx, errors.DefaultRetryConfig(),
			func(ctx context.Context) (string, error) {
				return e.provider.Submit(ctx, task.Query, task.Model)
			})
		if err != nil {
			if ctx.Err() != nil {
				e.handleCancellation(&task, "")
				return
			}
			e.finalizeFailed(&task, err, syncCh)
			return
		}

		bg := context.Background()
		if err := e.store.SetProviderHandle(bg, task.ID, handle); err != nil {
			e.logger.Error("Failed to persist handle for task %s: %v", task.ID, err)
		}
		if err := e.store.MarkRunningSync(bg, task.ID); err != nil {
			e.logger.Warn("Failed to advance task %s to running_sync: %v", task.ID, err)
		}
		task.ProviderHandle = handle
	}

	e.pollLoop(ctx, &task, syncCh)
}

// pollLoop drives one task to a terminal state. The first poll runs
// immediately; subsequent polls use the short sync-phase interval until the
// sync budget elapses, then the regular interval.
func (e *Engine) pollLoop(ctx context.Context, task *research.Task, syncCh chan<- syncOutcome) {
	deadline := task.CreatedAt.Add(time.Duration(task.MaxWaitHours) * time.Hour)
	started := time.Now()

	for {
		pollStart := time.Now()
		status, err := e.provider.Poll(ctx, task.ProviderHandle)
		e.metrics.PollObserved(ctx, time.Since(pollStart))

		if ctx.Err() != nil {
			e.handleCancellation(task, task.ProviderHandle)
			return
		}

		if err != nil {
			switch errors.KindOf(err) {
			case errors.KindSessionExpired:
				e.finalizeFailed(task, errors.New(errors.KindSessionExpired, "%s", msgSessionExpired), syncCh)
				return
			case errors.KindProviderUnavailable:
				// Momentary outage; keep the task alive and poll again.
				e.logger.Warn("Poll of task %s failed (will retry): %v", task.ID, err)
			default:
				e.finalizeFailed(task, err, syncCh)
				return
			}
		} else {
			e.recordSnapshot(task.ID, status)

			switch status.State {
			case provider.StateRunning:
				if err := e.store.UpdateProgress(context.Background(), task.ID,
					status.Progress, status.CurrentAction, status.TokenUsage); err != nil {
					e.logger.Warn("Failed to persist progress of task %s: %v", task.ID, err)
				}

			case provider.StateCompleted:
				e.finalizeCompleted(task, status, started, syncCh)
				return

			case provider.StateFailed:
				msg := status.ErrorMessage
				if msg == "" {
					msg = "provider reported failure without detail"
				}
				e.finalizeFailed(task, errors.New(errors.KindProviderFailed, "%s", msg), syncCh)
				return

			case provider.StateExpired:
				e.finalizeFailed(task, errors.New(errors.KindSessionExpired, "%s", msgSessionExpired), syncCh)
				return
			}
		}

		if time.Now().After(deadline) {
			e.finalizeFailed(task,
				errors.New(errors.KindProviderFailed, msgWaitExceeded, task.MaxWaitHours), syncCh)
			return
		}

		interval := e.cfg.PollInterval
		if time.Since(started) < e.cfg.SyncBudget {
			interval = e.cfg.SyncPollInterval
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			e.handleCancellation(task, task.ProviderHandle)
			return
		}
	}
}

// finalizeCompleted persists the result and the COMPLETED transition, then
// notifies when the task ran past the sync window.
func (e *Engine) finalizeCompleted(task *research.Task, status *provider.PollStatus, started time.Time, syncCh chan<- syncOutcome) {
	ctx := context.Background()

	result := &research.Result{
		TaskID:     task.ID,
		TokenUsage: status.TokenUsage,
		CreatedAt:  time.Now().UTC(),
	}
	if status.Result != nil {
		result.Report = status.Result.Report
		result.Sources = status.Result.Sources
		result.Metadata = status.Result.Metadata
	}

	if err := e.store.SaveResult(ctx, result); err != nil {
		e.finalizeFailed(task, err, syncCh)
		return
	}
	if err := e.store.UpdateProgress(ctx, task.ID, 100, "Research complete", status.TokenUsage); err != nil {
		e.logger.Warn("Failed to persist final progress of task %s: %v", task.ID, err)
	}
	if err := e.store.UpdateStatus(ctx, task.ID, research.StatusCompleted, ""); err != nil {
		e.logger.Error("Failed to complete task %s: %v", task.ID, err)
		e.sendSync(syncCh, syncOutcome{err: err})
		return
	}

	e.metrics.TaskCompleted(ctx)
	e.metrics.TokensUsed(ctx, status.TokenUsage.Total(), status.TokenUsage.EstimateCostUSD())

	duration := time.Since(task.CreatedAt)
	e.logger.Info("Task %s completed in %.1f minutes", task.ID, duration.Minutes())

	// The sync path returns the result directly; notifying there would be
	// redundant with the caller's own response.
	if task.NotifyOnDone && time.Since(started) >= e.cfg.SyncBudget {
		taskID := task.ID
		async.Go(e.logger, "notify-complete", func() {
			e.notifier.ResearchComplete(taskID, duration.Minutes())
		})
	}

	e.sendSync(syncCh, syncOutcome{result: result})
}

// finalizeFailed persists the FAILED transition and notifies.
func (e *Engine) finalizeFailed(task *research.Task, cause error, syncCh chan<- syncOutcome) {
	ctx := context.Background()

	if err := e.store.UpdateStatus(ctx, task.ID, research.StatusFailed, errors.MessageOf(cause)); err != nil {
		if errors.KindOf(err) != errors.KindAlreadyTerminal {
			e.logger.Error("Failed to mark task %s failed: %v", task.ID, err)
		}
	}

	e.metrics.TaskFailed(ctx)
	e.logger.Warn("Task %s failed: %v", task.ID, cause)

	if task.NotifyOnDone {
		taskID := task.ID
		msg := errors.MessageOf(cause)
		async.Go(e.logger, "notify-failed", func() {
			e.notifier.ResearchFailed(taskID, msg)
		})
	}

	e.sendSync(syncCh, syncOutcome{err: cause})
}

// handleCancellation runs inside the unit after its context is cancelled.
func (e *Engine) handleCancellation(task *research.Task, handle string) {
	ctx := context.Background()

	if e.partialIntent(task.ID) {
		e.savePartialResult(ctx, task)
	}

	if err := e.store.UpdateStatus(ctx, task.ID, research.StatusCancelled, ""); err != nil {
		if errors.KindOf(err) != errors.KindAlreadyTerminal {
			e.logger.Error("Failed to mark task %s cancelled: %v", task.ID, err)
		}
	}

	if handle != "" {
		e.cancelRemote(handle)
	}

	e.metrics.TaskCancelled(ctx)
	e.logger.Info("Task %s polling unit cancelled", task.ID)
}

// savePartialResult preserves whatever the last poll observed. The report is
// usually empty; sources and progress metadata still have diagnostic value.
func (e *Engine) savePartialResult(ctx context.Context, task *research.Task) {
	snap := e.lastSnapshot(task.ID)

	progress := task.Progress
	result := &research.Result{
		TaskID:    task.ID,
		Partial:   true,
		CreatedAt: time.Now().UTC(),
	}
	if snap != nil {
		if snap.Progress > progress {
			progress = snap.Progress
		}
		result.TokenUsage = snap.TokenUsage
		if snap.Result != nil {
			result.Report = snap.Result.Report
			result.Sources = snap.Result.Sources
		}
	}
	result.Metadata = map[string]string{
		"progress_at_cancellation": fmt.Sprintf("%.0f", progress),
		"duration_minutes":         fmt.Sprintf("%.2f", time.Since(task.CreatedAt).Minutes()),
	}

	if err := e.store.SaveResult(ctx, result); err != nil {
		e.logger.Error("Failed to save partial result of task %s: %v", task.ID, err)
	}
}

func (e *Engine) sendSync(syncCh chan<- syncOutcome, outcome syncOutcome) {
	if syncCh == nil {
		return
	}
	select {
	case syncCh <- outcome:
	default:
	}
}
