// Package engine implements the hybrid sync/async research lifecycle: task
// creation, the synchronous wait window, background polling, cancellation
// with partial preservation, and startup recovery.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"deepscout/internal/config"
	"deepscout/internal/errors"
	"deepscout/internal/estimator"
	"deepscout/internal/executor"
	"deepscout/internal/logging"
	"deepscout/internal/notify"
	"deepscout/internal/observability"
	"deepscout/internal/provider"
	"deepscout/internal/render"
	"deepscout/internal/research"
	"deepscout/internal/store"
)

// Dependencies wires the engine's collaborators.
type Dependencies struct {
	Store     *store.Store
	Executor  *executor.Executor
	Provider  provider.Client
	Notifier  *notify.Notifier
	Renderer  *render.Renderer
	Estimator *estimator.Estimator
	Metrics   *observability.Metrics
	Logger    logging.Logger
}

// Engine owns all task mutation authority. Tool handlers call it; nothing
// else writes to the store.
type Engine struct {
	cfg       config.Config
	store     *store.Store
	exec      *executor.Executor
	provider  provider.Client
	notifier  *notify.Notifier
	renderer  *render.Renderer
	estimator *estimator.Estimator
	metrics   *observability.Metrics
	logger    logging.Logger

	mu        sync.Mutex
	snapshots map[string]*provider.PollStatus // last poll observation per live task
	partial   map[string]bool                 // save-partial intent set by Cancel
}

// New creates the engine.
func New(cfg config.Config, deps Dependencies) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     deps.Store,
		exec:      deps.Executor,
		provider:  deps.Provider,
		notifier:  deps.Notifier,
		renderer:  deps.Renderer,
		estimator: deps.Estimator,
		metrics:   deps.Metrics,
		logger:    logging.OrNop(deps.Logger),
		snapshots: make(map[string]*provider.PollStatus),
		partial:   make(map[string]bool),
	}
}

// StartParams are the validated inputs to Start.
type StartParams struct {
	Query        string
	Model        string
	NotifyOnDone bool
	MaxWaitHours int
}

// StartOutcome reports how a start call resolved. Result is non-nil only
// when the task completed within the synchronous budget.
type StartOutcome struct {
	Task      *research.Task
	Result    *research.Result
	WentAsync bool
}

// Start creates a task and races its completion against the sync budget.
// It always returns within the budget plus a small margin.
func (e *Engine) Start(ctx context.Context, p StartParams) (*StartOutcome, error) {
	if err := validateStart(&p, e.cfg); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := &research.Task{
		ID:           uuid.NewString(),
		Query:        p.Query,
		Model:        p.Model,
		Status:       research.StatusPending,
		NotifyOnDone: p.NotifyOnDone,
		MaxWaitHours: p.MaxWaitHours,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	syncCh := make(chan syncOutcome, 1)
	taskCopy := *task
	if err := e.exec.Submit(task.ID, func(unitCtx context.Context) {
		e.runTask(unitCtx, taskCopy, syncCh)
	}); err != nil {
		// The task never got a unit; drop the row so listings stay clean.
		if delErr := e.store.DeleteTask(ctx, task.ID); delErr != nil {
			e.logger.Warn("Failed to remove rejected task %s: %v", task.ID, delErr)
		}
		return nil, err
	}

	e.metrics.TaskStarted(ctx)
	e.logger.Info("Task %s started (model %s, max wait %dh)", task.ID, task.Model, task.MaxWaitHours)

	select {
	case outcome := <-syncCh:
		if outcome.err != nil {
			return nil, outcome.err
		}
		final, err := e.store.GetTask(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		return &StartOutcome{Task: final, Result: outcome.result}, nil

	case <-time.After(e.cfg.SyncBudget):
		return e.detachAsync(ctx, task.ID)

	case <-ctx.Done():
		// Caller went away; the background unit keeps working.
		return e.detachAsync(context.Background(), task.ID)
	}
}

// detachAsync advances the task to RUNNING_ASYNC and returns the async
// acknowledgement. The transition is idempotent and never downgrades: a task
// that turned terminal right at the budget boundary is returned as-is.
func (e *Engine) detachAsync(ctx context.Context, taskID string) (*StartOutcome, error) {
	err := e.store.UpdateStatus(ctx, taskID, research.StatusRunningAsync, "")
	if err != nil && errors.KindOf(err) != errors.KindAlreadyTerminal {
		return nil, err
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if task.Status == research.StatusCompleted {
		result, err := e.store.GetResult(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return &StartOutcome{Task: task, Result: result}, nil
	}
	if task.Status == research.StatusFailed {
		return nil, errors.New(errors.KindProviderFailed, "%s", task.ErrorMessage)
	}

	e.logger.Info("Task %s exceeded sync budget, continuing in background", taskID)
	return &StartOutcome{Task: task, WentAsync: true}, nil
}

func validateStart(p *StartParams, cfg config.Config) error {
	queryLen := len(strings.TrimSpace(p.Query))
	if queryLen < research.MinQueryLen || queryLen > research.MaxQueryLen {
		return errors.New(errors.KindInvalidInput,
			"query must be between %d and %d characters, got %d",
			research.MinQueryLen, research.MaxQueryLen, queryLen).
			WithHint("provide a research question of reasonable length")
	}
	if p.MaxWaitHours == 0 {
		p.MaxWaitHours = cfg.DefaultWaitHours
	}
	if p.MaxWaitHours < research.MinWaitHours || p.MaxWaitHours > research.MaxWaitHours {
		return errors.New(errors.KindInvalidInput,
			"max_wait_hours must be between %d and %d, got %d",
			research.MinWaitHours, research.MaxWaitHours, p.MaxWaitHours)
	}
	if p.Model == "" {
		p.Model = cfg.DefaultModel
	}
	return nil
}

// Status returns the current task record.
func (e *Engine) Status(ctx context.Context, taskID string) (*research.Task, error) {
	return e.store.GetTask(ctx, taskID)
}

// List returns up to limit tasks, newest first.
func (e *Engine) List(ctx context.Context, limit int) ([]*research.Task, error) {
	return e.store.ListTasks(ctx, limit)
}

// Delete removes a terminal task and its result.
func (e *Engine) Delete(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		return errors.New(errors.KindNotCompleted,
			"task %s is still %s; cancel it before deleting", taskID, task.Status)
	}
	return e.store.DeleteTask(ctx, taskID)
}

// Get returns the task and its result. A result exists only for COMPLETED
// tasks and for CANCELLED tasks whose partial data was preserved.
func (e *Engine) Get(ctx context.Context, taskID string) (*research.Task, *research.Result, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}

	switch task.Status {
	case research.StatusCompleted:
		result, err := e.store.GetResult(ctx, taskID)
		if err != nil {
			return nil, nil, err
		}
		return task, result, nil

	case research.StatusCancelled:
		result, err := e.store.GetResult(ctx, taskID)
		if err != nil {
			return nil, nil, errors.New(errors.KindNotCompleted,
				"task %s was cancelled without partial results", taskID)
		}
		return task, result, nil

	case research.StatusFailed:
		return nil, nil, errors.New(errors.KindProviderFailed,
			"task %s failed: %s", taskID, task.ErrorMessage)

	default:
		return nil, nil, errors.New(errors.KindNotCompleted,
			"task %s is %s at %.0f%% progress", taskID, task.Status, task.Progress).
			WithHint("poll research_status and retrieve the result once completed")
	}
}

// CancelOutcome reports the observable effect of a cancel call.
type CancelOutcome struct {
	Status       research.TaskStatus
	PartialSaved bool
	Progress     float64
	CostUSD      float64
}

// Cancel requests cooperative cancellation. The background unit performs the
// terminal transition; tasks without a live unit are transitioned directly.
func (e *Engine) Cancel(ctx context.Context, taskID string, savePartial bool) (*CancelOutcome, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, errors.New(errors.KindAlreadyTerminal,
			"task %s is already %s", taskID, task.Status)
	}

	e.setPartialIntent(taskID, savePartial)

	if e.exec.Cancel(taskID) {
		// The unit finishes its in-flight poll before observing the signal;
		// give it a bounded window to write the terminal state.
		e.exec.Wait(taskID, 5*time.Second)
	}

	final, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	// A unit cancelled while still queued for a slot exits without ever
	// running, and a task without a live unit (recovery gap) has nobody to
	// run it; in both cases the terminal transition is written here.
	if !final.Status.Terminal() {
		if savePartial {
			e.savePartialResult(ctx, final)
		}
		if err := e.store.UpdateStatus(ctx, taskID, research.StatusCancelled, ""); err != nil &&
			errors.KindOf(err) != errors.KindAlreadyTerminal {
			return nil, err
		}
		if final.ProviderHandle != "" {
			e.cancelRemote(final.ProviderHandle)
		}
		e.metrics.TaskCancelled(ctx)
		e.forget(taskID)

		if final, err = e.store.GetTask(ctx, taskID); err != nil {
			return nil, err
		}
	}

	partialSaved := false
	if result, err := e.store.GetResult(ctx, taskID); err == nil && result.Partial {
		partialSaved = true
	}

	e.logger.Info("Task %s cancelled (partial saved: %v)", taskID, partialSaved)
	return &CancelOutcome{
		Status:       final.Status,
		PartialSaved: partialSaved,
		Progress:     final.Progress,
		CostUSD:      final.CostUSD,
	}, nil
}

// Estimate forecasts cost and duration for a query without touching state.
func (e *Engine) Estimate(query string) (research.CostEstimate, error) {
	queryLen := len(strings.TrimSpace(query))
	if queryLen < research.MinQueryLen || queryLen > research.MaxQueryLen {
		return research.CostEstimate{}, errors.New(errors.KindInvalidInput,
			"query must be between %d and %d characters, got %d",
			research.MinQueryLen, research.MaxQueryLen, queryLen)
	}
	return e.estimator.Estimate(query), nil
}

// Recover re-attaches background units to tasks that were in flight when the
// previous process exited. Tasks that never reached the provider are failed
// outright; their loss predates any remote work.
func (e *Engine) Recover(ctx context.Context) error {
	tasks, err := e.store.ListIncomplete(ctx)
	if err != nil {
		return err
	}

	recovered := 0
	for _, task := range tasks {
		if e.exec.Running(task.ID) {
			continue
		}

		if task.ProviderHandle == "" {
			if err := e.store.UpdateStatus(ctx, task.ID, research.StatusFailed,
				"interrupted before submission"); err != nil {
				e.logger.Warn("Recovery failed to mark task %s: %v", task.ID, err)
			}
			continue
		}

		if err := e.store.UpdateStatus(ctx, task.ID, research.StatusRunningAsync, ""); err != nil {
			e.logger.Warn("Recovery failed to resume task %s: %v", task.ID, err)
			continue
		}

		taskCopy := *task
		taskCopy.Status = research.StatusRunningAsync
		if err := e.exec.Submit(task.ID, func(unitCtx context.Context) {
			e.runTask(unitCtx, taskCopy, nil)
		}); err != nil {
			e.logger.Warn("Recovery could not schedule task %s: %v", task.ID, err)
			continue
		}
		recovered++
	}

	if recovered > 0 || len(tasks) > 0 {
		e.logger.Info("Recovery scanned %d incomplete tasks, re-attached %d", len(tasks), recovered)
	}
	return nil
}

// Shutdown cancels all background units and waits up to timeout for them to
// drain. Interrupted tasks stay non-terminal and are picked up by the next
// process's recovery scan.
func (e *Engine) Shutdown(timeout time.Duration) {
	e.exec.CancelAll(timeout)
}

func (e *Engine) setPartialIntent(taskID string, save bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.partial[taskID] = save
}

func (e *Engine) partialIntent(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.partial[taskID]
}

func (e *Engine) recordSnapshot(taskID string, status *provider.PollStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshots[taskID] = status
}

func (e *Engine) lastSnapshot(taskID string) *provider.PollStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshots[taskID]
}

func (e *Engine) forget(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.snapshots, taskID)
	delete(e.partial, taskID)
}

// cancelRemote tells the provider to stop a job, outside any caller context.
func (e *Engine) cancelRemote(handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.provider.Cancel(ctx, handle); err != nil {
		e.logger.Debug("Best-effort provider cancel failed: %v", err)
	}
}
