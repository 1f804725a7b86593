// Package store persists research tasks and results in SQLite so that tasks
// survive process restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"deepscout/internal/errors"
	"deepscout/internal/logging"
	"deepscout/internal/research"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id         TEXT PRIMARY KEY,
	query           TEXT NOT NULL,
	model           TEXT NOT NULL,
	status          TEXT NOT NULL,
	provider_handle TEXT NOT NULL DEFAULT '',
	progress        REAL NOT NULL DEFAULT 0,
	current_action  TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	notify_on_done  INTEGER NOT NULL DEFAULT 1,
	max_wait_hours  INTEGER NOT NULL,
	tokens_in       INTEGER NOT NULL DEFAULT 0,
	tokens_out      INTEGER NOT NULL DEFAULT 0,
	cost_usd        REAL NOT NULL DEFAULT 0,
	metadata        TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	completed_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS results (
	task_id       TEXT PRIMARY KEY REFERENCES tasks(task_id),
	report        TEXT NOT NULL,
	sources       TEXT NOT NULL DEFAULT '[]',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	metadata      TEXT NOT NULL DEFAULT '{}',
	partial       INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);
`

var terminalStatuses = []any{
	string(research.StatusCompleted),
	string(research.StatusFailed),
	string(research.StatusCancelled),
}

// Store is the durable state store backed by a single SQLite database.
type Store struct {
	db     *sql.DB
	logger logging.Logger
	retry  errors.RetryConfig
}

// Open opens (creating if needed) the database at path and migrates the
// schema. WAL mode keeps readers unblocked while pollers write progress.
func Open(path string, logger logging.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=1000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, err, "open database %s", path)
	}

	// SQLite tolerates a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(errors.KindStorage, err, "migrate schema")
	}

	return &Store{
		db:     db,
		logger: logging.OrNop(logger),
		retry:  errors.StoreRetryConfig(),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// execRetry runs a write with the store's lock-contention retry discipline.
func (s *Store) execRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return errors.RetryWithResult(ctx, s.retry, func(ctx context.Context) (sql.Result, error) {
		return s.db.ExecContext(ctx, query, args...)
	})
}

// CreateTask inserts a new task record.
func (s *Store) CreateTask(ctx context.Context, task *research.Task) error {
	metadata, err := encodeMap(task.Metadata)
	if err != nil {
		return errors.Wrap(errors.KindStorage, err, "encode task metadata")
	}

	_, err = s.execRetry(ctx, `
		INSERT INTO tasks (task_id, query, model, status, provider_handle, progress,
			current_action, error_message, notify_on_done, max_wait_hours,
			tokens_in, tokens_out, cost_usd, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Query, task.Model, string(task.Status), task.ProviderHandle,
		task.Progress, task.CurrentAction, task.ErrorMessage, boolToInt(task.NotifyOnDone),
		task.MaxWaitHours, task.TokensIn, task.TokensOut, task.CostUSD,
		metadata, formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return errors.Wrap(errors.KindStorage, err, "insert task %s", task.ID)
	}
	return nil
}

// GetTask returns the task with the given id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*research.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, query, model, status, provider_handle, progress,
			current_action, error_message, notify_on_done, max_wait_hours,
			tokens_in, tokens_out, cost_usd, metadata,
			created_at, updated_at, completed_at
		FROM tasks WHERE task_id = ?`, taskID)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.KindNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, err, "load task %s", taskID)
	}
	return task, nil
}

// UpdateStatus transitions a task to the given status. Terminal records are
// immutable: attempting to move a terminal task returns AlreadyTerminal.
// Entering a terminal status stamps completed_at.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, status research.TaskStatus, errorMessage string) error {
	now := formatTime(time.Now().UTC())

	var completedAt any
	if status.Terminal() {
		completedAt = now
	}

	res, err := s.execRetry(ctx, `
		UPDATE tasks
		SET status = ?, error_message = ?, updated_at = ?,
			completed_at = COALESCE(?, completed_at)
		WHERE task_id = ? AND status NOT IN (?, ?, ?)`,
		append([]any{string(status), errorMessage, now, completedAt, taskID}, terminalStatuses...)...)
	if err != nil {
		return errors.Wrap(errors.KindStorage, err, "update status of task %s", taskID)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.KindStorage, err, "rows affected for task %s", taskID)
	}
	if affected == 0 {
		existing, getErr := s.GetTask(ctx, taskID)
		if getErr != nil {
			return getErr
		}
		return errors.New(errors.KindAlreadyTerminal,
			"task %s is already %s", taskID, existing.Status)
	}

	s.logger.Debug("Task %s -> %s", taskID, status)
	return nil
}

// SetProviderHandle records the provider's job handle once submission
// succeeds. Terminal tasks are left untouched.
func (s *Store) SetProviderHandle(ctx context.Context, taskID, handle string) error {
	_, err := s.execRetry(ctx, `
		UPDATE tasks SET provider_handle = ?, updated_at = ?
		WHERE task_id = ? AND status NOT IN (?, ?, ?)`,
		append([]any{handle, formatTime(time.Now().UTC()), taskID}, terminalStatuses...)...)
	if err != nil {
		return errors.Wrap(errors.KindStorage, err, "set handle for task %s", taskID)
	}
	return nil
}

// MarkRunningSync advances a PENDING task to RUNNING_SYNC once the provider
// accepts the submission. A task the sync-budget race already moved to
// RUNNING_ASYNC (or that turned terminal) keeps its later state; the
// lifecycle never moves backwards.
func (s *Store) MarkRunningSync(ctx context.Context, taskID string) error {
	_, err := s.execRetry(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE task_id = ? AND status = ?`,
		string(research.StatusRunningSync), formatTime(time.Now().UTC()),
		taskID, string(research.StatusPending))
	if err != nil {
		return errors.Wrap(errors.KindStorage, err, "mark task %s running", taskID)
	}
	return nil
}

// UpdateProgress records poll progress plus the running token and cost
// estimates. Progress never regresses: the stored value is the max of the
// current and incoming values.
func (s *Store) UpdateProgress(ctx context.Context, taskID string, progress float64, currentAction string, usage research.TokenUsage) error {
	_, err := s.execRetry(ctx, `
		UPDATE tasks
		SET progress = MAX(progress, ?), current_action = ?,
			tokens_in = MAX(tokens_in, ?), tokens_out = MAX(tokens_out, ?),
			cost_usd = MAX(cost_usd, ?), updated_at = ?
		WHERE task_id = ? AND status NOT IN (?, ?, ?)`,
		append([]any{progress, currentAction,
			usage.InputTokens, usage.OutputTokens, usage.EstimateCostUSD(),
			formatTime(time.Now().UTC()), taskID}, terminalStatuses...)...)
	if err != nil {
		return errors.Wrap(errors.KindStorage, err, "update progress of task %s", taskID)
	}
	return nil
}

// ListTasks returns up to limit tasks, newest first. limit <= 0 means all.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]*research.Task, error) {
	query := `
		SELECT task_id, query, model, status, provider_handle, progress,
			current_action, error_message, notify_on_done, max_wait_hours,
			tokens_in, tokens_out, cost_usd, metadata,
			created_at, updated_at, completed_at
		FROM tasks ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, err, "list tasks")
	}
	defer func() { _ = rows.Close() }()

	return collectTasks(rows)
}

// ListIncomplete returns all non-terminal tasks, oldest first, for the
// startup recovery scan.
func (s *Store) ListIncomplete(ctx context.Context) ([]*research.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, query, model, status, provider_handle, progress,
			current_action, error_message, notify_on_done, max_wait_hours,
			tokens_in, tokens_out, cost_usd, metadata,
			created_at, updated_at, completed_at
		FROM tasks WHERE status NOT IN (?, ?, ?)
		ORDER BY created_at ASC`, terminalStatuses...)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, err, "list incomplete tasks")
	}
	defer func() { _ = rows.Close() }()

	return collectTasks(rows)
}

// DeleteTask removes a task and its result. Deleting a missing task is not
// an error.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	if _, err := s.execRetry(ctx, `DELETE FROM results WHERE task_id = ?`, taskID); err != nil {
		return errors.Wrap(errors.KindStorage, err, "delete result of task %s", taskID)
	}
	if _, err := s.execRetry(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID); err != nil {
		return errors.Wrap(errors.KindStorage, err, "delete task %s", taskID)
	}
	return nil
}

// SaveResult upserts the result for a task.
func (s *Store) SaveResult(ctx context.Context, result *research.Result) error {
	sources, err := json.Marshal(result.Sources)
	if err != nil {
		return errors.Wrap(errors.KindStorage, err, "encode sources")
	}
	metadata, err := encodeMap(result.Metadata)
	if err != nil {
		return errors.Wrap(errors.KindStorage, err, "encode result metadata")
	}

	createdAt := result.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.execRetry(ctx, `
		INSERT INTO results (task_id, report, sources, input_tokens, output_tokens,
			metadata, partial, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			report = excluded.report,
			sources = excluded.sources,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			metadata = excluded.metadata,
			partial = excluded.partial`,
		result.TaskID, result.Report, string(sources),
		result.TokenUsage.InputTokens, result.TokenUsage.OutputTokens,
		metadata, boolToInt(result.Partial), formatTime(createdAt))
	if err != nil {
		return errors.Wrap(errors.KindStorage, err, "save result of task %s", result.TaskID)
	}
	return nil
}

// GetResult returns the stored result for a task, or NotFound.
func (s *Store) GetResult(ctx context.Context, taskID string) (*research.Result, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, report, sources, input_tokens, output_tokens,
			metadata, partial, created_at
		FROM results WHERE task_id = ?`, taskID)

	var (
		result      research.Result
		sourcesJSON string
		metaJSON    string
		partial     int
		createdAt   string
	)
	err := row.Scan(&result.TaskID, &result.Report, &sourcesJSON,
		&result.TokenUsage.InputTokens, &result.TokenUsage.OutputTokens,
		&metaJSON, &partial, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.KindNotFound, "no result for task %s", taskID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, err, "load result of task %s", taskID)
	}

	if err := json.Unmarshal([]byte(sourcesJSON), &result.Sources); err != nil {
		return nil, errors.Wrap(errors.KindStorage, err, "decode sources of task %s", taskID)
	}
	if result.Metadata, err = decodeMap(metaJSON); err != nil {
		return nil, errors.Wrap(errors.KindStorage, err, "decode result metadata of task %s", taskID)
	}
	result.Partial = partial != 0
	if result.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrap(errors.KindStorage, err, "decode result timestamp of task %s", taskID)
	}
	return &result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*research.Task, error) {
	var (
		task        research.Task
		status      string
		notify      int
		metaJSON    string
		createdAt   string
		updatedAt   string
		completedAt sql.NullString
	)
	err := row.Scan(&task.ID, &task.Query, &task.Model, &status, &task.ProviderHandle,
		&task.Progress, &task.CurrentAction, &task.ErrorMessage, &notify,
		&task.MaxWaitHours, &task.TokensIn, &task.TokensOut, &task.CostUSD,
		&metaJSON, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	task.Status = research.TaskStatus(status)
	task.NotifyOnDone = notify != 0
	if task.Metadata, err = decodeMap(metaJSON); err != nil {
		return nil, err
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		task.CompletedAt = &t
	}
	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*research.Task, error) {
	var tasks []*research.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(errors.KindStorage, err, "scan task row")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.KindStorage, err, "iterate task rows")
	}
	return tasks, nil
}

func encodeMap(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMap(data string) (map[string]string, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
