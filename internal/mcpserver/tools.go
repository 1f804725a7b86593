package mcpserver

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"deepscout/internal/engine"
	"deepscout/internal/errors"
	"deepscout/internal/research"
)

// ToolDefinition advertises one tool through tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func toolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name: "start_deep_research",
			Description: "Start a deep research task. Completes inline when fast enough, " +
				"otherwise keeps running in the background and returns a task_id to poll.",
			InputSchema: objectSchema(map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The research question or topic (3-10000 characters)",
				},
				"notify_on_done": map[string]any{
					"type":        "boolean",
					"description": "Send a desktop notification when the task finishes (default true)",
				},
				"max_wait_hours": map[string]any{
					"type":        "integer",
					"description": "Give up after this many hours, 1-24 (default 8)",
				},
				"model": map[string]any{
					"type":        "string",
					"description": "Provider model override",
				},
			}, "query"),
		},
		{
			Name:        "check_research_status",
			Description: "Check progress of a research task.",
			InputSchema: objectSchema(map[string]any{
				"task_id": map[string]any{"type": "string"},
			}, "task_id"),
		},
		{
			Name:        "get_research_results",
			Description: "Retrieve the report of a completed research task.",
			InputSchema: objectSchema(map[string]any{
				"task_id":         map[string]any{"type": "string"},
				"include_sources": map[string]any{"type": "boolean"},
			}, "task_id"),
		},
		{
			Name:        "cancel_research",
			Description: "Cancel a running research task, optionally keeping partial results.",
			InputSchema: objectSchema(map[string]any{
				"task_id":      map[string]any{"type": "string"},
				"save_partial": map[string]any{"type": "boolean"},
			}, "task_id"),
		},
		{
			Name:        "estimate_research_cost",
			Description: "Estimate duration and cost of a research query before starting it.",
			InputSchema: objectSchema(map[string]any{
				"query": map[string]any{"type": "string"},
			}, "query"),
		},
		{
			Name:        "save_research_to_markdown",
			Description: "Save a completed research report to a markdown file.",
			InputSchema: objectSchema(map[string]any{
				"task_id":          map[string]any{"type": "string"},
				"output_dir":       map[string]any{"type": "string"},
				"filename_prefix":  map[string]any{"type": "string"},
				"include_metadata": map[string]any{"type": "boolean"},
				"include_sources":  map[string]any{"type": "boolean"},
			}, "task_id"),
		},
	}
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// toolHandlerFunc executes one tool call; the bool marks an error envelope.
type toolHandlerFunc func(ctx context.Context, args json.RawMessage) (any, bool)

func (s *Server) toolHandler(name string) (toolHandlerFunc, bool) {
	switch name {
	case "start_deep_research":
		return s.handleStart, true
	case "check_research_status":
		return s.handleStatus, true
	case "get_research_results":
		return s.handleGet, true
	case "cancel_research":
		return s.handleCancel, true
	case "estimate_research_cost":
		return s.handleEstimate, true
	case "save_research_to_markdown":
		return s.handleSave, true
	default:
		return nil, false
	}
}

// errorEnvelope maps an engine error onto the uniform failure shape.
func errorEnvelope(err error) (any, bool) {
	env := map[string]any{
		"success": false,
		"error":   string(errors.KindOf(err)),
		"message": errors.MessageOf(err),
	}
	if hint := errors.HintOf(err); hint != "" {
		env["hint"] = hint
	}
	return env, true
}

func decodeArgs(args json.RawMessage, into any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, into); err != nil {
		return errors.Wrap(errors.KindInvalidInput, err, "malformed tool arguments")
	}
	return nil
}

type startArgs struct {
	Query        string `json:"query"`
	NotifyOnDone *bool  `json:"notify_on_done"`
	MaxWaitHours int    `json:"max_wait_hours"`
	Model        string `json:"model"`
}

func (s *Server) handleStart(ctx context.Context, args json.RawMessage) (any, bool) {
	var a startArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorEnvelope(err)
	}

	notify := true
	if a.NotifyOnDone != nil {
		notify = *a.NotifyOnDone
	}

	outcome, err := s.engine.Start(ctx, engine.StartParams{
		Query:        a.Query,
		Model:        a.Model,
		NotifyOnDone: notify,
		MaxWaitHours: a.MaxWaitHours,
	})
	if err != nil {
		return errorEnvelope(err)
	}

	if outcome.WentAsync {
		return map[string]any{
			"success": true,
			"mode":    "async",
			"status":  string(research.StatusRunningAsync),
			"task_id": outcome.Task.ID,
			"message": "Research continues in the background; poll check_research_status",
		}, false
	}

	return map[string]any{
		"success": true,
		"mode":    "sync",
		"status":  string(research.StatusCompleted),
		"task_id": outcome.Task.ID,
		"results": resultPayload(outcome.Task, outcome.Result, true),
	}, false
}

type taskIDArgs struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleStatus(ctx context.Context, args json.RawMessage) (any, bool) {
	var a taskIDArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorEnvelope(err)
	}
	if a.TaskID == "" {
		return errorEnvelope(errors.New(errors.KindInvalidInput, "task_id is required"))
	}

	task, err := s.engine.Status(ctx, a.TaskID)
	if err != nil {
		return errorEnvelope(err)
	}

	elapsed := time.Since(task.CreatedAt).Minutes()
	if task.CompletedAt != nil {
		elapsed = task.CompletedAt.Sub(task.CreatedAt).Minutes()
	}

	payload := map[string]any{
		"success":         true,
		"task_id":         task.ID,
		"status":          string(task.Status),
		"progress":        task.Progress,
		"current_action":  task.CurrentAction,
		"elapsed_minutes": round2(elapsed),
		"tokens": map[string]any{
			"input":  task.TokensIn,
			"output": task.TokensOut,
		},
		"cost_so_far": round4(task.CostUSD),
	}
	if task.ErrorMessage != "" {
		payload["error_message"] = task.ErrorMessage
	}
	if remaining, ok := estimateRemainingMinutes(task, elapsed); ok {
		payload["estimated_completion_minutes"] = round2(remaining)
	}
	return payload, false
}

// estimateRemainingMinutes extrapolates linearly from observed progress.
func estimateRemainingMinutes(task *research.Task, elapsedMinutes float64) (float64, bool) {
	if task.Status.Terminal() || task.Progress <= 0 || task.Progress >= 100 {
		return 0, false
	}
	total := elapsedMinutes / (task.Progress / 100)
	return total - elapsedMinutes, true
}

type getArgs struct {
	TaskID         string `json:"task_id"`
	IncludeSources *bool  `json:"include_sources"`
}

func (s *Server) handleGet(ctx context.Context, args json.RawMessage) (any, bool) {
	var a getArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorEnvelope(err)
	}
	if a.TaskID == "" {
		return errorEnvelope(errors.New(errors.KindInvalidInput, "task_id is required"))
	}

	includeSources := true
	if a.IncludeSources != nil {
		includeSources = *a.IncludeSources
	}

	task, result, err := s.engine.Get(ctx, a.TaskID)
	if err != nil {
		return errorEnvelope(err)
	}

	payload := resultPayload(task, result, includeSources)
	payload["success"] = true
	return payload, false
}

func resultPayload(task *research.Task, result *research.Result, includeSources bool) map[string]any {
	payload := map[string]any{
		"task_id": task.ID,
		"query":   task.Query,
		"report":  result.Report,
		"partial": result.Partial,
		"metadata": map[string]any{
			"model":         task.Model,
			"status":        string(task.Status),
			"tokens_input":  result.TokenUsage.InputTokens,
			"tokens_output": result.TokenUsage.OutputTokens,
			"cost_usd":      round4(result.TokenUsage.EstimateCostUSD()),
		},
	}
	if includeSources {
		sources := make([]any, 0, len(result.Sources))
		for _, src := range result.Sources {
			sources = append(sources, map[string]any{
				"title":     src.Title,
				"url":       src.URL,
				"snippet":   src.Snippet,
				"relevance": src.Relevance,
			})
		}
		payload["sources"] = sources
	}
	return payload
}

type cancelArgs struct {
	TaskID      string `json:"task_id"`
	SavePartial *bool  `json:"save_partial"`
}

func (s *Server) handleCancel(ctx context.Context, args json.RawMessage) (any, bool) {
	var a cancelArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorEnvelope(err)
	}
	if a.TaskID == "" {
		return errorEnvelope(errors.New(errors.KindInvalidInput, "task_id is required"))
	}

	savePartial := true
	if a.SavePartial != nil {
		savePartial = *a.SavePartial
	}

	outcome, err := s.engine.Cancel(ctx, a.TaskID, savePartial)
	if err != nil {
		return errorEnvelope(err)
	}

	return map[string]any{
		"success":                  true,
		"status":                   string(outcome.Status),
		"partial_results_saved":    outcome.PartialSaved,
		"progress_at_cancellation": outcome.Progress,
		"cost_usd":                 round4(outcome.CostUSD),
	}, false
}

type estimateArgs struct {
	Query string `json:"query"`
}

func (s *Server) handleEstimate(_ context.Context, args json.RawMessage) (any, bool) {
	var a estimateArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorEnvelope(err)
	}

	est, err := s.engine.Estimate(a.Query)
	if err != nil {
		return errorEnvelope(err)
	}

	return map[string]any{
		"success":    true,
		"complexity": string(est.Complexity),
		"duration": map[string]any{
			"min":    est.MinMinutes,
			"max":    est.MaxMinutes,
			"likely": est.LikelyMinutes,
		},
		"cost": map[string]any{
			"min":    est.MinCostUSD,
			"max":    est.MaxCostUSD,
			"likely": est.LikelyCostUSD,
		},
		"will_likely_go_async": est.WillLikelyGoAsync,
		"recommendation":       est.Recommendation,
	}, false
}

type saveArgs struct {
	TaskID          string `json:"task_id"`
	OutputDir       string `json:"output_dir"`
	FilenamePrefix  string `json:"filename_prefix"`
	IncludeMetadata *bool  `json:"include_metadata"`
	IncludeSources  *bool  `json:"include_sources"`
}

func (s *Server) handleSave(ctx context.Context, args json.RawMessage) (any, bool) {
	var a saveArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorEnvelope(err)
	}
	if a.TaskID == "" {
		return errorEnvelope(errors.New(errors.KindInvalidInput, "task_id is required"))
	}

	includeMetadata := true
	if a.IncludeMetadata != nil {
		includeMetadata = *a.IncludeMetadata
	}
	includeSources := true
	if a.IncludeSources != nil {
		includeSources = *a.IncludeSources
	}

	outcome, err := s.engine.SaveReport(ctx, engine.SaveParams{
		TaskID:          a.TaskID,
		OutputDir:       a.OutputDir,
		Prefix:          a.FilenamePrefix,
		IncludeMetadata: includeMetadata,
		IncludeSources:  includeSources,
	})
	if err != nil {
		return errorEnvelope(err)
	}

	return map[string]any{
		"success":           true,
		"task_id":           a.TaskID,
		"file_path":         outcome.FilePath,
		"filename":          outcome.Filename,
		"file_size_kb":      round2(outcome.FileSizeKB),
		"created_at":        outcome.CreatedAt.Format(time.RFC3339),
		"sections_included": outcome.Sections,
	}, false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
