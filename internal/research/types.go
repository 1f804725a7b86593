// Package research defines the shared domain model for deep research tasks:
// task records, lifecycle states, provider results, and cost estimates.
package research

import (
	"time"
)

// TaskStatus is the lifecycle state of a research task.
type TaskStatus string

const (
	StatusPending      TaskStatus = "pending"
	StatusRunningSync  TaskStatus = "running_sync"
	StatusRunningAsync TaskStatus = "running_async"
	StatusCompleted    TaskStatus = "completed"
	StatusFailed       TaskStatus = "failed"
	StatusCancelled    TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known lifecycle states.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunningSync, StatusRunningAsync,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// DefaultModel is the provider model used when the caller does not choose one.
const DefaultModel = "deep-research-pro-preview-12-2025"

// Validation bounds for task submission.
const (
	MinQueryLen  = 3
	MaxQueryLen  = 10000
	MinWaitHours = 1
	MaxWaitHours = 24
)

// Task is the durable record of a research request. TokensIn/TokensOut and
// CostUSD are running estimates updated as polls observe usage.
type Task struct {
	ID             string            `json:"task_id"`
	Query          string            `json:"query"`
	Model          string            `json:"model"`
	Status         TaskStatus        `json:"status"`
	ProviderHandle string            `json:"provider_handle,omitempty"`
	Progress       float64           `json:"progress"`
	CurrentAction  string            `json:"current_action,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	NotifyOnDone   bool              `json:"notify_on_done"`
	MaxWaitHours   int               `json:"max_wait_hours"`
	TokensIn       int               `json:"tokens_in"`
	TokensOut      int               `json:"tokens_out"`
	CostUSD        float64           `json:"cost_usd"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Usage returns the task's accumulated token usage.
func (t *Task) Usage() TokenUsage {
	return TokenUsage{InputTokens: t.TokensIn, OutputTokens: t.TokensOut}
}

// Source is a citation attached to a completed report. Snippet is the
// provider's excerpt of the cited passage.
type Source struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Snippet   string  `json:"snippet,omitempty"`
	Relevance float64 `json:"relevance,omitempty"`
}

// TokenUsage counts provider tokens consumed by a task.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Per-million-token rates for the research provider.
const (
	inputCostPerMillion  = 1.0
	outputCostPerMillion = 4.0
)

// Total returns the combined token count.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// EstimateCostUSD converts token counts to dollars at the provider's rates.
func (u TokenUsage) EstimateCostUSD() float64 {
	return float64(u.InputTokens)/1_000_000*inputCostPerMillion +
		float64(u.OutputTokens)/1_000_000*outputCostPerMillion
}

// Result is the stored outcome of a completed (or partially completed) task.
type Result struct {
	TaskID     string            `json:"task_id"`
	Report     string            `json:"report"`
	Sources    []Source          `json:"sources,omitempty"`
	TokenUsage TokenUsage        `json:"token_usage"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Partial    bool              `json:"partial,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Complexity buckets produced by the cost estimator.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// CostEstimate is the pre-submission forecast for a query.
type CostEstimate struct {
	Complexity        Complexity `json:"complexity"`
	MinMinutes        float64    `json:"estimated_duration_minutes_min"`
	MaxMinutes        float64    `json:"estimated_duration_minutes_max"`
	LikelyMinutes     float64    `json:"estimated_duration_minutes_likely"`
	MinCostUSD        float64    `json:"estimated_cost_usd_min"`
	MaxCostUSD        float64    `json:"estimated_cost_usd_max"`
	LikelyCostUSD     float64    `json:"estimated_cost_usd_likely"`
	WillLikelyGoAsync bool       `json:"will_likely_go_async"`
	Recommendation    string     `json:"recommendation"`
}
