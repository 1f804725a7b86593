// Package provider defines the contract with the remote deep-research
// service and its HTTP adapter. The engine only depends on the Client
// interface, so tests and offline runs substitute the mock.
package provider

import (
	"context"

	"deepscout/internal/research"
)

// States reported by Poll.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
)

// PollStatus is a snapshot of a remote research job.
type PollStatus struct {
	State         State
	Progress      float64 // 0..100
	CurrentAction string
	ErrorMessage  string     // set when State is failed
	Result        *RawResult // set when State is completed
	TokenUsage    research.TokenUsage
}

// RawResult is the provider's completed payload before it is normalized
// into a research.Result.
type RawResult struct {
	Report   string
	Sources  []research.Source
	Metadata map[string]string
}

// Client is the minimal surface the engine needs from the research provider.
type Client interface {
	// Submit starts a research job and returns the provider's handle for it.
	Submit(ctx context.Context, query, model string) (string, error)

	// Poll reports the current state of the job behind handle.
	Poll(ctx context.Context, handle string) (*PollStatus, error)

	// Cancel asks the provider to stop the job. Best effort; the engine
	// treats failures as advisory.
	Cancel(ctx context.Context, handle string) error
}
