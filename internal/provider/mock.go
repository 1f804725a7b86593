package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deepscout/internal/research"
)

// MockClient simulates the provider for offline runs and tests. Each
// submitted job advances a fixed progress schedule and completes after the
// configured duration.
type MockClient struct {
	// Duration until a job reports completed. Zero means instant.
	CompleteAfter time.Duration

	// FailWith, when non-empty, makes every job end in the failed state.
	FailWith string

	mu   sync.Mutex
	jobs map[string]*mockJob
	next int
}

type mockJob struct {
	query   string
	started time.Time
}

// NewMockClient returns a mock provider whose jobs complete after d.
func NewMockClient(d time.Duration) *MockClient {
	return &MockClient{
		CompleteAfter: d,
		jobs:          make(map[string]*mockJob),
	}
}

func (m *MockClient) Submit(_ context.Context, query, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	handle := fmt.Sprintf("mock-%d", m.next)
	m.jobs[handle] = &mockJob{query: query, started: time.Now()}
	return handle, nil
}

func (m *MockClient) Poll(_ context.Context, handle string) (*PollStatus, error) {
	m.mu.Lock()
	job := m.jobs[handle]
	m.mu.Unlock()

	if job == nil {
		return &PollStatus{State: StateExpired}, nil
	}

	if m.FailWith != "" {
		return &PollStatus{State: StateFailed, ErrorMessage: m.FailWith}, nil
	}

	elapsed := time.Since(job.started)
	if elapsed < m.CompleteAfter {
		progress := float64(elapsed) / float64(m.CompleteAfter) * 100
		return &PollStatus{
			State:         StateRunning,
			Progress:      progress,
			CurrentAction: "Researching...",
		}, nil
	}

	return &PollStatus{
		State:         StateCompleted,
		Progress:      100,
		CurrentAction: "Research complete",
		TokenUsage:    research.TokenUsage{InputTokens: 1200, OutputTokens: 4800},
		Result: &RawResult{
			Report: fmt.Sprintf("# Findings\n\nSimulated research report for: %s\n", job.query),
			Sources: []research.Source{
				{Title: "Example Source", URL: "https://example.com",
				Snippet: "Simulated excerpt supporting the findings.", Relevance: 0.9},
			},
		},
	}, nil
}

func (m *MockClient) Cancel(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, handle)
	return nil
}
