package research

import "testing"

func TestTaskStatusTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunningSync, false},
		{StatusRunningAsync, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("Terminal(%s) = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestTaskStatusValid(t *testing.T) {
	if !StatusRunningAsync.Valid() {
		t.Error("running_async should be valid")
	}
	if TaskStatus("unknown").Valid() {
		t.Error("unknown status should not be valid")
	}
}

func TestTokenUsageCost(t *testing.T) {
	usage := TokenUsage{InputTokens: 1_000_000, OutputTokens: 500_000}

	if got := usage.Total(); got != 1_500_000 {
		t.Errorf("Total() = %d, want 1500000", got)
	}

	// $1/1M input + $4/1M output
	want := 1.0 + 2.0
	if got := usage.EstimateCostUSD(); got != want {
		t.Errorf("EstimateCostUSD() = %f, want %f", got, want)
	}
}

func TestTokenUsageCostZero(t *testing.T) {
	if got := (TokenUsage{}).EstimateCostUSD(); got != 0 {
		t.Errorf("EstimateCostUSD() = %f, want 0", got)
	}
}
