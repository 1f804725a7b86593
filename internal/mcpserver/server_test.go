package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"deepscout/internal/config"
	"deepscout/internal/engine"
	"deepscout/internal/estimator"
	"deepscout/internal/executor"
	"deepscout/internal/notify"
	"deepscout/internal/provider"
	"deepscout/internal/render"
	"deepscout/internal/research"
	"deepscout/internal/store"
)

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestServer(t *testing.T, client provider.Client, input string) (*Server, *safeBuffer) {
	t.Helper()

	cfg := config.Config{
		DatabasePath:     filepath.Join(t.TempDir(), "test.db"),
		OutputDir:        t.TempDir(),
		SyncBudget:       150 * time.Millisecond,
		PollInterval:     20 * time.Millisecond,
		SyncPollInterval: 10 * time.Millisecond,
		DefaultWaitHours: 8,
		MaxConcurrent:    3,
		QueueDepth:       5,
		OverflowPolicy:   config.OverflowQueue,
		DefaultModel:     "test-model",
	}

	st, err := store.Open(cfg.DatabasePath, nil)
	if err != nil {
		t.Fatalf("store.Open() = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	renderer, err := render.New()
	if err != nil {
		t.Fatal(err)
	}

	eng := engine.New(cfg, engine.Dependencies{
		Store:     st,
		Executor:  executor.New(executor.Options{MaxConcurrent: cfg.MaxConcurrent, QueueDepth: cfg.QueueDepth}, nil),
		Provider:  client,
		Notifier:  notify.NewWithChannels(nil),
		Renderer:  renderer,
		Estimator: estimator.New(cfg.SyncBudget),
	})
	t.Cleanup(func() { eng.Shutdown(2 * time.Second) })

	out := &safeBuffer{}
	return New(eng, "test", strings.NewReader(input), out, nil), out
}

func decodeLines(t *testing.T, raw string) []Response {
	t.Helper()
	var responses []Response
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("bad response line %q: %v", scanner.Text(), err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func callTool(t *testing.T, s *Server, name string, args string) (map[string]any, bool) {
	t.Helper()
	handler, ok := s.toolHandler(name)
	if !ok {
		t.Fatalf("unknown tool %s", name)
	}
	envelope, isError := handler(context.Background(), json.RawMessage(args))
	payload, ok := envelope.(map[string]any)
	if !ok {
		t.Fatalf("envelope = %T, want map", envelope)
	}
	return payload, isError
}

func TestHandshakeAndProtocolMethods(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"initialize"}
{"jsonrpc":"2.0","method":"notifications/initialized"}
{"jsonrpc":"2.0","id":2,"method":"ping"}
{"jsonrpc":"2.0","id":3,"method":"tools/list"}
{"jsonrpc":"2.0","id":4,"method":"no/such/method"}
{"jsonrpc":"2.0","method":"some/unknown/notification"}
not even json
`
	s, out := newTestServer(t, provider.NewMockClient(0), input)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	responses := decodeLines(t, out.String())
	if len(responses) != 5 {
		t.Fatalf("got %d responses, want 5 (notifications get none)", len(responses))
	}

	init := responses[0]
	initResult, _ := json.Marshal(init.Result)
	if !strings.Contains(string(initResult), `"protocolVersion":"2024-11-05"`) {
		t.Errorf("initialize result = %s", initResult)
	}
	if !strings.Contains(string(initResult), `"name":"deepscout"`) {
		t.Errorf("initialize result missing server info: %s", initResult)
	}

	listResult, _ := json.Marshal(responses[2].Result)
	for _, tool := range []string{
		"start_deep_research", "check_research_status", "get_research_results",
		"cancel_research", "estimate_research_cost", "save_research_to_markdown",
	} {
		if !strings.Contains(string(listResult), tool) {
			t.Errorf("tools/list missing %s", tool)
		}
	}

	if responses[3].Error == nil || responses[3].Error.Code != MethodNotFound {
		t.Errorf("unknown method response = %+v", responses[3])
	}
	if responses[4].Error == nil || responses[4].Error.Code != ParseError {
		t.Errorf("garbage line response = %+v", responses[4])
	}
}

func TestToolCallOverTheWire(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"estimate_research_cost","arguments":{"query":"what is the capital of France"}}}
`
	s, out := newTestServer(t, provider.NewMockClient(0), input)
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Tool calls run off the read loop; wait for the response to land.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !strings.Contains(out.String(), "complexity") {
		time.Sleep(5 * time.Millisecond)
	}

	responses := decodeLines(t, out.String())
	if len(responses) != 1 || responses[0].Error != nil {
		t.Fatalf("responses = %+v", responses)
	}
	result, _ := json.Marshal(responses[0].Result)
	if !strings.Contains(string(result), `"isError":false`) {
		t.Errorf("result = %s", result)
	}
	if !strings.Contains(string(result), "simple") {
		t.Errorf("estimate text missing complexity: %s", result)
	}
}

func TestStartToolSyncResult(t *testing.T) {
	s, _ := newTestServer(t, provider.NewMockClient(0), "")

	payload, isError := callTool(t, s, "start_deep_research",
		`{"query":"what is the capital of France"}`)
	if isError {
		t.Fatalf("payload = %v", payload)
	}

	if payload["mode"] != "sync" || payload["status"] != "completed" {
		t.Errorf("mode/status = %v/%v", payload["mode"], payload["status"])
	}
	results, ok := payload["results"].(map[string]any)
	if !ok {
		t.Fatalf("results = %T", payload["results"])
	}
	if report, _ := results["report"].(string); report == "" {
		t.Error("sync result missing report")
	}
	if _, ok := results["sources"]; !ok {
		t.Error("sync result missing sources")
	}
}

func TestStartToolAsyncAcknowledgement(t *testing.T) {
	s, _ := newTestServer(t, provider.NewMockClient(10*time.Second), "")

	payload, isError := callTool(t, s, "start_deep_research", `{"query":"slow research topic"}`)
	if isError {
		t.Fatalf("payload = %v", payload)
	}

	if payload["mode"] != "async" || payload["status"] != "running_async" {
		t.Errorf("mode/status = %v/%v", payload["mode"], payload["status"])
	}
	taskID, _ := payload["task_id"].(string)
	if taskID == "" {
		t.Fatal("async acknowledgement missing task_id")
	}
	if _, ok := payload["results"]; ok {
		t.Error("async acknowledgement must not carry results")
	}

	cancel, isError := callTool(t, s, "cancel_research", `{"task_id":"`+taskID+`","save_partial":false}`)
	if isError {
		t.Fatalf("cancel = %v", cancel)
	}
	if cancel["status"] != "cancelled" || cancel["partial_results_saved"] != false {
		t.Errorf("cancel payload = %v", cancel)
	}
}

func TestStartToolValidationBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		wantErr bool
	}{
		{"query below minimum", `{"query":"ab"}`, true},
		{"query at minimum", `{"query":"abc"}`, false},
		{"query at maximum", `{"query":"` + strings.Repeat("q", 10000) + `"}`, false},
		{"query above maximum", `{"query":"` + strings.Repeat("q", 10001) + `"}`, true},
		{"wait hours below minimum", `{"query":"valid query","max_wait_hours":-1}`, true},
		{"wait hours at minimum", `{"query":"valid query","max_wait_hours":1}`, false},
		{"wait hours at maximum", `{"query":"valid query","max_wait_hours":24}`, false},
		{"wait hours above maximum", `{"query":"valid query","max_wait_hours":25}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, provider.NewMockClient(0), "")
			payload, isError := callTool(t, s, "start_deep_research", tt.args)
			if isError != tt.wantErr {
				t.Fatalf("isError = %v, want %v (payload %v)", isError, tt.wantErr, payload)
			}
			if tt.wantErr {
				if payload["success"] != false || payload["error"] != "InvalidInput" {
					t.Errorf("error envelope = %v", payload)
				}
			}
		})
	}
}

func TestStatusToolReportsTokensAndCost(t *testing.T) {
	s, _ := newTestServer(t, provider.NewMockClient(0), "")

	started, _ := callTool(t, s, "start_deep_research", `{"query":"what is the capital of France"}`)
	taskID := started["task_id"].(string)

	payload, isError := callTool(t, s, "check_research_status", `{"task_id":"`+taskID+`"}`)
	if isError {
		t.Fatalf("payload = %v", payload)
	}

	if payload["status"] != "completed" {
		t.Errorf("status = %v", payload["status"])
	}
	if payload["progress"] != float64(100) {
		t.Errorf("progress = %v", payload["progress"])
	}
	tokens, ok := payload["tokens"].(map[string]any)
	if !ok {
		t.Fatalf("tokens = %T", payload["tokens"])
	}
	if tokens["input"] != 1200 || tokens["output"] != 4800 {
		t.Errorf("tokens = %v", tokens)
	}
	// $1/1M input + $4/1M output on 1200/4800 tokens.
	if payload["cost_so_far"] != 0.0204 {
		t.Errorf("cost_so_far = %v, want 0.0204", payload["cost_so_far"])
	}
	if _, ok := payload["estimated_completion_minutes"]; ok {
		t.Error("terminal tasks get no completion estimate")
	}
}

func TestStatusToolUnknownTask(t *testing.T) {
	s, _ := newTestServer(t, provider.NewMockClient(0), "")

	payload, isError := callTool(t, s, "check_research_status", `{"task_id":"missing"}`)
	if !isError {
		t.Fatal("expected error envelope")
	}
	if payload["error"] != "NotFound" {
		t.Errorf("error = %v, want NotFound", payload["error"])
	}
}

func TestStatusToolRequiresTaskID(t *testing.T) {
	s, _ := newTestServer(t, provider.NewMockClient(0), "")

	payload, isError := callTool(t, s, "check_research_status", `{}`)
	if !isError || payload["error"] != "InvalidInput" {
		t.Errorf("payload = %v", payload)
	}
}

func TestEstimateRemainingMinutes(t *testing.T) {
	task := &research.Task{Status: research.StatusRunningAsync, Progress: 25}
	remaining, ok := estimateRemainingMinutes(task, 10)
	if !ok {
		t.Fatal("running mid-progress task should get an estimate")
	}
	if remaining != 30 {
		t.Errorf("remaining = %f, want 30 (25%% in 10 minutes)", remaining)
	}

	task.Progress = 0
	if _, ok := estimateRemainingMinutes(task, 10); ok {
		t.Error("zero progress yields no extrapolation")
	}

	task.Progress = 100
	if _, ok := estimateRemainingMinutes(task, 10); ok {
		t.Error("full progress yields no extrapolation")
	}

	task.Status = research.StatusCompleted
	task.Progress = 50
	if _, ok := estimateRemainingMinutes(task, 10); ok {
		t.Error("terminal tasks yield no extrapolation")
	}
}

func TestGetToolSourceToggle(t *testing.T) {
	s, _ := newTestServer(t, provider.NewMockClient(0), "")

	started, _ := callTool(t, s, "start_deep_research", `{"query":"what is the capital of France"}`)
	taskID := started["task_id"].(string)

	withSources, isError := callTool(t, s, "get_research_results", `{"task_id":"`+taskID+`"}`)
	if isError {
		t.Fatalf("payload = %v", withSources)
	}
	if _, ok := withSources["sources"]; !ok {
		t.Error("sources included by default")
	}
	sources, _ := withSources["sources"].([]any)
	if len(sources) == 0 {
		t.Fatalf("sources = %v, want at least one entry", withSources["sources"])
	}
	first, _ := sources[0].(map[string]any)
	if snippet, _ := first["snippet"].(string); snippet == "" {
		t.Errorf("source entry = %v, want a snippet excerpt", first)
	}

	without, isError := callTool(t, s, "get_research_results",
		`{"task_id":"`+taskID+`","include_sources":false}`)
	if isError {
		t.Fatal("unexpected error envelope")
	}
	if _, ok := without["sources"]; ok {
		t.Error("include_sources=false should drop sources")
	}
}

func TestGetToolNotCompleted(t *testing.T) {
	s, _ := newTestServer(t, provider.NewMockClient(10*time.Second), "")

	started, _ := callTool(t, s, "start_deep_research", `{"query":"slow research topic"}`)
	taskID := started["task_id"].(string)
	defer callTool(t, s, "cancel_research", `{"task_id":"`+taskID+`","save_partial":false}`)

	payload, isError := callTool(t, s, "get_research_results", `{"task_id":"`+taskID+`"}`)
	if !isError {
		t.Fatal("expected error envelope for a running task")
	}
	if payload["error"] != "NotCompleted" {
		t.Errorf("error = %v, want NotCompleted", payload["error"])
	}
	if payload["hint"] == nil {
		t.Error("NotCompleted envelope should carry a hint")
	}
}

func TestSaveToolWritesReport(t *testing.T) {
	s, _ := newTestServer(t, provider.NewMockClient(0), "")

	started, _ := callTool(t, s, "start_deep_research", `{"query":"what is the capital of France"}`)
	taskID := started["task_id"].(string)

	payload, isError := callTool(t, s, "save_research_to_markdown",
		`{"task_id":"`+taskID+`","filename_prefix":"notes"}`)
	if isError {
		t.Fatalf("payload = %v", payload)
	}

	filename, _ := payload["filename"].(string)
	if !strings.HasPrefix(filename, "notes_") {
		t.Errorf("filename = %q", filename)
	}
	if payload["file_path"] == "" {
		t.Error("missing file_path")
	}
	sections, ok := payload["sections_included"].([]string)
	if !ok {
		t.Fatalf("sections_included = %T", payload["sections_included"])
	}
	if len(sections) == 0 {
		t.Error("sections_included is empty")
	}
}

func TestUnknownToolName(t *testing.T) {
	s, _ := newTestServer(t, provider.NewMockClient(0), "")
	if _, ok := s.toolHandler("summon_demons"); ok {
		t.Error("unknown tool names must not resolve")
	}
}

func TestMalformedToolArguments(t *testing.T) {
	s, _ := newTestServer(t, provider.NewMockClient(0), "")

	payload, isError := callTool(t, s, "start_deep_research", `{"query":42}`)
	if !isError || payload["error"] != "InvalidInput" {
		t.Errorf("payload = %v", payload)
	}
}
