package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"deepscout/internal/errors"
	"deepscout/internal/logging"
	"deepscout/internal/research"
)

const (
	defaultRequestTimeout = 60 * time.Second
	interactionsPath      = "/v1/interactions"
)

// HTTPClient talks to the research provider's interactions API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     logging.Logger
}

// NewHTTPClient builds the provider adapter. The api key is sent only as a
// request header and must never appear in logs or errors.
func NewHTTPClient(baseURL, apiKey string, logger logging.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: defaultRequestTimeout,
		},
		logger: logging.OrNop(logger),
	}
}

type submitRequest struct {
	Model string `json:"model"`
	Query string `json:"query"`
}

type submitResponse struct {
	ID string `json:"id"`
}

// Submit starts a research job.
func (c *HTTPClient) Submit(ctx context.Context, query, model string) (string, error) {
	body, err := json.Marshal(submitRequest{Model: model, Query: query})
	if err != nil {
		return "", errors.Wrap(errors.KindProviderFailed, err, "encode submit request")
	}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, interactionsPath, bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New(errors.KindProviderFailed, "provider returned no interaction id")
	}

	c.logger.Info("Submitted research job %s (model %s)", resp.ID, model)
	return resp.ID, nil
}

type pollResponse struct {
	State         string  `json:"state"`
	Progress      float64 `json:"progress"`
	CurrentAction string  `json:"current_action"`
	Error         string  `json:"error"`
	Usage         struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Result *struct {
		Report  string `json:"report"`
		Sources []struct {
			Title     string  `json:"title"`
			URL       string  `json:"url"`
			Snippet   string  `json:"snippet"`
			Relevance float64 `json:"relevance"`
		} `json:"sources"`
		Metadata map[string]string `json:"metadata"`
	} `json:"result"`
}

// Poll reports the state of a running job.
func (c *HTTPClient) Poll(ctx context.Context, handle string) (*PollStatus, error) {
	var resp pollResponse
	path := fmt.Sprintf("%s/%s", interactionsPath, handle)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	status := &PollStatus{
		Progress:      resp.Progress,
		CurrentAction: resp.CurrentAction,
		ErrorMessage:  resp.Error,
		TokenUsage: research.TokenUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}

	switch State(resp.State) {
	case StateRunning, StateCompleted, StateFailed, StateExpired:
		status.State = State(resp.State)
	default:
		return nil, errors.New(errors.KindProviderFailed,
			"provider returned unknown state %q", resp.State)
	}

	if status.State == StateCompleted && resp.Result != nil {
		raw := &RawResult{
			Report:   resp.Result.Report,
			Metadata: resp.Result.Metadata,
		}
		for _, s := range resp.Result.Sources {
			raw.Sources = append(raw.Sources, research.Source{
				Title:     s.Title,
				URL:       s.URL,
				Snippet:   s.Snippet,
				Relevance: s.Relevance,
			})
		}
		status.Result = raw
	}

	return status, nil
}

// Cancel asks the provider to stop a job.
func (c *HTTPClient) Cancel(ctx context.Context, handle string) error {
	path := fmt.Sprintf("%s/%s", interactionsPath, handle)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// do performs one API round-trip and maps failures onto the error taxonomy.
func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(errors.KindProviderFailed, err, "build %s %s request", method, path)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.KindProviderUnavailable, err, "provider unreachable").
			WithHint("check network connectivity and provider status")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return errors.Wrap(errors.KindProviderUnavailable, err, "read provider response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		// Auth rejections are often transient (key propagation, quota
		// windows); treat them as unavailability so in-flight tasks keep
		// polling instead of failing permanently.
		return errors.New(errors.KindProviderUnavailable, "provider rejected credentials").
			WithHint("verify GEMINI_API_KEY is set and valid")
	case resp.StatusCode == http.StatusNotFound:
		return errors.New(errors.KindSessionExpired, "provider no longer knows this job").
			WithHint("the provider session expired; start the research again")
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return errors.New(errors.KindProviderUnavailable,
			"provider returned status %d", resp.StatusCode).
			WithHint("the provider is overloaded; retry shortly")
	case resp.StatusCode >= 400:
		return errors.New(errors.KindProviderFailed,
			"provider returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrap(errors.KindProviderFailed, err, "decode provider response")
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
