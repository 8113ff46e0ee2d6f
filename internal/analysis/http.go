package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

// HTTPConfig configures an HTTPAnalyzer.
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Provider string
	Model    string
	Timeout  time.Duration
}

// HTTPAnalyzer posts inputs as JSON to an out-of-process model service and
// decodes the verdict from its response.
type HTTPAnalyzer struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPAnalyzer builds an analyzer for cfg.Endpoint. A nil client gets a
// default one bounded by cfg.Timeout.
func NewHTTPAnalyzer(cfg HTTPConfig, client *http.Client) (*HTTPAnalyzer, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("analysis endpoint is required")
	}
	if cfg.Provider == "" {
		cfg.Provider = "http"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPAnalyzer{cfg: cfg, client: client}, nil
}

// Provider names the analysis backend.
func (a *HTTPAnalyzer) Provider() string { return a.cfg.Provider }

// Model names the model requested from the backend.
func (a *HTTPAnalyzer) Model() string { return a.cfg.Model }

type httpRequest struct {
	Model string `json:"model,omitempty"`
	Input
}

// Analyze sends in to the endpoint. Non-2xx responses come back as
// *StatusError; undecodable bodies wrap ErrInvalidVerdict.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, in Input) (Verdict, error) {
	body, err := json.Marshal(httpRequest{Model: a.cfg.Model, Input: in})
	if err != nil {
		return Verdict{}, fmt.Errorf("encode analysis request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, Permanent(fmt.Errorf("build analysis request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trace-Id", in.TraceID)
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("call analyzer: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Verdict{}, fmt.Errorf("read analysis response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Verdict{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return Verdict{RawOutput: raw}, fmt.Errorf("%w: decode response: %v", ErrInvalidVerdict, err)
	}
	v.RawOutput = raw
	return v, nil
}
