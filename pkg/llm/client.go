// Package llm is the model-invocation boundary for prompt execution. The
// pipeline only ever sees the Client interface; the concrete backend is an
// OpenAI-compatible chat endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/voxelbench/voxelbench/pkg/pipeline"
)

// Client generates one completion for a rendered prompt against a named
// model.
type Client interface {
	Generate(ctx context.Context, modelRef, prompt string) (string, error)
}

// HTTPClient calls an OpenAI-compatible /v1/chat/completions endpoint.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// HTTPConfig holds connection settings for the completion endpoint.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewHTTPClient builds a client for an OpenAI-compatible endpoint.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate sends the prompt as a single user message and returns the first
// choice. Provider 5xx and network failures are transient; auth and request
// shape problems are permanent.
func (c *HTTPClient) Generate(ctx context.Context, modelRef, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    modelRef,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", pipeline.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", pipeline.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", pipeline.Transientf("completion request: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", pipeline.Transientf("completion read: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", pipeline.Transientf("completion endpoint returned %d", resp.StatusCode)
	default:
		return "", pipeline.Permanentf("completion endpoint returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", pipeline.Transientf("completion decode: %v", err)
	}
	if parsed.Error != nil {
		return "", pipeline.Permanentf("completion error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", pipeline.Transientf("completion returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Client = (*HTTPClient)(nil)

// ScriptedClient returns canned responses in order; tests use it to stand
// in for a real provider. Each call consumes one entry; entries holding an
// error fail the call with that error.
type ScriptedClient struct {
	Responses []ScriptedResponse

	mu    sync.Mutex
	calls int
}

// ScriptedResponse is one canned Generate outcome.
type ScriptedResponse struct {
	Text string
	Err  error
}

// Generate pops the next scripted outcome.
func (c *ScriptedClient) Generate(ctx context.Context, modelRef, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls >= len(c.Responses) {
		return "", fmt.Errorf("scripted client exhausted after %d calls", c.calls)
	}
	r := c.Responses[c.calls]
	c.calls++
	if r.Err != nil {
		return "", r.Err
	}
	return r.Text, nil
}

// Calls reports how many times Generate ran.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

var _ Client = (*ScriptedClient)(nil)
