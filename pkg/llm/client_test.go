package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxelbench/voxelbench/pkg/pipeline"
)

func completionServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func TestHTTPClientGenerate(t *testing.T) {
	srv := completionServer(t, http.StatusOK,
		`{"choices":[{"message":{"role":"assistant","content":"<code>[]</code>"}}]}`)
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, APIKey: "test-key"})
	out, err := c.Generate(context.Background(), "test-model", "build a tower")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out != "<code>[]</code>" {
		t.Errorf("Generate = %q", out)
	}
}

func TestHTTPClientSendsModelAndPrompt(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request failed: %v", err)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, APIKey: "test-key"})
	if _, err := c.Generate(context.Background(), "test-model", "build a tower"); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got.Model != "test-model" {
		t.Errorf("Model = %q", got.Model)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" || got.Messages[0].Content != "build a tower" {
		t.Errorf("Messages = %+v", got.Messages)
	}
}

func TestHTTPClientErrorClassification(t *testing.T) {
	cases := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, true},
		{"server error", http.StatusBadGateway, `{}`, true},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"unknown model"}}`, false},
		{"unauthorized", http.StatusUnauthorized, `{}`, false},
		{"api error in body", http.StatusOK, `{"error":{"message":"content filtered"}}`, false},
		{"no choices", http.StatusOK, `{"choices":[]}`, true},
		{"garbage body", http.StatusOK, `not json`, true},
	}

	for _, c := range cases {
		srv := completionServer(t, c.status, c.body)
		client := NewHTTPClient(HTTPConfig{BaseURL: srv.URL})
		_, err := client.Generate(context.Background(), "test-model", "p")
		srv.Close()

		if err == nil {
			t.Errorf("%s: expected error", c.name)
			continue
		}
		if got := pipeline.IsTransient(err); got != c.wantTransient {
			t.Errorf("%s: IsTransient = %v, want %v (%v)", c.name, got, c.wantTransient, err)
		}
	}
}

func TestScriptedClientPlaysInOrder(t *testing.T) {
	c := &ScriptedClient{Responses: []ScriptedResponse{
		{Err: pipeline.Transientf("flaky")},
		{Text: "second"},
	}}
	ctx := context.Background()

	if _, err := c.Generate(ctx, "m", "p"); err == nil {
		t.Error("First call should fail")
	}
	out, err := c.Generate(ctx, "m", "p")
	if err != nil || out != "second" {
		t.Errorf("Second call = %q, %v", out, err)
	}
	if _, err := c.Generate(ctx, "m", "p"); err == nil {
		t.Error("Exhausted client should fail")
	}
	if c.Calls() != 3 {
		t.Errorf("Calls = %d", c.Calls())
	}
}
