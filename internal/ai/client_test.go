package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestClient_RequestShape(t *testing.T) {
	var got completionBody
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL + "/", Timeout: time.Second}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	temp := 0.5
	msg, err := client.Complete(context.Background(), Completion{
		Messages:    []ChatMessage{{Role: "user", Content: "hello"}},
		Tools:       careerTools,
		ToolChoice:  ForceTool(submitProfileTool),
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if msg.Content != "hi" {
		t.Errorf("content = %q", msg.Content)
	}
	if auth != "Bearer k" {
		t.Errorf("authorization = %q", auth)
	}
	if got.Model != defaultModel {
		t.Errorf("model = %q, want %q", got.Model, defaultModel)
	}
	if got.ToolChoice == nil || got.ToolChoice.Function.Name != submitProfileTool {
		t.Errorf("tool_choice = %+v", got.ToolChoice)
	}
	if got.Temperature == nil || *got.Temperature != 0.5 {
		t.Errorf("temperature = %v", got.Temperature)
	}
}

func TestClient_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "k", BaseURL: srv.URL}, zap.NewNop())
	_, err := client.Complete(context.Background(), Completion{Messages: []ChatMessage{{Role: "user", Content: "x"}}})
	if !errors.Is(err, ErrNoChoices) {
		t.Fatalf("expected ErrNoChoices, got %v", err)
	}
}

func TestAPIError_Temporary(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		e := &APIError{Status: tt.status}
		if got := e.Temporary(); got != tt.want {
			t.Errorf("Temporary(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestClient_ErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "k", BaseURL: srv.URL}, zap.NewNop())
	_, err := client.Complete(context.Background(), Completion{Messages: []ChatMessage{{Role: "user", Content: "x"}}})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "bad key" {
		t.Errorf("APIError = %+v", apiErr)
	}
}
