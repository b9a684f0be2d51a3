package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nebulaai/pkg/domain"
)

func TestCreditCost(t *testing.T) {
	cases := []struct {
		usage Usage
		want  int
	}{
		{Usage{TotalTokens: 1}, 1},
		{Usage{TotalTokens: 999}, 1},
		{Usage{TotalTokens: 1000}, 1},
		{Usage{TotalTokens: 1001}, 2},
		{Usage{TotalTokens: 2500}, 3},
		{Usage{PromptTokens: 400, CompletionTokens: 700}, 2},
		{Usage{}, 1}, // missing usage still bills the floor
	}
	for _, tc := range cases {
		if got := CreditCost(tc.usage); got != tc.want {
			t.Fatalf("CreditCost(%+v) = %d, want %d", tc.usage, got, tc.want)
		}
	}
}

func TestOpenAICompatGenerate(t *testing.T) {
	var gotAuth string
	var gotReq oaiChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "test-model-001",
			"choices": [{"message": {"role": "assistant", "content": "  generated text  "}}],
			"usage": {"prompt_tokens": 400, "completion_tokens": 2100, "total_tokens": 2500}
		}`))
	}))
	defer srv.Close()

	g := NewOpenAICompatGenerator(srv.URL+"/v1", "test-key", "default-model", 5*time.Second)
	res, err := g.Generate(context.Background(), Request{
		Type:   domain.GenerationSummary,
		Prompt: "summarize this",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "generated text" {
		t.Fatalf("unexpected text: %q", res.Text)
	}
	if res.Model != "test-model-001" {
		t.Fatalf("unexpected model: %q", res.Model)
	}
	if res.Usage.TotalTokens != 2500 {
		t.Fatalf("unexpected usage: %+v", res.Usage)
	}
	if CreditCost(res.Usage) != 3 {
		t.Fatalf("expected 3 credits for 2500 tokens")
	}

	if gotAuth != "Bearer test-key" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	if gotReq.Model != "default-model" {
		t.Fatalf("unexpected model in request: %q", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Fatalf("expected system+user messages, got %+v", gotReq.Messages)
	}
}

func TestOpenAICompatGenerateAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error": {"message": "model overloaded"}}`))
	}))
	defer srv.Close()

	g := NewOpenAICompatGenerator(srv.URL+"/v1", "", "m", 5*time.Second)
	_, err := g.Generate(context.Background(), Request{Type: domain.GenerationText, Prompt: "hi"})
	if err == nil {
		t.Fatalf("expected provider error")
	}
}

func TestOpenAICompatRequestModelOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req oaiChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "override-model" {
			t.Errorf("expected override model, got %q", req.Model)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}], "usage": {"total_tokens": 10}}`))
	}))
	defer srv.Close()

	g := NewOpenAICompatGenerator(srv.URL, "", "default-model", 5*time.Second)
	res, err := g.Generate(context.Background(), Request{
		Type:   domain.GenerationText,
		Prompt: "hi",
		Model:  "override-model",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	// response carried no model name, falls back to the requested one
	if res.Model != "override-model" {
		t.Fatalf("unexpected model: %q", res.Model)
	}
}
