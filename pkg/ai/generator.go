package ai

import (
	"context"

	"nebulaai/pkg/domain"
)

// Request is one generation job handed to a provider.
type Request struct {
	Type        domain.GenerationType
	Prompt      string
	Model       string // empty means the provider default
	MaxTokens   int
	Temperature float64
}

// Usage is the provider-reported token accounting for one generation.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Tokens resolves the billable token count. Providers that omit the total
// still report the two halves; a generation never bills below one token.
func (u Usage) Tokens() int {
	tokens := u.TotalTokens
	if tokens <= 0 {
		tokens = u.PromptTokens + u.CompletionTokens
	}
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// Result is a completed generation.
type Result struct {
	Text  string
	Model string
	Usage Usage
}

// Generator produces content from a prompt. All providers implement this.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// CreditCost converts provider usage into credits: one credit per started
// block of 1000 tokens, never less than one credit.
func CreditCost(u Usage) int {
	tokens := u.Tokens()
	cost := (tokens + 999) / 1000
	if cost < 1 {
		cost = 1
	}
	return cost
}

// SystemPrompt returns the instruction prefix for a generation type.
func SystemPrompt(t domain.GenerationType) string {
	switch t {
	case domain.GenerationAnalysis:
		return "You are an expert analyst. Provide a thorough, structured analysis of the following content."
	case domain.GenerationSummary:
		return "You are a summarization assistant. Produce a concise summary that preserves the key points."
	case domain.GenerationImage:
		return "You are an image prompt engineer. Produce a detailed visual description suitable for an image model."
	default:
		return "You are a helpful AI assistant."
	}
}
