package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"nebulaai/internal/audit"
	"nebulaai/pkg/ai"
	"nebulaai/pkg/domain"
	"nebulaai/pkg/store"
)

const (
	maxPromptLength  = 10000
	defaultPageSize  = 20
	maxPageSize      = 100
	defaultUsageDays = 30
	maxUsageDays     = 90
)

// GenerateInput is one generation request after route-level parsing.
type GenerateInput struct {
	Type        domain.GenerationType
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// GenerateOutput is a completed, charged generation.
type GenerateOutput struct {
	Generation domain.Generation `json:"generation"`
	Credits    domain.Credits    `json:"credits"`
}

// Generate runs the metered provider flow: validate, call the provider under
// a timeout, charge credits from reported usage, persist the record. A failed
// or timed-out provider call charges nothing and persists nothing.
func (a *App) Generate(ctx context.Context, user domain.User, in GenerateInput) (GenerateOutput, error) {
	in.Prompt = strings.TrimSpace(in.Prompt)
	if in.Prompt == "" {
		return GenerateOutput{}, E(KindValidation, "prompt is required")
	}
	if len(in.Prompt) > maxPromptLength {
		return GenerateOutput{}, Ef(KindValidation, "prompt exceeds %d characters", maxPromptLength)
	}
	if _, ok := domain.ParseGenerationType(string(in.Type)); !ok {
		return GenerateOutput{}, E(KindValidation, "invalid generation type")
	}
	if user.Credits.Remaining < 1 {
		return GenerateOutput{}, E(KindInsufficientCredits, "insufficient credits")
	}

	callCtx, cancel := context.WithTimeout(ctx, a.providerTimeout)
	defer cancel()
	start := time.Now()
	result, err := a.generator.Generate(callCtx, ai.Request{
		Type:        in.Type,
		Prompt:      in.Prompt,
		Model:       in.Model,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
	})
	if err != nil {
		slog.Error("provider_call_failed", "user_id", user.ID, "type", in.Type, "error", err)
		return GenerateOutput{}, Wrap(KindProviderFailure, "generation provider failed", err)
	}
	duration := time.Since(start)

	cost := ai.CreditCost(result.Usage)
	credits, err := a.chargeWithFloor(user.ID, &cost)
	if err != nil {
		return GenerateOutput{}, err
	}

	gen := domain.Generation{
		ID:       uuid.NewString(),
		UserID:   user.ID,
		Type:     in.Type,
		Prompt:   in.Prompt,
		Response: result.Text,
		Metadata: domain.GenerationMetadata{
			Model:      result.Model,
			Tokens:     result.Usage.Tokens(),
			DurationMS: duration.Milliseconds(),
		},
		Credits:   cost,
		Status:    domain.GenerationCompleted,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.SaveGeneration(gen); err != nil {
		return GenerateOutput{}, Wrap(KindInternal, "generation persistence failed", err)
	}

	slog.Info("security_event",
		"event", "credit_spend",
		"user_id", user.ID,
		"generation_id", gen.ID,
		"type", gen.Type,
		"credits", cost,
		"remaining", credits.Remaining,
	)
	audit.LogPublish(ctx, a.audit, audit.Event{
		Type:   "credits.spent",
		UserID: user.ID,
		Details: map[string]any{
			"generationId": gen.ID,
			"credits":      cost,
			"remaining":    credits.Remaining,
		},
	})
	return GenerateOutput{Generation: gen, Credits: credits}, nil
}

// chargeWithFloor deducts cost atomically. When a concurrent request drained
// the balance below the cost after the provider call already ran, the charge
// is floored at whatever remains instead of overdrawing.
func (a *App) chargeWithFloor(userID string, cost *int) (domain.Credits, error) {
	credits, err := a.store.DeductCredits(userID, *cost)
	if err == nil {
		return credits, nil
	}
	if !errors.Is(err, store.ErrInsufficientCredits) {
		return domain.Credits{}, Wrap(KindInternal, "credit deduction failed", err)
	}

	fresh, ok, gerr := a.store.GetUserByID(userID)
	if gerr != nil {
		return domain.Credits{}, Wrap(KindInternal, "credit deduction failed", gerr)
	}
	if !ok {
		return domain.Credits{}, E(KindUnauthenticated, "account not found")
	}
	if fresh.Credits.Remaining > 0 {
		if credits, err = a.store.DeductCredits(userID, fresh.Credits.Remaining); err == nil {
			*cost = fresh.Credits.Remaining
			return credits, nil
		}
		if !errors.Is(err, store.ErrInsufficientCredits) {
			return domain.Credits{}, Wrap(KindInternal, "credit deduction failed", err)
		}
	}
	*cost = 0
	return fresh.Credits, nil
}

// History returns a page of the account's generations, newest first, along
// with the total count.
func (a *App) History(userID string, limit, offset int) ([]domain.Generation, int64, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	list, err := a.store.ListGenerationsByUser(userID, limit, offset)
	if err != nil {
		return nil, 0, Wrap(KindInternal, "history lookup failed", err)
	}
	total, err := a.store.CountGenerationsByUser(userID)
	if err != nil {
		return nil, 0, Wrap(KindInternal, "history lookup failed", err)
	}
	return list, total, nil
}

// GenerationForUser loads one record, hiding other accounts' records behind
// NotFound.
func (a *App) GenerationForUser(userID, id string) (domain.Generation, error) {
	gen, ok, err := a.store.GetGeneration(id)
	if err != nil {
		return domain.Generation{}, Wrap(KindInternal, "generation lookup failed", err)
	}
	if !ok || gen.UserID != userID {
		return domain.Generation{}, E(KindNotFound, "generation not found")
	}
	return gen, nil
}

// DeleteGenerationForUser removes one owned record.
func (a *App) DeleteGenerationForUser(userID, id string) error {
	if _, err := a.GenerationForUser(userID, id); err != nil {
		return err
	}
	if err := a.store.DeleteGeneration(id); err != nil {
		return Wrap(KindInternal, "generation deletion failed", err)
	}
	return nil
}
