package app

import (
	"context"
	"errors"
	"time"

	"nebulaai/internal/audit"
	"nebulaai/pkg/domain"
	"nebulaai/pkg/store"
)

const subscriptionLength = 30 * 24 * time.Hour

// PlanInfo is one row of the public plan table.
type PlanInfo struct {
	Tier     domain.SubscriptionTier `json:"tier"`
	Credits  int                     `json:"credits"`
	PriceUSD int                     `json:"price"`
}

// PlanList returns the plan table in ascending price order.
func (a *App) PlanList() []PlanInfo {
	tiers := []domain.SubscriptionTier{domain.TierFree, domain.TierPro, domain.TierEnterprise}
	out := make([]PlanInfo, 0, len(tiers))
	for _, tier := range tiers {
		plan := domain.Plans[tier]
		out = append(out, PlanInfo{Tier: tier, Credits: plan.Credits, PriceUSD: plan.PriceUSD})
	}
	return out
}

// SubscribeResult is the installed plan and the replaced balance.
type SubscribeResult struct {
	Subscription domain.Subscription `json:"subscription"`
	Credits      domain.Credits      `json:"credits"`
}

// Subscribe installs a plan on the account. The credit balance is replaced
// with the plan allotment, never added to it.
func (a *App) Subscribe(ctx context.Context, userID, rawTier string) (SubscribeResult, error) {
	tier, ok := domain.ParseTier(rawTier)
	if !ok {
		return SubscribeResult{}, E(KindValidation, "invalid subscription tier")
	}
	plan := domain.Plans[tier]

	now := time.Now().UTC()
	end := now.Add(subscriptionLength)
	sub := domain.Subscription{
		Tier:      tier,
		Status:    domain.SubscriptionActive,
		StartDate: now,
		EndDate:   &end,
	}
	credits := domain.Credits{Total: plan.Credits, Used: 0}
	credits.Recalc()

	if err := a.store.SetSubscription(userID, sub, credits); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return SubscribeResult{}, E(KindUnauthenticated, "account not found")
		}
		return SubscribeResult{}, Wrap(KindInternal, "subscription update failed", err)
	}
	audit.LogPublish(ctx, a.audit, audit.Event{
		Type:    "subscription.changed",
		UserID:  userID,
		Details: map[string]any{"tier": string(tier)},
	})
	return SubscribeResult{Subscription: sub, Credits: credits}, nil
}
