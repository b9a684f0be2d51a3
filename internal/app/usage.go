package app

import (
	"sort"
	"time"

	"nebulaai/pkg/domain"
	"nebulaai/pkg/store"
)

// CreditsSummary is the account's balance and plan as reported by the
// usage endpoints.
type CreditsSummary struct {
	Credits      domain.Credits      `json:"credits"`
	Subscription domain.Subscription `json:"subscription"`
}

// CreditsForUser reloads the balance so the summary reflects concurrent
// spending, not the snapshot attached at authentication time.
func (a *App) CreditsForUser(userID string) (CreditsSummary, error) {
	user, ok, err := a.store.GetUserByID(userID)
	if err != nil {
		return CreditsSummary{}, Wrap(KindInternal, "account lookup failed", err)
	}
	if !ok {
		return CreditsSummary{}, E(KindUnauthenticated, "account not found")
	}
	return CreditsSummary{Credits: user.Credits, Subscription: user.Subscription}, nil
}

// UsageStats aggregates an account's lifetime generation activity.
type UsageStats struct {
	TotalRequests    int64            `json:"totalRequests"`
	LastRequestAt    *time.Time       `json:"lastRequestAt,omitempty"`
	TotalGenerations int64            `json:"totalGenerations"`
	CreditsUsed      int              `json:"creditsUsed"`
	ByType           []store.TypeStat `json:"byType"`
}

func (a *App) StatsForUser(userID string) (UsageStats, error) {
	user, ok, err := a.store.GetUserByID(userID)
	if err != nil {
		return UsageStats{}, Wrap(KindInternal, "account lookup failed", err)
	}
	if !ok {
		return UsageStats{}, E(KindUnauthenticated, "account not found")
	}
	total, err := a.store.CountGenerationsByUser(userID)
	if err != nil {
		return UsageStats{}, Wrap(KindInternal, "usage lookup failed", err)
	}
	byType, err := a.store.GenerationTypeStats(userID)
	if err != nil {
		return UsageStats{}, Wrap(KindInternal, "usage lookup failed", err)
	}
	if byType == nil {
		byType = []store.TypeStat{}
	}
	return UsageStats{
		TotalRequests:    user.Usage.TotalRequests,
		LastRequestAt:    user.Usage.LastRequestAt,
		TotalGenerations: total,
		CreditsUsed:      user.Credits.Used,
		ByType:           byType,
	}, nil
}

// DailyUsage is one day-and-type generation rollup row.
type DailyUsage struct {
	Date    string                `json:"date"` // YYYY-MM-DD, UTC
	Type    domain.GenerationType `json:"type"`
	Count   int64                 `json:"count"`
	Credits int64                 `json:"credits"`
}

// UsageHistoryForUser rolls generations up per UTC day and generation type
// over the requested span. Day/type pairs without activity are omitted. The
// rollup is computed here rather than in SQL so every store dialect behaves
// identically.
func (a *App) UsageHistoryForUser(userID string, days int) ([]DailyUsage, error) {
	if days <= 0 {
		days = defaultUsageDays
	}
	if days > maxUsageDays {
		days = maxUsageDays
	}
	since := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -(days - 1))
	gens, err := a.store.ListGenerationsSince(userID, since)
	if err != nil {
		return nil, Wrap(KindInternal, "usage lookup failed", err)
	}

	type dayType struct {
		day     string
		genType domain.GenerationType
	}
	rows := make(map[dayType]*DailyUsage)
	for _, g := range gens {
		key := dayType{day: g.CreatedAt.UTC().Format("2006-01-02"), genType: g.Type}
		entry, ok := rows[key]
		if !ok {
			entry = &DailyUsage{Date: key.day, Type: key.genType}
			rows[key] = entry
		}
		entry.Count++
		entry.Credits += int64(g.Credits)
	}

	out := make([]DailyUsage, 0, len(rows))
	for _, entry := range rows {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}
