package domain

import "time"

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type SubscriptionTier string

const (
	TierFree       SubscriptionTier = "free"
	TierPro        SubscriptionTier = "pro"
	TierEnterprise SubscriptionTier = "enterprise"
)

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

type GenerationType string

const (
	GenerationText     GenerationType = "text"
	GenerationAnalysis GenerationType = "analysis"
	GenerationSummary  GenerationType = "summary"
	GenerationImage    GenerationType = "image"
)

type GenerationStatus string

const (
	GenerationPending   GenerationStatus = "pending"
	GenerationCompleted GenerationStatus = "completed"
	GenerationFailed    GenerationStatus = "failed"
)

// Credits is an account's metering balance. Remaining is derived state;
// Recalc is the single place the invariant remaining = total - used is
// enforced, and must be called after every mutation of Total or Used.
type Credits struct {
	Total     int `json:"total"`
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
}

// Recalc re-derives Remaining from Total and Used.
func (c *Credits) Recalc() {
	c.Remaining = c.Total - c.Used
}

type Subscription struct {
	Tier      SubscriptionTier   `json:"tier"`
	Status    SubscriptionStatus `json:"status"`
	StartDate time.Time          `json:"startDate"`
	EndDate   *time.Time         `json:"endDate,omitempty"`
}

type UsageCounters struct {
	TotalRequests int64      `json:"totalRequests"`
	LastRequestAt *time.Time `json:"lastRequestAt,omitempty"`
}

type User struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Email             string        `json:"email"`
	PasswordHash      string        `json:"-"`
	PasswordChangedAt *time.Time    `json:"-"`
	RefreshTokenHash  string        `json:"-"`
	Subscription      Subscription  `json:"subscription"`
	Credits           Credits       `json:"credits"`
	Usage             UsageCounters `json:"usage"`
	IsActive          bool          `json:"isActive"`
	Role              UserRole      `json:"role"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// GenerationMetadata records provider-reported details for one generation.
type GenerationMetadata struct {
	Model      string `json:"model,omitempty"`
	Tokens     int    `json:"tokens,omitempty"`
	DurationMS int64  `json:"duration,omitempty"`
}

type Generation struct {
	ID        string             `json:"id"`
	UserID    string             `json:"userId"`
	Type      GenerationType     `json:"type"`
	Prompt    string             `json:"prompt"`
	Response  string             `json:"response"`
	Metadata  GenerationMetadata `json:"metadata"`
	Credits   int                `json:"credits"`
	Status    GenerationStatus   `json:"status"`
	Error     string             `json:"error,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

// Plan describes a subscription tier's allotment and price.
type Plan struct {
	Credits  int `json:"credits"`
	PriceUSD int `json:"price"`
}

// Plans is the fixed tier table. Subscribing replaces the account balance
// with the plan's allotment; it is never additive.
var Plans = map[SubscriptionTier]Plan{
	TierFree:       {Credits: 100, PriceUSD: 0},
	TierPro:        {Credits: 1000, PriceUSD: 20},
	TierEnterprise: {Credits: 10000, PriceUSD: 100},
}

// ParseTier validates a tier string against the plan table.
func ParseTier(raw string) (SubscriptionTier, bool) {
	tier := SubscriptionTier(raw)
	_, ok := Plans[tier]
	return tier, ok
}

// ParseGenerationType validates a generation type string.
func ParseGenerationType(raw string) (GenerationType, bool) {
	switch GenerationType(raw) {
	case GenerationText, GenerationAnalysis, GenerationSummary, GenerationImage:
		return GenerationType(raw), true
	default:
		return "", false
	}
}
