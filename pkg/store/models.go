package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID                 string `gorm:"primaryKey"`
	Name               string `gorm:"not null"`
	Email              string `gorm:"uniqueIndex;not null"`
	PasswordHash       string `gorm:"not null"`
	PasswordChangedAt  *time.Time
	RefreshTokenHash   string
	SubscriptionTier   string `gorm:"not null;index"`
	SubscriptionStatus string `gorm:"not null"`
	SubscriptionStart  time.Time
	SubscriptionEnd    *time.Time
	CreditsTotal       int   `gorm:"not null"`
	CreditsUsed        int   `gorm:"not null"`
	CreditsRemaining   int   `gorm:"not null"`
	TotalRequests      int64 `gorm:"not null"`
	LastRequestAt      *time.Time
	IsActive           bool      `gorm:"not null"`
	Role               string    `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time
}

type GenerationModel struct {
	ID           string `gorm:"primaryKey"`
	UserID       string `gorm:"not null;index:idx_generations_user_created"`
	Type         string `gorm:"not null;index"`
	Prompt       string `gorm:"type:text;not null"`
	Response     string `gorm:"type:text;not null"`
	Metadata     datatypes.JSON
	Credits      int    `gorm:"not null"`
	Status       string `gorm:"not null;index"`
	ErrorMessage string
	CreatedAt    time.Time `gorm:"not null;index:idx_generations_user_created"`
}
