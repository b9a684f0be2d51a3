package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"nebulaai/pkg/domain"
)

var (
	// ErrUserNotFound indicates the target account does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrInsufficientCredits indicates a deduction would overdraw the balance.
	// The balance is left unchanged.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrRefreshTokenMismatch indicates the presented refresh token is not the
	// account's current slot (rotated away, cleared, or never issued).
	ErrRefreshTokenMismatch = errors.New("refresh token mismatch")
)

// TypeStat is a per-generation-type aggregate for one account.
type TypeStat struct {
	Type    domain.GenerationType `json:"type" gorm:"column:type"`
	Count   int64                 `json:"count" gorm:"column:count"`
	Credits int64                 `json:"credits" gorm:"column:credits"`
}

// Store defines persistence operations for accounts and generation records.
//
// DeductCredits and RotateRefreshToken are the two concurrency-sensitive
// operations: both must be atomic check-and-set on the account row so that
// concurrent requests cannot overdraw a balance or install two different
// refresh tokens from the same predecessor.
type Store interface {
	// users
	SaveUser(domain.User) error
	GetUserByID(id string) (domain.User, bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	HasUserEmail(email string) (bool, error)

	// UpdateUserProfile and UpdatePassword write only the columns they name,
	// so concurrent ledger updates on the same row are never clobbered by a
	// stale full-row save. Empty profile fields are left unchanged.
	// UpdatePassword also clears the refresh token slot.
	UpdateUserProfile(userID, name, email string) error
	UpdatePassword(userID, passwordHash string, changedAt time.Time) error

	// refresh token slot (single concurrently valid session per account)
	SetRefreshToken(userID, tokenHash string) error
	RotateRefreshToken(userID, oldHash, newHash string) error
	ClearRefreshToken(userID string) error

	// credit ledger
	DeductCredits(userID string, amount int) (domain.Credits, error)
	AddCredits(userID string, amount int) (domain.Credits, error)
	SetSubscription(userID string, sub domain.Subscription, credits domain.Credits) error

	// generation records
	SaveGeneration(domain.Generation) error
	GetGeneration(id string) (domain.Generation, bool, error)
	ListGenerationsByUser(userID string, limit, offset int) ([]domain.Generation, error)
	ListGenerationsSince(userID string, since time.Time) ([]domain.Generation, error)
	DeleteGeneration(id string) error
	CountGenerationsByUser(userID string) (int64, error)
	GenerationTypeStats(userID string) ([]TypeStat, error)
}

// HashRefreshToken derives the stored slot value from a raw refresh token.
// Only the hash is persisted so a database leak does not expose live tokens.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
