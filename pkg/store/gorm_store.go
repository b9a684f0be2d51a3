package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"nebulaai/pkg/domain"
)

// GormStore persists accounts and generation records through GORM.
// Production uses Postgres; tests inject a sqlite dialector.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore connects to Postgres and migrates the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	return NewGormStoreWithDialector(postgres.Open(dsn))
}

// NewGormStoreWithDialector opens the store over an arbitrary GORM dialector.
func NewGormStoreWithDialector(dialector gorm.Dialector) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &GenerationModel{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) SaveUser(u domain.User) error {
	m := userToModel(u)
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "email", "password_hash", "password_changed_at",
			"refresh_token_hash", "subscription_tier", "subscription_status",
			"subscription_start", "subscription_end",
			"credits_total", "credits_used", "credits_remaining",
			"total_requests", "last_request_at", "is_active", "role", "updated_at",
		}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var m UserModel
	err := s.db.First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, fmt.Errorf("get user: %w", err)
	}
	return userFromModel(m), true, nil
}

func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var m UserModel
	err := s.db.First(&m, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, fmt.Errorf("get user by email: %w", err)
	}
	return userFromModel(m), true, nil
}

func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count users by email: %w", err)
	}
	return count > 0, nil
}

// UpdateUserProfile writes only name/email so a concurrent credit deduction
// on the same row is never rolled back by a stale snapshot.
func (s *GormStore) UpdateUserProfile(userID, name, email string) error {
	fields := map[string]any{"updated_at": time.Now().UTC()}
	if name != "" {
		fields["name"] = name
	}
	if email != "" {
		fields["email"] = email
	}
	res := s.db.Model(&UserModel{}).Where("id = ?", userID).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update profile: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdatePassword installs the new hash, stamps the change time and clears
// the refresh token slot in one column-scoped update.
func (s *GormStore) UpdatePassword(userID, passwordHash string, changedAt time.Time) error {
	res := s.db.Model(&UserModel{}).Where("id = ?", userID).Updates(map[string]any{
		"password_hash":       passwordHash,
		"password_changed_at": changedAt,
		"refresh_token_hash":  "",
		"updated_at":          time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("update password: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *GormStore) SetRefreshToken(userID, tokenHash string) error {
	res := s.db.Model(&UserModel{}).Where("id = ?", userID).Updates(map[string]any{
		"refresh_token_hash": tokenHash,
		"updated_at":         time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("set refresh token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// RotateRefreshToken replaces the stored slot only when it still holds
// oldHash. A concurrent rotation or a replayed token loses the race and
// gets ErrRefreshTokenMismatch.
func (s *GormStore) RotateRefreshToken(userID, oldHash, newHash string) error {
	res := s.db.Model(&UserModel{}).
		Where("id = ? AND refresh_token_hash = ?", userID, oldHash).
		Updates(map[string]any{
			"refresh_token_hash": newHash,
			"updated_at":         time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("rotate refresh token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRefreshTokenMismatch
	}
	return nil
}

func (s *GormStore) ClearRefreshToken(userID string) error {
	res := s.db.Model(&UserModel{}).Where("id = ?", userID).Updates(map[string]any{
		"refresh_token_hash": "",
		"updated_at":         time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("clear refresh token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// DeductCredits charges the account atomically. The conditional UPDATE only
// matches when the remaining balance covers the amount, so concurrent
// deductions can never overdraw.
func (s *GormStore) DeductCredits(userID string, amount int) (domain.Credits, error) {
	if amount <= 0 {
		return domain.Credits{}, fmt.Errorf("deduct credits: amount must be positive, got %d", amount)
	}
	now := time.Now().UTC()
	res := s.db.Model(&UserModel{}).
		Where("id = ? AND credits_remaining >= ?", userID, amount).
		Updates(map[string]any{
			"credits_used":      gorm.Expr("credits_used + ?", amount),
			"credits_remaining": gorm.Expr("credits_remaining - ?", amount),
			"total_requests":    gorm.Expr("total_requests + 1"),
			"last_request_at":   now,
			"updated_at":        now,
		})
	if res.Error != nil {
		return domain.Credits{}, fmt.Errorf("deduct credits: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		_, ok, err := s.GetUserByID(userID)
		if err != nil {
			return domain.Credits{}, err
		}
		if !ok {
			return domain.Credits{}, ErrUserNotFound
		}
		return domain.Credits{}, ErrInsufficientCredits
	}
	return s.credits(userID)
}

func (s *GormStore) AddCredits(userID string, amount int) (domain.Credits, error) {
	if amount <= 0 {
		return domain.Credits{}, fmt.Errorf("add credits: amount must be positive, got %d", amount)
	}
	res := s.db.Model(&UserModel{}).Where("id = ?", userID).Updates(map[string]any{
		"credits_total":     gorm.Expr("credits_total + ?", amount),
		"credits_remaining": gorm.Expr("credits_remaining + ?", amount),
		"updated_at":        time.Now().UTC(),
	})
	if res.Error != nil {
		return domain.Credits{}, fmt.Errorf("add credits: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.Credits{}, ErrUserNotFound
	}
	return s.credits(userID)
}

// SetSubscription installs a new plan and replaces the credit balance with
// the plan allotment.
func (s *GormStore) SetSubscription(userID string, sub domain.Subscription, credits domain.Credits) error {
	res := s.db.Model(&UserModel{}).Where("id = ?", userID).Updates(map[string]any{
		"subscription_tier":   string(sub.Tier),
		"subscription_status": string(sub.Status),
		"subscription_start":  sub.StartDate,
		"subscription_end":    sub.EndDate,
		"credits_total":       credits.Total,
		"credits_used":        credits.Used,
		"credits_remaining":   credits.Remaining,
		"updated_at":          time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("set subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *GormStore) credits(userID string) (domain.Credits, error) {
	var m UserModel
	if err := s.db.Select("credits_total", "credits_used", "credits_remaining").
		First(&m, "id = ?", userID).Error; err != nil {
		return domain.Credits{}, fmt.Errorf("reload credits: %w", err)
	}
	return domain.Credits{Total: m.CreditsTotal, Used: m.CreditsUsed, Remaining: m.CreditsRemaining}, nil
}

func (s *GormStore) SaveGeneration(g domain.Generation) error {
	m, err := generationToModel(g)
	if err != nil {
		return err
	}
	err = s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"response", "metadata", "credits", "status", "error_message",
		}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("save generation: %w", err)
	}
	return nil
}

func (s *GormStore) GetGeneration(id string) (domain.Generation, bool, error) {
	var m GenerationModel
	err := s.db.First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Generation{}, false, nil
	}
	if err != nil {
		return domain.Generation{}, false, fmt.Errorf("get generation: %w", err)
	}
	g, err := generationFromModel(m)
	if err != nil {
		return domain.Generation{}, false, err
	}
	return g, true, nil
}

func (s *GormStore) ListGenerationsByUser(userID string, limit, offset int) ([]domain.Generation, error) {
	var models []GenerationModel
	q := s.db.Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	out := make([]domain.Generation, 0, len(models))
	for _, m := range models {
		g, err := generationFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *GormStore) ListGenerationsSince(userID string, since time.Time) ([]domain.Generation, error) {
	var models []GenerationModel
	err := s.db.Where("user_id = ? AND created_at >= ?", userID, since).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list generations since: %w", err)
	}
	out := make([]domain.Generation, 0, len(models))
	for _, m := range models {
		g, err := generationFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *GormStore) DeleteGeneration(id string) error {
	res := s.db.Delete(&GenerationModel{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete generation: %w", res.Error)
	}
	return nil
}

func (s *GormStore) CountGenerationsByUser(userID string) (int64, error) {
	var count int64
	err := s.db.Model(&GenerationModel{}).Where("user_id = ?", userID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count generations: %w", err)
	}
	return count, nil
}

func (s *GormStore) GenerationTypeStats(userID string) ([]TypeStat, error) {
	var rows []TypeStat
	err := s.db.Model(&GenerationModel{}).
		Select("type, COUNT(*) AS count, COALESCE(SUM(credits), 0) AS credits").
		Where("user_id = ?", userID).
		Group("type").
		Order("type ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("generation type stats: %w", err)
	}
	return rows, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:                 u.ID,
		Name:               u.Name,
		Email:              u.Email,
		PasswordHash:       u.PasswordHash,
		PasswordChangedAt:  u.PasswordChangedAt,
		RefreshTokenHash:   u.RefreshTokenHash,
		SubscriptionTier:   string(u.Subscription.Tier),
		SubscriptionStatus: string(u.Subscription.Status),
		SubscriptionStart:  u.Subscription.StartDate,
		SubscriptionEnd:    u.Subscription.EndDate,
		CreditsTotal:       u.Credits.Total,
		CreditsUsed:        u.Credits.Used,
		CreditsRemaining:   u.Credits.Remaining,
		TotalRequests:      u.Usage.TotalRequests,
		LastRequestAt:      u.Usage.LastRequestAt,
		IsActive:           u.IsActive,
		Role:               string(u.Role),
		CreatedAt:          u.CreatedAt,
		UpdatedAt:          u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:                m.ID,
		Name:              m.Name,
		Email:             m.Email,
		PasswordHash:      m.PasswordHash,
		PasswordChangedAt: m.PasswordChangedAt,
		RefreshTokenHash:  m.RefreshTokenHash,
		Subscription: domain.Subscription{
			Tier:      domain.SubscriptionTier(m.SubscriptionTier),
			Status:    domain.SubscriptionStatus(m.SubscriptionStatus),
			StartDate: m.SubscriptionStart,
			EndDate:   m.SubscriptionEnd,
		},
		Credits: domain.Credits{
			Total:     m.CreditsTotal,
			Used:      m.CreditsUsed,
			Remaining: m.CreditsRemaining,
		},
		Usage: domain.UsageCounters{
			TotalRequests: m.TotalRequests,
			LastRequestAt: m.LastRequestAt,
		},
		IsActive:  m.IsActive,
		Role:      domain.UserRole(m.Role),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func generationToModel(g domain.Generation) (GenerationModel, error) {
	meta, err := json.Marshal(g.Metadata)
	if err != nil {
		return GenerationModel{}, fmt.Errorf("marshal generation metadata: %w", err)
	}
	return GenerationModel{
		ID:           g.ID,
		UserID:       g.UserID,
		Type:         string(g.Type),
		Prompt:       g.Prompt,
		Response:     g.Response,
		Metadata:     datatypes.JSON(meta),
		Credits:      g.Credits,
		Status:       string(g.Status),
		ErrorMessage: g.Error,
		CreatedAt:    g.CreatedAt,
	}, nil
}

func generationFromModel(m GenerationModel) (domain.Generation, error) {
	var meta domain.GenerationMetadata
	if len(m.Metadata) > 0 {
		if err := json.Unmarshal(m.Metadata, &meta); err != nil {
			return domain.Generation{}, fmt.Errorf("unmarshal generation metadata: %w", err)
		}
	}
	return domain.Generation{
		ID:        m.ID,
		UserID:    m.UserID,
		Type:      domain.GenerationType(m.Type),
		Prompt:    m.Prompt,
		Response:  m.Response,
		Metadata:  meta,
		Credits:   m.Credits,
		Status:    domain.GenerationStatus(m.Status),
		Error:     m.ErrorMessage,
		CreatedAt: m.CreatedAt,
	}, nil
}
