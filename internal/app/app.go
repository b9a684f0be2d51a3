package app

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"nebulaai/internal/audit"
	"nebulaai/internal/util"
	"nebulaai/pkg/ai"
	"nebulaai/pkg/auth"
	"nebulaai/pkg/domain"
	"nebulaai/pkg/store"
	"nebulaai/pkg/token"
)

const defaultProviderTimeout = 60 * time.Second

// App implements the control-plane operations: account lifecycle, dual-token
// sessions, credit metering, subscriptions and the generation flow. Handlers
// in internal/server are thin wrappers around these methods.
type App struct {
	store           store.Store
	issuer          *token.Issuer
	generator       ai.Generator
	audit           audit.Publisher
	providerTimeout time.Duration
}

// New wires the App. publisher may be nil; audit events then only reach the
// structured log.
func New(st store.Store, issuer *token.Issuer, generator ai.Generator, publisher audit.Publisher, providerTimeout time.Duration) *App {
	if providerTimeout <= 0 {
		providerTimeout = defaultProviderTimeout
	}
	return &App{
		store:           st,
		issuer:          issuer,
		generator:       generator,
		audit:           publisher,
		providerTimeout: providerTimeout,
	}
}

// TokenPair is one issued access/refresh token set.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Register creates an account with the free-tier defaults and opens its
// first session.
func (a *App) Register(ctx context.Context, name, email, password string) (domain.User, TokenPair, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" {
		return domain.User{}, TokenPair{}, E(KindValidation, "name is required")
	}
	if err := validateEmail(email); err != nil {
		return domain.User{}, TokenPair{}, err
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, TokenPair{}, E(KindValidation, err.Error())
	}

	exists, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, TokenPair{}, Wrap(KindInternal, "account lookup failed", err)
	}
	if exists {
		return domain.User{}, TokenPair{}, E(KindValidation, "email already registered")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, TokenPair{}, Wrap(KindInternal, "password hashing failed", err)
	}

	now := time.Now().UTC()
	plan := domain.Plans[domain.TierFree]
	user := domain.User{
		ID:           util.NewID(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Subscription: domain.Subscription{
			Tier:      domain.TierFree,
			Status:    domain.SubscriptionActive,
			StartDate: now,
		},
		Credits:   domain.Credits{Total: plan.Credits, Used: 0},
		IsActive:  true,
		Role:      domain.RoleUser,
		CreatedAt: now,
		UpdatedAt: now,
	}
	user.Credits.Recalc()

	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, TokenPair{}, Wrap(KindInternal, "account creation failed", err)
	}

	pair, err := a.openSession(user.ID)
	if err != nil {
		return domain.User{}, TokenPair{}, err
	}
	audit.LogPublish(ctx, a.audit, audit.Event{Type: "user.registered", UserID: user.ID})
	return user, pair, nil
}

// Login authenticates credentials and opens a session, superseding any
// previously issued refresh token.
func (a *App) Login(ctx context.Context, email, password string) (domain.User, TokenPair, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return domain.User{}, TokenPair{}, E(KindValidation, "email and password are required")
	}

	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, TokenPair{}, Wrap(KindInternal, "account lookup failed", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, TokenPair{}, E(KindUnauthenticated, "invalid email or password")
	}
	if !user.IsActive {
		return domain.User{}, TokenPair{}, E(KindAccountDeactivated, "account is deactivated")
	}

	pair, err := a.openSession(user.ID)
	if err != nil {
		return domain.User{}, TokenPair{}, err
	}
	audit.LogPublish(ctx, a.audit, audit.Event{Type: "user.login", UserID: user.ID})
	return user, pair, nil
}

// Refresh exchanges a refresh token for a new pair. The stored slot is
// rotated with a compare-and-swap so a replayed or superseded token, or the
// loser of a concurrent refresh, is rejected.
func (a *App) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := a.issuer.VerifyRefresh(refreshToken)
	if err != nil {
		if errors.Is(err, token.ErrTokenExpired) {
			return TokenPair{}, E(KindTokenExpired, "refresh token expired")
		}
		return TokenPair{}, E(KindTokenInvalid, "invalid refresh token")
	}

	user, ok, err := a.store.GetUserByID(claims.UserID)
	if err != nil {
		return TokenPair{}, Wrap(KindInternal, "account lookup failed", err)
	}
	if !ok {
		return TokenPair{}, E(KindUnauthenticated, "account not found")
	}
	if !user.IsActive {
		return TokenPair{}, E(KindAccountDeactivated, "account is deactivated")
	}
	if stalePassword(user, claims.IssuedAt) {
		return TokenPair{}, E(KindStalePassword, "password changed, please log in again")
	}

	access, err := a.issuer.IssueAccess(user.ID)
	if err != nil {
		return TokenPair{}, Wrap(KindInternal, "token issuance failed", err)
	}
	newRefresh, err := a.issuer.IssueRefresh(user.ID)
	if err != nil {
		return TokenPair{}, Wrap(KindInternal, "token issuance failed", err)
	}

	err = a.store.RotateRefreshToken(user.ID, store.HashRefreshToken(refreshToken), store.HashRefreshToken(newRefresh))
	if errors.Is(err, store.ErrRefreshTokenMismatch) {
		return TokenPair{}, E(KindUnauthenticated, "refresh token superseded")
	}
	if err != nil {
		return TokenPair{}, Wrap(KindInternal, "session rotation failed", err)
	}
	audit.LogPublish(ctx, a.audit, audit.Event{Type: "user.refresh", UserID: user.ID})
	return TokenPair{AccessToken: access, RefreshToken: newRefresh}, nil
}

// Logout clears the account's refresh slot. Outstanding access tokens stay
// valid until they expire.
func (a *App) Logout(ctx context.Context, userID string) error {
	if err := a.store.ClearRefreshToken(userID); err != nil && !errors.Is(err, store.ErrUserNotFound) {
		return Wrap(KindInternal, "logout failed", err)
	}
	audit.LogPublish(ctx, a.audit, audit.Event{Type: "user.logout", UserID: userID})
	return nil
}

// UserFromAccessToken is the protected-route gate: verify the token, load
// the account, enforce activation and password-rotation rules. Terminal on
// the first failure.
func (a *App) UserFromAccessToken(raw string) (domain.User, error) {
	if strings.TrimSpace(raw) == "" {
		return domain.User{}, E(KindUnauthenticated, "missing access token")
	}
	claims, err := a.issuer.VerifyAccess(raw)
	if err != nil {
		if errors.Is(err, token.ErrTokenExpired) {
			return domain.User{}, E(KindTokenExpired, "access token expired")
		}
		return domain.User{}, E(KindTokenInvalid, "invalid access token")
	}

	user, ok, err := a.store.GetUserByID(claims.UserID)
	if err != nil {
		return domain.User{}, Wrap(KindInternal, "account lookup failed", err)
	}
	if !ok {
		return domain.User{}, E(KindUnauthenticated, "account not found")
	}
	if !user.IsActive {
		return domain.User{}, E(KindAccountDeactivated, "account is deactivated")
	}
	if stalePassword(user, claims.IssuedAt) {
		return domain.User{}, E(KindStalePassword, "password changed, please log in again")
	}
	return user, nil
}

// UpdateProfile changes name and/or email. Empty fields are left untouched.
func (a *App) UpdateProfile(ctx context.Context, userID, name, email string) (domain.User, error) {
	user, ok, err := a.store.GetUserByID(userID)
	if err != nil {
		return domain.User{}, Wrap(KindInternal, "account lookup failed", err)
	}
	if !ok {
		return domain.User{}, E(KindUnauthenticated, "account not found")
	}

	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" && email == "" {
		return domain.User{}, E(KindValidation, "nothing to update")
	}
	if email == user.Email {
		email = ""
	}
	if email != "" {
		if err := validateEmail(email); err != nil {
			return domain.User{}, err
		}
		exists, err := a.store.HasUserEmail(email)
		if err != nil {
			return domain.User{}, Wrap(KindInternal, "account lookup failed", err)
		}
		if exists {
			return domain.User{}, E(KindValidation, "email already registered")
		}
	}
	if err := a.store.UpdateUserProfile(userID, name, email); err != nil {
		return domain.User{}, Wrap(KindInternal, "profile update failed", err)
	}
	if name != "" {
		user.Name = name
	}
	if email != "" {
		user.Email = email
	}
	user.UpdatedAt = time.Now().UTC()
	return user, nil
}

// ChangePassword rehashes the credential and invalidates every outstanding
// token: the password-changed stamp is backdated one second so tokens issued
// in the same second fail the stale-password check, and the refresh slot is
// cleared.
func (a *App) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, ok, err := a.store.GetUserByID(userID)
	if err != nil {
		return Wrap(KindInternal, "account lookup failed", err)
	}
	if !ok {
		return E(KindUnauthenticated, "account not found")
	}
	if !auth.CheckPassword(current, user.PasswordHash) {
		return E(KindUnauthenticated, "current password is incorrect")
	}
	if err := auth.ValidatePassword(next); err != nil {
		return E(KindValidation, err.Error())
	}

	hash, err := auth.HashPassword(next)
	if err != nil {
		return Wrap(KindInternal, "password hashing failed", err)
	}
	changedAt := time.Now().UTC().Add(-time.Second)
	if err := a.store.UpdatePassword(userID, hash, changedAt); err != nil {
		return Wrap(KindInternal, "password change failed", err)
	}
	audit.LogPublish(ctx, a.audit, audit.Event{Type: "user.password_changed", UserID: userID})
	return nil
}

func (a *App) openSession(userID string) (TokenPair, error) {
	access, err := a.issuer.IssueAccess(userID)
	if err != nil {
		return TokenPair{}, Wrap(KindInternal, "token issuance failed", err)
	}
	refresh, err := a.issuer.IssueRefresh(userID)
	if err != nil {
		return TokenPair{}, Wrap(KindInternal, "token issuance failed", err)
	}
	if err := a.store.SetRefreshToken(userID, store.HashRefreshToken(refresh)); err != nil {
		return TokenPair{}, Wrap(KindInternal, "session persistence failed", err)
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// stalePassword reports whether the token predates the last password change.
// Comparison is at epoch-second granularity, matching token issued-at.
func stalePassword(user domain.User, issuedAt time.Time) bool {
	return user.PasswordChangedAt != nil && user.PasswordChangedAt.Unix() > issuedAt.Unix()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if email == "" {
		return E(KindValidation, "email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return E(KindValidation, "invalid email address")
	}
	return nil
}
