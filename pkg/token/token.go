package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultAccessTTL bounds how long an access token authorizes requests.
	DefaultAccessTTL = 15 * time.Minute
	// DefaultRefreshTTL bounds how long a refresh token can be exchanged.
	DefaultRefreshTTL = 7 * 24 * time.Hour
	// DefaultLeeway is clock skew tolerance for token validation.
	DefaultLeeway = 30 * time.Second
)

var (
	// ErrTokenExpired indicates the token is past its expiry window.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenMalformed indicates an unparsable or badly signed token.
	ErrTokenMalformed = errors.New("token malformed")
)

// Claims is what a verified token carries: the account it was issued to
// and when it was issued. IssuedAt is compared against the account's
// password-change timestamp by the session guard.
type Claims struct {
	UserID   string
	IssuedAt time.Time
}

// Options configures an Issuer.
type Options struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Leeway        time.Duration
}

// Issuer mints and verifies HS256 access and refresh tokens. The two token
// classes are signed with distinct secrets so one can never verify as the
// other. Tokens are stateless; there is no server-side revocation list.
type Issuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	leeway        time.Duration
}

// NewIssuer builds an Issuer, applying defaults for unset TTLs.
func NewIssuer(opts Options) (*Issuer, error) {
	access := strings.TrimSpace(opts.AccessSecret)
	refresh := strings.TrimSpace(opts.RefreshSecret)
	if access == "" || refresh == "" {
		return nil, errors.New("token issuer requires access and refresh secrets")
	}
	if access == refresh {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = DefaultAccessTTL
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = DefaultRefreshTTL
	}
	if opts.Leeway <= 0 {
		opts.Leeway = DefaultLeeway
	}
	return &Issuer{
		accessSecret:  []byte(access),
		refreshSecret: []byte(refresh),
		accessTTL:     opts.AccessTTL,
		refreshTTL:    opts.RefreshTTL,
		leeway:        opts.Leeway,
	}, nil
}

// RefreshTTL reports the configured refresh token lifetime.
func (i *Issuer) RefreshTTL() time.Duration {
	return i.refreshTTL
}

// IssueAccess mints a short-lived access token for the user.
func (i *Issuer) IssueAccess(userID string) (string, error) {
	return i.issue(userID, i.accessSecret, i.accessTTL)
}

// IssueRefresh mints a long-lived refresh token for the user.
func (i *Issuer) IssueRefresh(userID string) (string, error) {
	return i.issue(userID, i.refreshSecret, i.refreshTTL)
}

func (i *Issuer) issue(userID string, secret []byte, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id required")
	}
	now := time.Now().UTC()
	// the jti makes two tokens minted in the same second distinct, which
	// refresh rotation relies on
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        newJTI(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func newJTI() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// VerifyAccess validates an access token and returns its claims.
func (i *Issuer) VerifyAccess(token string) (Claims, error) {
	return i.verify(token, i.accessSecret)
}

// VerifyRefresh validates a refresh token and returns its claims.
func (i *Issuer) VerifyRefresh(token string) (Claims, error) {
	return i.verify(token, i.refreshSecret)
}

func (i *Issuer) verify(token string, secret []byte) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrTokenMalformed
	}
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(i.leeway),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenMalformed
	}
	if !parsed.Valid {
		return Claims{}, ErrTokenMalformed
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" || claims.IssuedAt == nil {
		return Claims{}, ErrTokenMalformed
	}
	return Claims{
		UserID:   subject,
		IssuedAt: claims.IssuedAt.Time.UTC(),
	}, nil
}
