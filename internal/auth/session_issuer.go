package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionTTL = 12 * time.Hour

var errMissingIssuerSigningKey = errors.New("session issuer: signing key required")

// SessionIssuerConfig configures the local session issuer. The production
// agent receives tokens from the Tavola auth service; this issuer backs the
// memory-driver development mode and the test suite.
type SessionIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	SessionTTL    time.Duration
	Clock         func() time.Time
}

// SessionIssuer mints HS256 session JWTs compatible with SessionValidator.
type SessionIssuer struct {
	config SessionIssuerConfig
	clock  func() time.Time
}

// NewSessionIssuer constructs a SessionIssuer with sane defaults.
func NewSessionIssuer(cfg SessionIssuerConfig) (*SessionIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingIssuerSigningKey
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionIssuer{config: cfg, clock: clock}, nil
}

// IssueSessionToken signs a session token for the provided staff identity.
func (i *SessionIssuer) IssueSessionToken(userID, displayName, role, tenantID string) (string, error) {
	now := i.clock().UTC()
	claims := SessionClaims{
		UserID:          userID,
		UserDisplayName: displayName,
		UserRole:        role,
		TenantID:        tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.config.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.config.SessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.config.SigningSecret)
}
