package auth

import (
	"errors"
	"testing"
	"time"
)

const (
	testSigningSecret = "unit-test-secret"
	testIssuer        = "tavola-auth"
)

func newTestValidator(t *testing.T, clock func() time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func newTestIssuer(t *testing.T, clock func() time.Time) *SessionIssuer {
	t.Helper()
	issuer, err := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		SessionTTL:    time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	return issuer
}

func TestSessionRoundTrip(t *testing.T) {
	now := time.Unix(1767000000, 0).UTC()
	clock := func() time.Time { return now }

	issuer := newTestIssuer(t, clock)
	validator := newTestValidator(t, clock)

	token, err := issuer.IssueSessionToken("cashier1", "Cashier One", "cashier", "resto-1")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("failed to validate token: %v", err)
	}
	if claims.UserID != "cashier1" {
		t.Fatalf("expected user cashier1, got %q", claims.UserID)
	}
	if claims.UserRole != "cashier" {
		t.Fatalf("expected role cashier, got %q", claims.UserRole)
	}
	if claims.TenantID != "resto-1" {
		t.Fatalf("expected tenant resto-1, got %q", claims.TenantID)
	}
}

func TestSessionRejectsExpiredToken(t *testing.T) {
	issuedAt := time.Unix(1767000000, 0).UTC()
	issuer := newTestIssuer(t, func() time.Time { return issuedAt })
	validator := newTestValidator(t, func() time.Time { return issuedAt.Add(2 * time.Hour) })

	token, err := issuer.IssueSessionToken("manager1", "Manager One", "manager", "resto-1")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionRejectsWrongIssuer(t *testing.T) {
	now := time.Unix(1767000000, 0).UTC()
	clock := func() time.Time { return now }

	issuer, err := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "someone-else",
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	validator := newTestValidator(t, clock)

	token, err := issuer.IssueSessionToken("admin", "Admin", "admin", "resto-1")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestSessionRejectsEmptyToken(t *testing.T) {
	validator := newTestValidator(t, nil)
	if _, err := validator.ValidateToken("   "); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}
