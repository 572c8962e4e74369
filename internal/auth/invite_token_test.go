package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestInviteIssuerIssuesSignedInvites(t *testing.T) {
	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewInviteIssuer(InviteIssuerConfig{
		SigningSecret: []byte("invite-secret"),
		TokenTTL:      time.Hour,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresAt, err := issuer.IssueInviteToken(context.Background(), "pairing-1", "user-a")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	claims := &InviteClaims{}
	_, err = jwt.NewParser(jwt.WithoutClaimsValidation()).ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("invite-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.PairingID != "pairing-1" || claims.InviterID != "user-a" {
		t.Fatalf("unexpected invite claims %#v", claims)
	}
	if claims.Issuer != defaultInviteIssuer {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != defaultInviteAudience {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestInviteIssuerRejectsMissingSecret(t *testing.T) {
	if _, err := NewInviteIssuer(InviteIssuerConfig{}); !errors.Is(err, ErrMissingInviteSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
	if _, err := NewInviteIssuer(InviteIssuerConfig{SigningSecret: []byte("s"), TokenTTL: -time.Minute}); !errors.Is(err, ErrInvalidInviteTTL) {
		t.Fatalf("expected invalid ttl error, got %v", err)
	}
}

func TestInviteIssuerValidatesIssuedTokens(t *testing.T) {
	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	current := now
	issuer, err := NewInviteIssuer(InviteIssuerConfig{
		SigningSecret: []byte("another-secret"),
		TokenTTL:      15 * time.Minute,
		Clock:         func() time.Time { return current },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := issuer.IssueInviteToken(context.Background(), "pairing-9", "user-b")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	claims, err := issuer.ValidateInviteToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if claims.PairingID != "pairing-9" {
		t.Fatalf("unexpected pairing %s", claims.PairingID)
	}

	if _, err := issuer.ValidateInviteToken("invalid.token"); !errors.Is(err, ErrInvalidInviteToken) {
		t.Fatalf("expected validation to fail for malformed token, got %v", err)
	}

	current = now.Add(time.Hour)
	if _, err := issuer.ValidateInviteToken(tokenString); !errors.Is(err, ErrExpiredInviteToken) {
		t.Fatalf("expected expired invite, got %v", err)
	}
}

func TestInviteIssuerRejectsTokensForOtherAudiences(t *testing.T) {
	foreignIssuer, err := NewInviteIssuer(InviteIssuerConfig{
		SigningSecret: []byte("shared-secret"),
		Audience:      "some-other-audience",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	inviteIssuer, err := NewInviteIssuer(InviteIssuerConfig{SigningSecret: []byte("shared-secret")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := foreignIssuer.IssueInviteToken(context.Background(), "pairing-1", "user-a")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	if _, err := inviteIssuer.ValidateInviteToken(tokenString); !errors.Is(err, ErrInvalidInviteToken) {
		t.Fatalf("expected audience mismatch to be rejected, got %v", err)
	}
}
