package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultInviteTTL      = 7 * 24 * time.Hour
	defaultInviteIssuer   = "tandem-api"
	defaultInviteAudience = "tandem-pairing"
)

var (
	ErrMissingInviteSecret = errors.New("invite issuer: signing secret required")
	ErrInvalidInviteTTL    = errors.New("invite issuer: ttl must be positive")
	ErrInvalidInviteToken  = errors.New("invite issuer: invalid token")
	ErrExpiredInviteToken  = errors.New("invite issuer: token expired")
	ErrMissingInviteClaims = errors.New("invite issuer: pairing and inviter required")
)

// InviteClaims binds an invite link to the pending pairing it joins.
type InviteClaims struct {
	PairingID string `json:"pairing_id"`
	InviterID string `json:"inviter_id"`
	jwt.RegisteredClaims
}

// InviteIssuerConfig configures invite token signing.
type InviteIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// InviteIssuer signs and verifies pairing invite tokens.
type InviteIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

// NewInviteIssuer constructs an InviteIssuer. A zero TTL falls back to seven days.
func NewInviteIssuer(cfg InviteIssuerConfig) (*InviteIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingInviteSecret
	}
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = defaultInviteTTL
	}
	if ttl < 0 {
		return nil, ErrInvalidInviteTTL
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultInviteIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultInviteAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &InviteIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// IssueInviteToken signs an invite for pairingID on behalf of inviterID and returns the token
// with its expiry.
func (i *InviteIssuer) IssueInviteToken(_ context.Context, pairingID, inviterID string) (string, time.Time, error) {
	pairingID = strings.TrimSpace(pairingID)
	inviterID = strings.TrimSpace(inviterID)
	if pairingID == "" || inviterID == "" {
		return "", time.Time{}, ErrMissingInviteClaims
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := InviteClaims{
		PairingID: pairingID,
		InviterID: inviterID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   pairingID,
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateInviteToken verifies signature, issuer, audience and expiry.
func (i *InviteIssuer) ValidateInviteToken(tokenString string) (InviteClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return InviteClaims{}, ErrInvalidInviteToken
	}

	claims := &InviteClaims{}
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return InviteClaims{}, ErrExpiredInviteToken
		}
		return InviteClaims{}, fmt.Errorf("%w: %v", ErrInvalidInviteToken, err)
	}
	if strings.TrimSpace(claims.PairingID) == "" || strings.TrimSpace(claims.InviterID) == "" {
		return InviteClaims{}, ErrMissingInviteClaims
	}
	return *claims, nil
}
