package pairings

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/internal/auth"
	"github.com/MarcoPoloResearchLab/tandem/internal/exercise"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticActivity map[string]bool

func (activity staticActivity) IsActive(_ context.Context, userID string) (bool, error) {
	return activity[userID], nil
}

func newTestService(t *testing.T, activity staticActivity) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:tandem_pairings_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Pairing{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	invites, err := auth.NewInviteIssuer(auth.InviteIssuerConfig{SigningSecret: []byte("invite-secret")})
	if err != nil {
		t.Fatalf("failed to construct invite issuer: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Users:    activity,
		Invites:  invites,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func TestInviteAcceptFlowActivatesPairing(t *testing.T) {
	service := newTestService(t, staticActivity{"alice": true, "bob": true})
	ctx := context.Background()

	invite, err := service.CreateInvite(ctx, "alice")
	if err != nil {
		t.Fatalf("create invite failed: %v", err)
	}
	if invite.Token == "" || invite.PairingID == "" {
		t.Fatalf("unexpected invite %+v", invite)
	}

	again, err := service.CreateInvite(ctx, "alice")
	if err != nil {
		t.Fatalf("second invite failed: %v", err)
	}
	if again.PairingID != invite.PairingID {
		t.Fatalf("expected pending pairing to be reused")
	}

	if _, err := service.AcceptInvite(ctx, invite.Token, "alice"); !errors.Is(err, ErrSelfInvite) {
		t.Fatalf("expected self invite error, got %v", err)
	}

	pairing, err := service.AcceptInvite(ctx, invite.Token, "bob")
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if pairing.Status != StatusActive || pairing.MemberB != "bob" {
		t.Fatalf("unexpected pairing %+v", pairing)
	}
	if pairing.Partner("bob") != "alice" {
		t.Fatalf("unexpected partner %s", pairing.Partner("bob"))
	}

	resolved, err := service.ResolvePairing(ctx, "alice")
	if err != nil || resolved.PairingID != pairing.PairingID {
		t.Fatalf("expected alice to resolve to the pairing, got %+v (%v)", resolved, err)
	}

	members, err := service.Members(ctx, exercise.PairingID(pairing.PairingID))
	if err != nil {
		t.Fatalf("members failed: %v", err)
	}
	if members.First != "alice" || members.Second != "bob" {
		t.Fatalf("unexpected members %+v", members)
	}

	if _, err := service.AcceptInvite(ctx, invite.Token, "carol"); !errors.Is(err, ErrInviteUnavailable) {
		t.Fatalf("expected used invite to be unavailable, got %v", err)
	}
	if _, err := service.CreateInvite(ctx, "bob"); !errors.Is(err, ErrAlreadyPaired) {
		t.Fatalf("expected already paired, got %v", err)
	}
}

func TestMembersRefusesInactiveUsersAndDissolvedPairings(t *testing.T) {
	activity := staticActivity{"alice": true, "bob": true}
	service := newTestService(t, activity)
	ctx := context.Background()

	invite, err := service.CreateInvite(ctx, "alice")
	if err != nil {
		t.Fatalf("create invite failed: %v", err)
	}
	if _, err := service.Members(ctx, exercise.PairingID(invite.PairingID)); !errors.Is(err, exercise.ErrNotAuthorized) {
		t.Fatalf("expected pending pairing to be refused, got %v", err)
	}

	pairing, err := service.AcceptInvite(ctx, invite.Token, "bob")
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	activity["bob"] = false
	if _, err := service.Members(ctx, exercise.PairingID(pairing.PairingID)); !errors.Is(err, exercise.ErrNotAuthorized) {
		t.Fatalf("expected inactive member to be refused, got %v", err)
	}
	activity["bob"] = true

	dissolved, err := service.Dissolve(ctx, "bob")
	if err != nil {
		t.Fatalf("dissolve failed: %v", err)
	}
	if dissolved.Status != StatusDissolved || dissolved.DissolvedAt == nil {
		t.Fatalf("unexpected dissolved pairing %+v", dissolved)
	}
	if _, err := service.Members(ctx, exercise.PairingID(pairing.PairingID)); !errors.Is(err, exercise.ErrNotAuthorized) {
		t.Fatalf("expected dissolved pairing to be refused, got %v", err)
	}
	if _, err := service.ResolvePairing(ctx, "alice"); !errors.Is(err, ErrPairingNotFound) {
		t.Fatalf("expected no active pairing, got %v", err)
	}
}

func TestAcceptInviteRejectsForgedTokens(t *testing.T) {
	service := newTestService(t, staticActivity{"alice": true, "bob": true})
	if _, err := service.AcceptInvite(context.Background(), "not-a-token", "bob"); !errors.Is(err, auth.ErrInvalidInviteToken) {
		t.Fatalf("expected invalid invite token, got %v", err)
	}
}
