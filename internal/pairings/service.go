package pairings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/internal/auth"
	"github.com/MarcoPoloResearchLab/tandem/internal/exercise"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrPairingNotFound indicates the user has no pairing in the requested state.
	ErrPairingNotFound = errors.New("pairings: pairing not found")
	// ErrAlreadyPaired indicates the user already belongs to an active pairing.
	ErrAlreadyPaired = errors.New("pairings: user already paired")
	// ErrSelfInvite indicates the inviter tried to accept their own invite.
	ErrSelfInvite = errors.New("pairings: cannot accept own invite")
	// ErrInviteUnavailable indicates the invite's pairing is no longer pending.
	ErrInviteUnavailable = errors.New("pairings: invite no longer available")
)

const (
	queryPairingID     = "pairing_id = ?"
	queryActiveMember  = "status = ? AND (member_a = ? OR member_b = ?)"
	queryPendingByUser = "status = ? AND member_a = ?"
)

// ActivityChecker reports whether a user may take part in exercises.
type ActivityChecker interface {
	IsActive(ctx context.Context, userID string) (bool, error)
}

// InviteTokens signs and verifies invite links.
type InviteTokens interface {
	IssueInviteToken(ctx context.Context, pairingID, inviterID string) (string, time.Time, error)
	ValidateInviteToken(token string) (auth.InviteClaims, error)
}

// ServiceConfig describes the pairing service's collaborators.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider exercise.IDProvider
	Users      ActivityChecker
	Invites    InviteTokens
	Logger     *zap.Logger
}

// Service owns the pairing lifecycle and answers member lookups for the exercise engine.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider exercise.IDProvider
	users      ActivityChecker
	invites    InviteTokens
	logger     *zap.Logger
}

// NewService validates cfg and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("pairings: database connection required")
	}
	if cfg.Users == nil {
		return nil, fmt.Errorf("pairings: activity checker required")
	}
	if cfg.Invites == nil {
		return nil, fmt.Errorf("pairings: invite tokens required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = exercise.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		users:      cfg.Users,
		invites:    cfg.Invites,
		logger:     logger,
	}, nil
}

// CreateInvite opens (or reuses) the inviter's pending pairing and signs an invite for it.
func (s *Service) CreateInvite(ctx context.Context, inviterID string) (Invite, error) {
	var pairing Pairing
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if _, err := findActive(transaction, inviterID); err == nil {
			return ErrAlreadyPaired
		} else if !errors.Is(err, ErrPairingNotFound) {
			return err
		}

		err := transaction.Where(queryPendingByUser, StatusPending, inviterID).Take(&pairing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		pairingID, err := s.idProvider.NewID()
		if err != nil {
			return err
		}
		pairing = Pairing{
			PairingID: pairingID,
			MemberA:   inviterID,
			Status:    StatusPending,
			CreatedAt: s.clock().UTC(),
		}
		return transaction.Create(&pairing).Error
	})
	if err != nil {
		if !errors.Is(err, ErrAlreadyPaired) {
			s.logger.Error("create invite failed", zap.String("user_id", inviterID), zap.Error(err))
		}
		return Invite{}, err
	}

	token, expiresAt, err := s.invites.IssueInviteToken(ctx, pairing.PairingID, inviterID)
	if err != nil {
		return Invite{}, err
	}
	return Invite{PairingID: pairing.PairingID, Token: token, ExpiresAt: expiresAt}, nil
}

// AcceptInvite binds inviteeID as the second member of the invite's pending pairing.
func (s *Service) AcceptInvite(ctx context.Context, token, inviteeID string) (Pairing, error) {
	claims, err := s.invites.ValidateInviteToken(token)
	if err != nil {
		return Pairing{}, err
	}
	if claims.InviterID == inviteeID {
		return Pairing{}, ErrSelfInvite
	}

	var accepted Pairing
	err = s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if _, err := findActive(transaction, inviteeID); err == nil {
			return ErrAlreadyPaired
		} else if !errors.Is(err, ErrPairingNotFound) {
			return err
		}
		if _, err := findActive(transaction, claims.InviterID); err == nil {
			return ErrInviteUnavailable
		} else if !errors.Is(err, ErrPairingNotFound) {
			return err
		}

		acceptedAt := s.clock().UTC()
		result := transaction.Model(&Pairing{}).
			Where(queryPairingID+" AND status = ? AND member_a = ?", claims.PairingID, StatusPending, claims.InviterID).
			Updates(map[string]interface{}{
				"member_b":    inviteeID,
				"status":      StatusActive,
				"accepted_at": acceptedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			return ErrInviteUnavailable
		}
		return transaction.Where(queryPairingID, claims.PairingID).Take(&accepted).Error
	})
	if err != nil {
		return Pairing{}, err
	}
	s.logger.Info("pairing activated", zap.String("pairing_id", accepted.PairingID))
	return accepted, nil
}

// ResolvePairing returns the active pairing that userID belongs to.
func (s *Service) ResolvePairing(ctx context.Context, userID string) (Pairing, error) {
	return findActive(s.db.WithContext(ctx), userID)
}

// Dissolve ends userID's active pairing. Its sessions stay stored, but former members can no
// longer reach them since every exercise route requires an active pairing.
func (s *Service) Dissolve(ctx context.Context, userID string) (Pairing, error) {
	var dissolved Pairing
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		pairing, err := findActive(transaction, userID)
		if err != nil {
			return err
		}
		dissolvedAt := s.clock().UTC()
		if err := transaction.Model(&Pairing{}).
			Where(queryPairingID+" AND status = ?", pairing.PairingID, StatusActive).
			Updates(map[string]interface{}{"status": StatusDissolved, "dissolved_at": dissolvedAt}).
			Error; err != nil {
			return err
		}
		return transaction.Where(queryPairingID, pairing.PairingID).Take(&dissolved).Error
	})
	return dissolved, err
}

// Members implements exercise.MemberDirectory. Only active pairings whose two members are both
// active resolve; anything else is reported as not authorized.
func (s *Service) Members(ctx context.Context, pairingID exercise.PairingID) (exercise.Members, error) {
	var pairing Pairing
	err := s.db.WithContext(ctx).Where(queryPairingID, pairingID.String()).Take(&pairing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return exercise.Members{}, fmt.Errorf("%w: unknown pairing", exercise.ErrNotAuthorized)
	}
	if err != nil {
		return exercise.Members{}, err
	}
	if pairing.Status != StatusActive {
		return exercise.Members{}, fmt.Errorf("%w: pairing is %s", exercise.ErrNotAuthorized, pairing.Status)
	}
	for _, member := range []string{pairing.MemberA, pairing.MemberB} {
		active, err := s.users.IsActive(ctx, member)
		if err != nil {
			return exercise.Members{}, err
		}
		if !active {
			return exercise.Members{}, fmt.Errorf("%w: member inactive", exercise.ErrNotAuthorized)
		}
	}
	return exercise.Members{
		First:  exercise.ParticipantID(pairing.MemberA),
		Second: exercise.ParticipantID(pairing.MemberB),
	}, nil
}

func findActive(db *gorm.DB, userID string) (Pairing, error) {
	var pairing Pairing
	err := db.Where(queryActiveMember, StatusActive, userID, userID).Take(&pairing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Pairing{}, ErrPairingNotFound
	}
	if err != nil {
		return Pairing{}, err
	}
	return pairing, nil
}
