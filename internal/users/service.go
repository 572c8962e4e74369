package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates no identity is stored for the user id.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrUserInactive indicates the user has been deactivated.
	ErrUserInactive = errors.New("users: user inactive")
)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages canonical user identifiers and their active flag.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveCanonicalUserID returns the Tandem user id for the session claims, creating the
// identity the first time a login is seen. Deactivated users resolve to ErrUserInactive.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := claims.ProviderSubject()
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		if canonicalIdentifier, ok := cachedIdentifier.(string); ok {
			return canonicalIdentifier, nil
		}
	}

	db := s.db.WithContext(ctx)
	var identity Identity
	err := db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		var sibling Identity
		siblingErr := db.Where("user_id = ?", subject).Take(&sibling).Error
		if siblingErr != nil && !errors.Is(siblingErr, gorm.ErrRecordNotFound) {
			return "", siblingErr
		}
		if siblingErr == nil && !sibling.Active {
			return "", ErrUserInactive
		}
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			AvatarURL:   normalize(claims.UserAvatarURL),
			Active:      true,
			LastSeenAt:  s.now(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	default:
		if !identity.Active {
			return "", ErrUserInactive
		}
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
		}
		if err := db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("identity refresh failed",
				zap.String("provider", provider),
				zap.String("user_id", identity.UserID),
				zap.Error(err))
		}
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// IsActive reports whether userID exists and is active.
func (s *Service) IsActive(ctx context.Context, userID string) (bool, error) {
	profile, err := s.Profile(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return profile.Active, nil
}

// Profile loads the public profile for userID.
func (s *Service) Profile(ctx context.Context, userID string) (Profile, error) {
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", normalize(userID)).
		Take(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrUserNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	return identity.profile(), nil
}

// SetActive flips the active flag. Deactivation evicts the user from the resolution cache so
// their next request is refused.
func (s *Service) SetActive(ctx context.Context, userID string, active bool) error {
	result := s.db.WithContext(ctx).
		Model(&Identity{}).
		Where("user_id = ?", normalize(userID)).
		Update("active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	if !active {
		s.cache.Range(func(key, value any) bool {
			if value == normalize(userID) {
				s.cache.Delete(key)
			}
			return true
		})
	}
	return nil
}
