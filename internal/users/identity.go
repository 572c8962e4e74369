package users

import (
	"strings"
	"time"
)

// Identity maps a TAuth login (provider + subject) to a Tandem user id. Logins through different
// providers with the same subject share one user id.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512"`
	Active      bool      `gorm:"column:active;not null;default:true"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Profile is the public view of a user shown to their partner.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Active      bool
}

func (identity Identity) profile() Profile {
	return Profile{
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
		Active:      identity.Active,
	}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
