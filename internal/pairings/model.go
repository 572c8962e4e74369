package pairings

import "time"

// Status is the lifecycle state of a pairing.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusDissolved Status = "dissolved"
)

// Pairing binds two users for the exercises. MemberB stays empty until the invite is accepted.
type Pairing struct {
	PairingID   string     `gorm:"column:pairing_id;primaryKey;size:190;not null"`
	MemberA     string     `gorm:"column:member_a;size:190;not null;index"`
	MemberB     string     `gorm:"column:member_b;size:190;not null;default:'';index"`
	Status      Status     `gorm:"column:status;size:16;not null;index"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	AcceptedAt  *time.Time `gorm:"column:accepted_at"`
	DissolvedAt *time.Time `gorm:"column:dissolved_at"`
}

// TableName provides the explicit table binding for GORM.
func (Pairing) TableName() string {
	return "pairings"
}

// Includes reports whether userID is one of the pairing's members.
func (p Pairing) Includes(userID string) bool {
	return userID != "" && (p.MemberA == userID || p.MemberB == userID)
}

// Partner returns the other member for userID.
func (p Pairing) Partner(userID string) string {
	if p.MemberA == userID {
		return p.MemberB
	}
	return p.MemberA
}

// Invite is a signed link for joining a pending pairing.
type Invite struct {
	PairingID string
	Token     string
	ExpiresAt time.Time
}
