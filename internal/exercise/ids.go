package exercise

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSessionID indicates that a session identifier is empty or exceeds storage bounds.
	ErrInvalidSessionID = errors.New("exercise: invalid session id")
	// ErrInvalidParticipantID indicates that a participant identifier is empty or exceeds storage bounds.
	ErrInvalidParticipantID = errors.New("exercise: invalid participant id")
	// ErrInvalidPairingID indicates that a pairing identifier is empty or exceeds storage bounds.
	ErrInvalidPairingID = errors.New("exercise: invalid pairing id")
)

// SessionID represents a validated exercise session identifier.
type SessionID string

// NewSessionID validates raw input and returns a SessionID.
func NewSessionID(rawInput string) (SessionID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidSessionID)
	if err != nil {
		return "", err
	}
	return SessionID(value), nil
}

// String returns the underlying string identifier.
func (id SessionID) String() string {
	return string(id)
}

// ParticipantID represents a validated participant (user) identifier.
type ParticipantID string

// NewParticipantID validates raw input and returns a ParticipantID.
func NewParticipantID(rawInput string) (ParticipantID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidParticipantID)
	if err != nil {
		return "", err
	}
	return ParticipantID(value), nil
}

// String returns the underlying string identifier.
func (id ParticipantID) String() string {
	return string(id)
}

// PairingID represents a validated pairing identifier.
type PairingID string

// NewPairingID validates raw input and returns a PairingID.
func NewPairingID(rawInput string) (PairingID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidPairingID)
	if err != nil {
		return "", err
	}
	return PairingID(value), nil
}

// String returns the underlying string identifier.
func (id PairingID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Participant is the caller identity handed to the engine by the identity collaborator.
type Participant struct {
	UserID    ParticipantID
	PairingID PairingID
}

// IDProvider issues identifiers for new sessions and ledger rows.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
