package exercise

import (
	"time"
)

// Session is the durable record of one dyadic exercise instance.
type Session struct {
	SessionID         string       `gorm:"column:session_id;primaryKey;size:190;not null"`
	PairingID         string       `gorm:"column:pairing_id;size:190;not null;index:idx_sessions_pairing_started,priority:1"`
	Topology          Topology     `gorm:"column:topology;size:32;not null"`
	ParticipantA      string       `gorm:"column:participant_a;size:190;not null"`
	ParticipantB      string       `gorm:"column:participant_b;size:190;not null"`
	OpenKey           *string      `gorm:"column:open_key;size:255;uniqueIndex:idx_sessions_open_key"`
	CurrentStep       int          `gorm:"column:current_step;not null;default:0"`
	ProgressA         int          `gorm:"column:progress_a;not null;default:0"`
	ProgressB         int          `gorm:"column:progress_b;not null;default:0"`
	ScoreA            *float64     `gorm:"column:score_a"`
	ScoreB            *float64     `gorm:"column:score_b"`
	Questions         []Question   `gorm:"column:questions;serializer:json"`
	StartedAtMillis   int64        `gorm:"column:started_at_ms;not null;index:idx_sessions_pairing_started,priority:2"`
	DeadlineMillis    *int64       `gorm:"column:deadline_ms"`
	CompletedAtMillis *int64       `gorm:"column:completed_at_ms;index"`
	ClosedBy          *CloseReason `gorm:"column:closed_by;size:32"`
	DurationMillis    *int64       `gorm:"column:duration_ms"`
	Reflection        string       `gorm:"column:reflection;type:text;not null;default:''"`
	ReflectionAuthor  string       `gorm:"column:reflection_author;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "exercise_sessions"
}

// IsOpen reports whether the session is still mutable.
func (session Session) IsOpen() bool {
	return session.CompletedAtMillis == nil
}

// SlotOf returns the slot bound to participant.
func (session Session) SlotOf(participant ParticipantID) (Slot, bool) {
	switch participant.String() {
	case session.ParticipantA:
		return SlotA, true
	case session.ParticipantB:
		return SlotB, true
	default:
		return "", false
	}
}

// ParticipantIn returns the participant bound to slot.
func (session Session) ParticipantIn(slot Slot) ParticipantID {
	if slot == SlotA {
		return ParticipantID(session.ParticipantA)
	}
	return ParticipantID(session.ParticipantB)
}

// ItemKeys returns the keys of the session's question snapshot in order.
func (session Session) ItemKeys() []string {
	keys := make([]string, 0, len(session.Questions))
	for _, question := range session.Questions {
		keys = append(keys, question.Key)
	}
	return keys
}

// Progress returns the number of steps slot has completed.
func (session Session) Progress(slot Slot) int {
	if slot == SlotA {
		return session.ProgressA
	}
	return session.ProgressB
}

// Score returns the stored score for slot.
func (session Session) Score(slot Slot) *float64 {
	if slot == SlotA {
		return session.ScoreA
	}
	return session.ScoreB
}

// StartedAt returns the session start time.
func (session Session) StartedAt() time.Time {
	return time.UnixMilli(session.StartedAtMillis).UTC()
}

// Deadline returns the countdown deadline when one is set.
func (session Session) Deadline() (time.Time, bool) {
	if session.DeadlineMillis == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*session.DeadlineMillis).UTC(), true
}

// CompletedAt returns the terminal timestamp when the session is closed.
func (session Session) CompletedAt() (time.Time, bool) {
	if session.CompletedAtMillis == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*session.CompletedAtMillis).UTC(), true
}

// Response is one ledger entry: the current content for (session, step, item, author).
type Response struct {
	ResponseID      string `gorm:"column:response_id;primaryKey;size:190;not null"`
	SessionID       string `gorm:"column:session_id;size:190;not null;uniqueIndex:idx_responses_tuple,priority:1;index:idx_responses_author,priority:1"`
	Step            int    `gorm:"column:step;not null;uniqueIndex:idx_responses_tuple,priority:2"`
	ItemKey         string `gorm:"column:item_key;size:190;not null;default:'';uniqueIndex:idx_responses_tuple,priority:3"`
	AuthorID        string `gorm:"column:author_id;size:190;not null;uniqueIndex:idx_responses_tuple,priority:4;index:idx_responses_author,priority:2"`
	Content         string `gorm:"column:content;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Response) TableName() string {
	return "exercise_responses"
}

func pointerTo[T any](value T) *T {
	v := value
	return &v
}
