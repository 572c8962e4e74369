package exercise

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnSessionID   = "session_id"
	columnOpenKey     = "open_key"
	columnCurrentStep = "current_step"
	columnCompletedAt = "completed_at_ms"
	columnProgressA   = "progress_a"
	columnProgressB   = "progress_b"
	columnScoreA      = "score_a"
	columnScoreB      = "score_b"
	querySessionID    = columnSessionID + " = ?"
	queryOpenKey      = columnOpenKey + " = ?"
	queryOpenSession  = columnSessionID + " = ? AND " + columnCompletedAt + " IS NULL"
	orderStartedDesc  = "started_at_ms DESC"
)

// NewSessionSpec describes a session to create when none is open for the pairing and topology.
type NewSessionSpec struct {
	PairingID    PairingID
	Topology     Topology
	ParticipantA ParticipantID
	ParticipantB ParticipantID
	Questions    []Question
	Duration     time.Duration
}

// PhaseCompletion is the result of MarkPhaseComplete.
type PhaseCompletion struct {
	Session  Session
	Recorded bool
	Advanced bool
	Closed   bool
}

// CloseRequest describes a terminal transition.
type CloseRequest struct {
	SessionID        SessionID
	Reason           CloseReason
	Reflection       string
	ReflectionAuthor ParticipantID
}

// SessionStore persists sessions. Every mutation is a conditional update so concurrent
// callers from both participants resolve without explicit locks.
type SessionStore struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
}

// NewSessionStore constructs a store over db.
func NewSessionStore(db *gorm.DB, clock func() time.Time, idProvider IDProvider) *SessionStore {
	if clock == nil {
		clock = time.Now
	}
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	return &SessionStore{db: db, clock: clock, idProvider: idProvider}
}

func openKeyFor(pairingID PairingID, topology Topology) string {
	return pairingID.String() + "|" + string(topology)
}

// GetOrCreateOpenSession returns the open session for the pairing and topology, creating one
// when none exists. created reports whether this call inserted the row.
func (store *SessionStore) GetOrCreateOpenSession(ctx context.Context, spec NewSessionSpec) (session Session, created bool, err error) {
	return store.getOrCreateOpenSession(store.db.WithContext(ctx), spec)
}

func (store *SessionStore) getOrCreateOpenSession(db *gorm.DB, spec NewSessionSpec) (Session, bool, error) {
	openKey := openKeyFor(spec.PairingID, spec.Topology)
	existing, err := findByOpenKey(db, openKey)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, false, err
	}

	sessionID, err := store.idProvider.NewID()
	if err != nil {
		return Session{}, false, fmt.Errorf("%w: %w", errIDGeneration, err)
	}
	now := store.clock().UTC()
	model := Session{
		SessionID:       sessionID,
		PairingID:       spec.PairingID.String(),
		Topology:        spec.Topology,
		ParticipantA:    spec.ParticipantA.String(),
		ParticipantB:    spec.ParticipantB.String(),
		OpenKey:         pointerTo(openKey),
		Questions:       append([]Question(nil), spec.Questions...),
		StartedAtMillis: now.UnixMilli(),
	}
	if spec.Duration > 0 {
		model.DeadlineMillis = pointerTo(now.Add(spec.Duration).UnixMilli())
	}

	createResult := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if createResult.Error != nil {
		return Session{}, false, createResult.Error
	}
	if createResult.RowsAffected == 1 {
		return model, true, nil
	}

	// Another participant won the insert race; their row is the open session.
	winner, err := findByOpenKey(db, openKey)
	if err != nil {
		return Session{}, false, err
	}
	return winner, false, nil
}

func findByOpenKey(db *gorm.DB, openKey string) (Session, error) {
	var session Session
	err := db.Where(queryOpenKey, openKey).Take(&session).Error
	return session, err
}

// FindOpenSession returns the open session for the pairing and topology.
func (store *SessionStore) FindOpenSession(ctx context.Context, pairingID PairingID, topology Topology) (Session, error) {
	session, err := findByOpenKey(store.db.WithContext(ctx), openKeyFor(pairingID, topology))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrSessionNotFound
	}
	return session, err
}

// Get loads a session by id.
func (store *SessionStore) Get(ctx context.Context, sessionID SessionID) (Session, error) {
	return loadSession(store.db.WithContext(ctx), sessionID)
}

func loadSession(db *gorm.DB, sessionID SessionID) (Session, error) {
	var session Session
	err := db.Where(querySessionID, sessionID.String()).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// markPhaseComplete records that slot completed step and advances current_step when the
// topology's advance condition holds. Both updates are guarded so two simultaneous
// completions on the same step advance it exactly once.
func (store *SessionStore) markPhaseComplete(db *gorm.DB, sessionID SessionID, slot Slot, step int, score *float64, plan TurnPlan) (PhaseCompletion, error) {
	session, err := loadSession(db, sessionID)
	if err != nil {
		return PhaseCompletion{}, err
	}
	if !session.IsOpen() {
		return PhaseCompletion{}, ErrAlreadyClosed
	}

	progressColumn, scoreColumn := columnProgressA, columnScoreA
	if slot == SlotB {
		progressColumn, scoreColumn = columnProgressB, columnScoreB
	}

	updates := map[string]interface{}{progressColumn: step + 1}
	if score != nil {
		updates[scoreColumn] = *score
	}
	recordResult := db.Model(&Session{}).
		Where(queryOpenSession+" AND "+progressColumn+" <= ?", sessionID.String(), step).
		Updates(updates)
	if recordResult.Error != nil {
		return PhaseCompletion{}, recordResult.Error
	}
	completion := PhaseCompletion{Recorded: recordResult.RowsAffected == 1}

	var advance *gorm.DB
	switch session.Topology {
	case TopologyTwoPhaseReveal:
		advance = db.Model(&Session{}).
			Where(queryOpenSession+" AND "+columnCurrentStep+" = ? AND "+columnProgressA+" > ? AND "+columnProgressB+" > ?",
				sessionID.String(), step, step, step).
			Update(columnCurrentStep, step+1)
	case TopologyTurnTaking:
		advance = db.Model(&Session{}).
			Where(queryOpenSession+" AND "+columnCurrentStep+" = ?", sessionID.String(), step).
			Update(columnCurrentStep, step+1)
	}
	if advance != nil {
		if advance.Error != nil {
			return PhaseCompletion{}, advance.Error
		}
		completion.Advanced = advance.RowsAffected == 1
	}

	if completion.Advanced && session.Topology == TopologyTurnTaking && step >= plan.FinalStep() {
		closed, closedNow, closeErr := store.close(db, CloseRequest{SessionID: sessionID, Reason: CloseReasonCompleted})
		if closeErr != nil {
			return PhaseCompletion{}, closeErr
		}
		completion.Session = closed
		completion.Closed = closedNow
		return completion, nil
	}

	completion.Session, err = loadSession(db, sessionID)
	if err != nil {
		return PhaseCompletion{}, err
	}
	return completion, nil
}

// Close moves the session to its terminal state exactly once. Later calls observe the stored
// terminal state and report closedNow=false.
func (store *SessionStore) Close(ctx context.Context, request CloseRequest) (session Session, closedNow bool, err error) {
	return store.close(store.db.WithContext(ctx), request)
}

func (store *SessionStore) close(db *gorm.DB, request CloseRequest) (Session, bool, error) {
	session, err := loadSession(db, request.SessionID)
	if err != nil {
		return Session{}, false, err
	}
	if !session.IsOpen() {
		return session, false, nil
	}

	closedAt := store.clock().UTC()
	end := closedAt
	if deadline, ok := session.Deadline(); ok && deadline.Before(end) {
		end = deadline
	}
	duration := end.Sub(session.StartedAt())
	if duration < 0 {
		duration = 0
	}

	updates := map[string]interface{}{
		columnCompletedAt: closedAt.UnixMilli(),
		columnOpenKey:     nil,
		"closed_by":       request.Reason,
		"duration_ms":     duration.Milliseconds(),
	}
	if request.Reflection != "" {
		updates["reflection"] = request.Reflection
		updates["reflection_author"] = request.ReflectionAuthor.String()
	}
	result := db.Model(&Session{}).
		Where(queryOpenSession, request.SessionID.String()).
		Updates(updates)
	if result.Error != nil {
		return Session{}, false, result.Error
	}

	stored, err := loadSession(db, request.SessionID)
	if err != nil {
		return Session{}, false, err
	}
	return stored, result.RowsAffected == 1, nil
}

// ListOpen returns every open session of topology.
func (store *SessionStore) ListOpen(ctx context.Context, topology Topology) ([]Session, error) {
	var sessions []Session
	err := store.db.WithContext(ctx).
		Where("topology = ? AND "+columnCompletedAt+" IS NULL", topology).
		Find(&sessions).Error
	return sessions, err
}

// ListClosed returns the closed sessions of a pairing, newest first.
func (store *SessionStore) ListClosed(ctx context.Context, pairingID PairingID, limit int) ([]Session, error) {
	var sessions []Session
	query := store.db.WithContext(ctx).
		Where("pairing_id = ? AND "+columnCompletedAt+" IS NOT NULL", pairingID.String()).
		Order(orderStartedDesc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&sessions).Error
	return sessions, err
}
