package exercise

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultCountdownDuration = 20 * time.Minute
	maxReflectionLength      = 4000
	fieldSessionID           = "session_id"
	fieldPairingID           = "pairing_id"
	fieldParticipantID       = "participant_id"
)

var noOpLogger = zap.NewNop()

// Members are the two participants of a pairing in slot order.
type Members struct {
	First  ParticipantID
	Second ParticipantID
}

// MemberDirectory resolves a pairing to its two active participants.
type MemberDirectory interface {
	Members(ctx context.Context, pairingID PairingID) (Members, error)
}

// EngineConfig describes the engine's collaborators.
type EngineConfig struct {
	Database          *gorm.DB
	Clock             func() time.Time
	IDProvider        IDProvider
	Logger            *zap.Logger
	Publisher         Publisher
	Directory         MemberDirectory
	TurnPlan          TurnPlan
	Questions         []Question
	CountdownDuration time.Duration
}

// Engine is the single entry point for the dyadic exercise state machine.
type Engine struct {
	db        *gorm.DB
	clock     func() time.Time
	logger    *zap.Logger
	publisher Publisher
	directory MemberDirectory
	plan      TurnPlan
	questions []Question
	sessions  *SessionStore
	ledger    *ResponseLedger
	countdown *CountdownSupervisor
}

// NewEngine validates cfg and wires the store, ledger and countdown supervisor.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opEngineNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Directory == nil {
		return nil, newServiceError(opEngineNew, reasonMissingDirectory, errMissingDirectory)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = noopPublisher{}
	}
	plan := cfg.TurnPlan
	if len(plan.Steps) == 0 {
		plan = DefaultTurnPlan()
	}
	if err := plan.Validate(); err != nil {
		return nil, newServiceError(opEngineNew, reasonInvalidPlan, err)
	}
	questions := cfg.Questions
	if len(questions) == 0 {
		questions = DefaultQuestions()
	}
	duration := cfg.CountdownDuration
	if duration <= 0 {
		duration = defaultCountdownDuration
	}

	sessions := NewSessionStore(cfg.Database, clock, idProvider)
	engine := &Engine{
		db:        cfg.Database,
		clock:     clock,
		logger:    logger,
		publisher: publisher,
		directory: cfg.Directory,
		plan:      plan,
		questions: append([]Question(nil), questions...),
		sessions:  sessions,
		ledger:    NewResponseLedger(cfg.Database, clock, idProvider),
	}
	engine.countdown = newCountdownSupervisor(countdownConfig{
		sessions:  sessions,
		directory: cfg.Directory,
		publisher: publisher,
		logger:    logger,
		clock:     clock,
		duration:  duration,
	})
	return engine, nil
}

// Countdown exposes the countdown supervisor.
func (engine *Engine) Countdown() *CountdownSupervisor {
	return engine.countdown
}

// TurnPlan returns the configured turn-taking plan.
func (engine *Engine) TurnPlan() TurnPlan {
	return engine.plan
}

// SessionView is a session as seen by one participant.
type SessionView struct {
	Session       Session
	Viewer        ParticipantID
	Authorization Authorization
	Remaining     time.Duration
}

// Answer is one item of a batched phase submission.
type Answer struct {
	ItemKey string
	Content string
}

// SubmitRequest carries a single response submission.
type SubmitRequest struct {
	SessionID SessionID
	Step      int
	ItemKey   string
	Content   string
}

// RevealView is the full comparison over a session's question set.
type RevealView struct {
	Session Session
	Results []ComparisonResult
}

// GetOrCreateSession returns the pairing's open session for topology, creating it when needed.
// Countdowns are started through Activate instead.
func (engine *Engine) GetOrCreateSession(ctx context.Context, participant Participant, topology Topology) (SessionView, error) {
	if topology == TopologyCountdown {
		return SessionView{}, fmt.Errorf("%w: countdowns start through activate", ErrInvalidPhase)
	}
	if _, err := ParseTopology(string(topology)); err != nil {
		return SessionView{}, err
	}
	members, err := engine.membersFor(ctx, opGetOrCreateSession, participant)
	if err != nil {
		return SessionView{}, err
	}

	spec := NewSessionSpec{
		PairingID:    participant.PairingID,
		Topology:     topology,
		ParticipantA: members.First,
		ParticipantB: members.Second,
	}
	if topology == TopologyTwoPhaseReveal {
		spec.Questions = engine.questions
	}
	session, created, err := engine.sessions.GetOrCreateOpenSession(ctx, spec)
	if err != nil {
		return SessionView{}, engine.fail(opGetOrCreateSession, reasonSessionCreate, err,
			zap.String(fieldPairingID, participant.PairingID.String()))
	}
	if created {
		engine.publisher.Publish(sessionEvent(session, EventSessionCreated, participant.UserID, engine.clock()))
	}
	return engine.view(session, participant.UserID)
}

// GetSession returns the session as seen by participant.
func (engine *Engine) GetSession(ctx context.Context, participant Participant, sessionID SessionID) (SessionView, error) {
	session, err := engine.loadAuthorized(engine.db.WithContext(ctx), opGetSession, participant, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return engine.view(session, participant.UserID)
}

// SubmitResponse writes or replaces one response. Turn-taking submissions advance the step,
// and the final step closes the session.
func (engine *Engine) SubmitResponse(ctx context.Context, participant Participant, request SubmitRequest) (SessionView, error) {
	return engine.submit(ctx, opSubmitResponse, participant, request.SessionID, request.Step,
		[]Answer{{ItemKey: request.ItemKey, Content: request.Content}}, false)
}

// SubmitPhase writes a batch of answers for one step and optionally completes the step in the
// same transaction.
func (engine *Engine) SubmitPhase(ctx context.Context, participant Participant, sessionID SessionID, step int, answers []Answer, complete bool) (SessionView, error) {
	return engine.submit(ctx, opSubmitResponse, participant, sessionID, step, answers, complete)
}

func (engine *Engine) submit(ctx context.Context, operation string, participant Participant, sessionID SessionID, step int, answers []Answer, complete bool) (SessionView, error) {
	if len(answers) == 0 && !complete {
		return SessionView{}, fmt.Errorf("%w: no answers", ErrInvalidContent)
	}
	var (
		result Session
		events []Event
	)
	err := engine.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		session, err := engine.loadAuthorized(transaction, operation, participant, sessionID)
		if err != nil {
			return err
		}
		slot, _ := session.SlotOf(participant.UserID)

		for _, answer := range answers {
			if err := CheckSubmission(session, participant.UserID, step, engine.plan); err != nil {
				return err
			}
			if session.Topology == TopologyTwoPhaseReveal && step == StepGuesses {
				if err := engine.requirePartnerTruth(transaction, session, slot, answer.ItemKey); err != nil {
					return err
				}
			}
			if _, err := engine.ledger.putResponse(transaction, session, ResponseInput{
				SessionID: sessionID,
				Step:      step,
				ItemKey:   answer.ItemKey,
				AuthorID:  participant.UserID,
				Content:   answer.Content,
			}); err != nil {
				return engine.fail(operation, reasonLedgerWrite, err, zap.String(fieldSessionID, sessionID.String()))
			}
			events = append(events, sessionEvent(session, EventResponseSubmitted, participant.UserID, engine.clock()))

			if session.Topology == TopologyTurnTaking {
				completion, err := engine.sessions.markPhaseComplete(transaction, sessionID, slot, step, nil, engine.plan)
				if err != nil {
					return engine.fail(operation, reasonSessionUpdate, err, zap.String(fieldSessionID, sessionID.String()))
				}
				session = completion.Session
				events = append(events, completionEvents(completion, participant.UserID, engine.clock())...)
			}
		}

		if complete && session.Topology == TopologyTwoPhaseReveal {
			completed, completionEvents, err := engine.completeLocked(transaction, operation, session, participant, step)
			if err != nil {
				return err
			}
			session = completed
			events = append(events, completionEvents...)
		}
		result = session
		return nil
	})
	if err != nil {
		return SessionView{}, engine.fail(operation, reasonSessionUpdate, err, zap.String(fieldSessionID, sessionID.String()))
	}
	engine.publishAll(events)
	return engine.view(result, participant.UserID)
}

func (engine *Engine) requirePartnerTruth(db *gorm.DB, session Session, guesser Slot, itemKey string) error {
	partner := session.ParticipantIn(guesser.Other())
	truths, err := getResponsesByAuthorAndStep(db, SessionID(session.SessionID), partner, StepTruths)
	if err != nil {
		return engine.fail(opSubmitResponse, reasonLedgerRead, err, zap.String(fieldSessionID, session.SessionID))
	}
	key := strings.TrimSpace(itemKey)
	for _, truth := range truths {
		if truth.ItemKey == key {
			return nil
		}
	}
	return fmt.Errorf("%w: partner left %q unanswered", ErrUnknownItem, key)
}

// CompletePhase marks step complete for participant. Completing guesses stores the
// participant's score. Repeating a recorded completion is a no-op.
func (engine *Engine) CompletePhase(ctx context.Context, participant Participant, sessionID SessionID, step int) (SessionView, error) {
	var (
		result Session
		events []Event
	)
	err := engine.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		session, err := engine.loadAuthorized(transaction, opCompletePhase, participant, sessionID)
		if err != nil {
			return err
		}
		completed, completionEvents, err := engine.completeLocked(transaction, opCompletePhase, session, participant, step)
		if err != nil {
			return err
		}
		result = completed
		events = completionEvents
		return nil
	})
	if err != nil {
		return SessionView{}, engine.fail(opCompletePhase, reasonSessionUpdate, err, zap.String(fieldSessionID, sessionID.String()))
	}
	engine.publishAll(events)
	return engine.view(result, participant.UserID)
}

func (engine *Engine) completeLocked(db *gorm.DB, operation string, session Session, participant Participant, step int) (Session, []Event, error) {
	done, err := CheckCompletion(session, participant.UserID, step)
	if err != nil {
		return Session{}, nil, err
	}
	if done {
		return session, nil, nil
	}
	slot, _ := session.SlotOf(participant.UserID)
	sessionID := SessionID(session.SessionID)

	var score *float64
	if step == StepGuesses {
		responses, err := getResponses(db, sessionID, nil)
		if err != nil {
			return Session{}, nil, engine.fail(operation, reasonLedgerRead, err, zap.String(fieldSessionID, session.SessionID))
		}
		score = ScoreGuesser(session, responses, slot)
	}
	completion, err := engine.sessions.markPhaseComplete(db, sessionID, slot, step, score, engine.plan)
	if err != nil {
		return Session{}, nil, engine.fail(operation, reasonSessionUpdate, err, zap.String(fieldSessionID, session.SessionID))
	}
	return completion.Session, completionEvents(completion, participant.UserID, engine.clock()), nil
}

func completionEvents(completion PhaseCompletion, actor ParticipantID, at time.Time) []Event {
	var events []Event
	if completion.Recorded {
		events = append(events, sessionEvent(completion.Session, EventPhaseCompleted, actor, at))
	}
	if completion.Advanced {
		events = append(events, sessionEvent(completion.Session, EventStepAdvanced, actor, at))
	}
	if completion.Closed {
		events = append(events, sessionEvent(completion.Session, EventSessionClosed, actor, at))
	}
	return events
}

// ReadPartnerResponses returns the partner's responses for step once the privacy gate allows it.
func (engine *Engine) ReadPartnerResponses(ctx context.Context, participant Participant, sessionID SessionID, step int) ([]Response, error) {
	db := engine.db.WithContext(ctx)
	session, err := engine.loadAuthorized(db, opReadPartner, participant, sessionID)
	if err != nil {
		return nil, err
	}
	if err := CheckPartnerRead(session, participant.UserID, step); err != nil {
		return nil, err
	}
	slot, _ := session.SlotOf(participant.UserID)
	responses, err := getResponsesByAuthorAndStep(db, sessionID, session.ParticipantIn(slot.Other()), step)
	if err != nil {
		return nil, engine.fail(opReadPartner, reasonLedgerRead, err, zap.String(fieldSessionID, sessionID.String()))
	}
	return responses, nil
}

// OwnResponses returns the participant's own ledger entries for the session.
func (engine *Engine) OwnResponses(ctx context.Context, participant Participant, sessionID SessionID) ([]Response, error) {
	if _, err := engine.loadAuthorized(engine.db.WithContext(ctx), opReadPartner, participant, sessionID); err != nil {
		return nil, err
	}
	responses, err := engine.ledger.GetResponsesByAuthor(ctx, sessionID, participant.UserID)
	if err != nil {
		return nil, engine.fail(opReadPartner, reasonLedgerRead, err, zap.String(fieldSessionID, sessionID.String()))
	}
	return responses, nil
}

// Reveal recomputes the comparison from the ledger. It always reflects the latest resubmission.
func (engine *Engine) Reveal(ctx context.Context, participant Participant, sessionID SessionID) (RevealView, error) {
	session, err := engine.loadAuthorized(engine.db.WithContext(ctx), opReveal, participant, sessionID)
	if err != nil {
		return RevealView{}, err
	}
	if err := CheckReveal(session, participant.UserID); err != nil {
		return RevealView{}, err
	}
	responses, err := engine.ledger.GetResponses(ctx, sessionID, nil)
	if err != nil {
		return RevealView{}, engine.fail(opReveal, reasonLedgerRead, err, zap.String(fieldSessionID, sessionID.String()))
	}
	return RevealView{Session: session, Results: BuildReveal(session, responses)}, nil
}

// CompleteSession closes a two-phase session once both participants finished guessing.
// Closing an already-closed session returns it unchanged.
func (engine *Engine) CompleteSession(ctx context.Context, participant Participant, sessionID SessionID, reflection string) (SessionView, error) {
	session, err := engine.loadAuthorized(engine.db.WithContext(ctx), opCompleteSession, participant, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	if session.Topology != TopologyTwoPhaseReveal {
		return SessionView{}, fmt.Errorf("%w: %s sessions close on their own", ErrInvalidPhase, session.Topology)
	}
	if !session.IsOpen() {
		return engine.view(session, participant.UserID)
	}
	if err := CheckReveal(session, participant.UserID); err != nil {
		return SessionView{}, blocked(ReasonRevealRequired)
	}
	note, err := normalizeReflection(reflection)
	if err != nil {
		return SessionView{}, err
	}
	closed, closedNow, err := engine.sessions.Close(ctx, CloseRequest{
		SessionID:        sessionID,
		Reason:           CloseReasonCompleted,
		Reflection:       note,
		ReflectionAuthor: participant.UserID,
	})
	if err != nil {
		return SessionView{}, engine.fail(opCompleteSession, reasonSessionUpdate, err, zap.String(fieldSessionID, sessionID.String()))
	}
	if closedNow {
		engine.publisher.Publish(sessionEvent(closed, EventSessionClosed, participant.UserID, engine.clock()))
	}
	return engine.view(closed, participant.UserID)
}

// History lists the pairing's closed sessions, newest first.
func (engine *Engine) History(ctx context.Context, participant Participant, limit int) ([]Session, error) {
	if _, err := engine.membersFor(ctx, opHistory, participant); err != nil {
		return nil, err
	}
	sessions, err := engine.sessions.ListClosed(ctx, participant.PairingID, limit)
	if err != nil {
		return nil, engine.fail(opHistory, reasonQueryFailed, err, zap.String(fieldPairingID, participant.PairingID.String()))
	}
	return sessions, nil
}

// Activate starts the pairing's countdown.
func (engine *Engine) Activate(ctx context.Context, participant Participant) (CountdownView, error) {
	return engine.countdown.Activate(ctx, participant)
}

// EndEarly closes a countdown on a participant's request.
func (engine *Engine) EndEarly(ctx context.Context, participant Participant, sessionID SessionID, reflection string) (CountdownView, error) {
	return engine.countdown.EndEarly(ctx, participant, sessionID, reflection)
}

// GetRemaining derives the countdown's remaining time from its stored deadline.
func (engine *Engine) GetRemaining(ctx context.Context, participant Participant, sessionID SessionID) (time.Duration, error) {
	return engine.countdown.GetRemaining(ctx, participant, sessionID)
}

func (engine *Engine) membersFor(ctx context.Context, operation string, participant Participant) (Members, error) {
	members, err := engine.directory.Members(ctx, participant.PairingID)
	if err != nil {
		return Members{}, engine.fail(operation, reasonMembersFailed, err, zap.String(fieldPairingID, participant.PairingID.String()))
	}
	if participant.UserID != members.First && participant.UserID != members.Second {
		return Members{}, ErrNotAuthorized
	}
	return members, nil
}

func (engine *Engine) loadAuthorized(db *gorm.DB, operation string, participant Participant, sessionID SessionID) (Session, error) {
	session, err := loadSession(db, sessionID)
	if err != nil {
		return Session{}, engine.fail(operation, reasonSessionLookup, err, zap.String(fieldSessionID, sessionID.String()))
	}
	if err := authorizeParticipant(session, participant); err != nil {
		return Session{}, err
	}
	return session, nil
}

func authorizeParticipant(session Session, participant Participant) error {
	if session.PairingID != participant.PairingID.String() {
		return ErrNotAuthorized
	}
	if _, ok := session.SlotOf(participant.UserID); !ok {
		return ErrNotAuthorized
	}
	return nil
}

func (engine *Engine) view(session Session, viewer ParticipantID) (SessionView, error) {
	authorization, err := AuthorizedPhase(session, viewer, engine.plan)
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{
		Session:       session,
		Viewer:        viewer,
		Authorization: authorization,
		Remaining:     remaining(session, engine.clock()),
	}, nil
}

func (engine *Engine) publishAll(events []Event) {
	for _, event := range events {
		engine.publisher.Publish(event)
	}
}

func (engine *Engine) fail(operation, reason string, err error, fields ...zap.Field) error {
	return failure(engine.logger, operation, reason, err, fields...)
}

// failure passes domain errors through untouched and wraps infrastructure failures in a
// logged ServiceError.
func failure(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) || errors.Is(err, context.Canceled) {
		return err
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	if errors.Is(err, errIDGeneration) {
		reason = reasonIDGeneration
	}
	logServiceError(logger, operation, reason, err, fields...)
	return newServiceError(operation, reason, err)
}

func normalizeReflection(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if utf8.RuneCountInString(trimmed) > maxReflectionLength {
		return "", fmt.Errorf("%w: reflection exceeds %d characters", ErrInvalidContent, maxReflectionLength)
	}
	return trimmed, nil
}

func logServiceError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("exercise service error", attrs...)
}
