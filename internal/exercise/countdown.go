package exercise

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultSweepInterval = 30 * time.Second

type countdownConfig struct {
	sessions  *SessionStore
	directory MemberDirectory
	publisher Publisher
	logger    *zap.Logger
	clock     func() time.Time
	duration  time.Duration
}

// CountdownView describes a countdown session at one instant.
type CountdownView struct {
	Session   Session
	Active    bool
	Deadline  time.Time
	Remaining time.Duration
	ClosedNow bool
}

// CountdownSupervisor owns countdown deadlines. The stored deadline is authoritative; timers
// and the sweep only make expiry prompt.
type CountdownSupervisor struct {
	countdownConfig

	mutex  sync.Mutex
	timers map[SessionID]*time.Timer
}

func newCountdownSupervisor(cfg countdownConfig) *CountdownSupervisor {
	return &CountdownSupervisor{
		countdownConfig: cfg,
		timers:          make(map[SessionID]*time.Timer),
	}
}

// Duration returns the configured countdown length.
func (supervisor *CountdownSupervisor) Duration() time.Duration {
	return supervisor.duration
}

// Activate starts the pairing's countdown. A countdown that outlived its deadline is expired
// first; a live one yields ErrAlreadyActive.
func (supervisor *CountdownSupervisor) Activate(ctx context.Context, participant Participant) (CountdownView, error) {
	members, err := supervisor.directory.Members(ctx, participant.PairingID)
	if err != nil {
		return CountdownView{}, failure(supervisor.logger, opActivate, reasonMembersFailed, err,
			zap.String(fieldPairingID, participant.PairingID.String()))
	}
	if participant.UserID != members.First && participant.UserID != members.Second {
		return CountdownView{}, ErrNotAuthorized
	}

	spec := NewSessionSpec{
		PairingID:    participant.PairingID,
		Topology:     TopologyCountdown,
		ParticipantA: members.First,
		ParticipantB: members.Second,
		Duration:     supervisor.duration,
	}
	for attempt := 0; attempt < 2; attempt++ {
		session, created, err := supervisor.sessions.GetOrCreateOpenSession(ctx, spec)
		if err != nil {
			return CountdownView{}, failure(supervisor.logger, opActivate, reasonSessionCreate, err,
				zap.String(fieldPairingID, participant.PairingID.String()))
		}
		if created {
			supervisor.arm(session)
			supervisor.publisher.Publish(sessionEvent(session, EventCountdownStarted, participant.UserID, supervisor.clock()))
			return supervisor.view(session, false), nil
		}
		if remaining(session, supervisor.clock()) > 0 {
			return supervisor.view(session, false), ErrAlreadyActive
		}
		if _, err := supervisor.expire(ctx, SessionID(session.SessionID)); err != nil {
			return CountdownView{}, err
		}
	}
	return CountdownView{}, ErrAlreadyActive
}

// EndEarly closes the countdown on a participant's request. When the deadline has already
// passed the session closes as expired, and a closed session is returned unchanged.
func (supervisor *CountdownSupervisor) EndEarly(ctx context.Context, participant Participant, sessionID SessionID, reflection string) (CountdownView, error) {
	session, err := supervisor.load(ctx, opEndEarly, participant, sessionID)
	if err != nil {
		return CountdownView{}, err
	}
	if !session.IsOpen() {
		return supervisor.view(session, false), nil
	}
	note, err := normalizeReflection(reflection)
	if err != nil {
		return CountdownView{}, err
	}

	reason := CloseReasonEndedEarly
	if remaining(session, supervisor.clock()) <= 0 {
		reason = CloseReasonExpired
	}
	closed, closedNow, err := supervisor.sessions.Close(ctx, CloseRequest{
		SessionID:        sessionID,
		Reason:           reason,
		Reflection:       note,
		ReflectionAuthor: participant.UserID,
	})
	if err != nil {
		return CountdownView{}, failure(supervisor.logger, opEndEarly, reasonSessionUpdate, err,
			zap.String(fieldSessionID, sessionID.String()))
	}
	supervisor.disarm(sessionID)
	if closedNow {
		supervisor.publisher.Publish(sessionEvent(closed, EventSessionClosed, participant.UserID, supervisor.clock()))
	}
	return supervisor.view(closed, closedNow), nil
}

// GetRemaining returns the time left before the deadline, zero once it has passed or the
// session closed.
func (supervisor *CountdownSupervisor) GetRemaining(ctx context.Context, participant Participant, sessionID SessionID) (time.Duration, error) {
	session, err := supervisor.load(ctx, opGetSession, participant, sessionID)
	if err != nil {
		return 0, err
	}
	return remaining(session, supervisor.clock()), nil
}

// Current returns the pairing's open countdown.
func (supervisor *CountdownSupervisor) Current(ctx context.Context, participant Participant) (CountdownView, error) {
	session, err := supervisor.sessions.FindOpenSession(ctx, participant.PairingID, TopologyCountdown)
	if err != nil {
		return CountdownView{}, failure(supervisor.logger, opGetSession, reasonSessionLookup, err,
			zap.String(fieldPairingID, participant.PairingID.String()))
	}
	if err := authorizeParticipant(session, participant); err != nil {
		return CountdownView{}, err
	}
	return supervisor.view(session, false), nil
}

// Sweep expires every open countdown whose deadline has passed and reports how many it closed.
func (supervisor *CountdownSupervisor) Sweep(ctx context.Context) (int, error) {
	sessions, err := supervisor.sessions.ListOpen(ctx, TopologyCountdown)
	if err != nil {
		return 0, failure(supervisor.logger, opExpire, reasonQueryFailed, err)
	}
	now := supervisor.clock()
	expired := 0
	for _, session := range sessions {
		if remaining(session, now) > 0 {
			continue
		}
		closedNow, err := supervisor.expire(ctx, SessionID(session.SessionID))
		if err != nil {
			return expired, err
		}
		if closedNow {
			expired++
		}
	}
	return expired, nil
}

// Recover re-arms timers for open countdowns after a restart and expires the overdue ones.
func (supervisor *CountdownSupervisor) Recover(ctx context.Context) error {
	sessions, err := supervisor.sessions.ListOpen(ctx, TopologyCountdown)
	if err != nil {
		return failure(supervisor.logger, opRecover, reasonQueryFailed, err)
	}
	now := supervisor.clock()
	for _, session := range sessions {
		if remaining(session, now) > 0 {
			supervisor.arm(session)
			continue
		}
		if _, err := supervisor.expire(ctx, SessionID(session.SessionID)); err != nil {
			return err
		}
	}
	return nil
}

// Run recovers pending countdowns and sweeps on interval until ctx is cancelled.
func (supervisor *CountdownSupervisor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	defer supervisor.Stop()
	if err := supervisor.Recover(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := supervisor.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				supervisor.logger.Warn("countdown sweep failed", zap.Error(err))
			}
		}
	}
}

// Stop cancels every armed timer.
func (supervisor *CountdownSupervisor) Stop() {
	supervisor.mutex.Lock()
	defer supervisor.mutex.Unlock()
	for sessionID, timer := range supervisor.timers {
		timer.Stop()
		delete(supervisor.timers, sessionID)
	}
}

func (supervisor *CountdownSupervisor) expire(ctx context.Context, sessionID SessionID) (bool, error) {
	closed, closedNow, err := supervisor.sessions.Close(ctx, CloseRequest{SessionID: sessionID, Reason: CloseReasonExpired})
	supervisor.disarm(sessionID)
	if err != nil {
		return false, failure(supervisor.logger, opExpire, reasonSessionUpdate, err,
			zap.String(fieldSessionID, sessionID.String()))
	}
	if closedNow {
		supervisor.publisher.Publish(sessionEvent(closed, EventSessionClosed, "", supervisor.clock()))
	}
	return closedNow, nil
}

func (supervisor *CountdownSupervisor) arm(session Session) {
	sessionID := SessionID(session.SessionID)
	wait := remaining(session, supervisor.clock())

	supervisor.mutex.Lock()
	defer supervisor.mutex.Unlock()
	if existing, ok := supervisor.timers[sessionID]; ok {
		existing.Stop()
	}
	supervisor.timers[sessionID] = time.AfterFunc(wait, func() {
		if _, err := supervisor.expire(context.Background(), sessionID); err != nil {
			supervisor.logger.Warn("countdown expiry failed",
				zap.String(fieldSessionID, sessionID.String()),
				zap.Error(err))
		}
	})
}

func (supervisor *CountdownSupervisor) disarm(sessionID SessionID) {
	supervisor.mutex.Lock()
	defer supervisor.mutex.Unlock()
	if timer, ok := supervisor.timers[sessionID]; ok {
		timer.Stop()
		delete(supervisor.timers, sessionID)
	}
}

func (supervisor *CountdownSupervisor) armed() int {
	supervisor.mutex.Lock()
	defer supervisor.mutex.Unlock()
	return len(supervisor.timers)
}

func (supervisor *CountdownSupervisor) load(ctx context.Context, operation string, participant Participant, sessionID SessionID) (Session, error) {
	session, err := supervisor.sessions.Get(ctx, sessionID)
	if err != nil {
		return Session{}, failure(supervisor.logger, operation, reasonSessionLookup, err,
			zap.String(fieldSessionID, sessionID.String()))
	}
	if err := authorizeParticipant(session, participant); err != nil {
		return Session{}, err
	}
	if session.Topology != TopologyCountdown {
		return Session{}, fmt.Errorf("%w: %s session has no countdown", ErrInvalidPhase, session.Topology)
	}
	return session, nil
}

func (supervisor *CountdownSupervisor) view(session Session, closedNow bool) CountdownView {
	view := CountdownView{
		Session:   session,
		Active:    session.IsOpen(),
		Remaining: remaining(session, supervisor.clock()),
		ClosedNow: closedNow,
	}
	if deadline, ok := session.Deadline(); ok {
		view.Deadline = deadline
	}
	return view
}

func remaining(session Session, now time.Time) time.Duration {
	if !session.IsOpen() {
		return 0
	}
	deadline, ok := session.Deadline()
	if !ok {
		return 0
	}
	left := deadline.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}
