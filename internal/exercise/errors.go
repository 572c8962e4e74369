package exercise

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthorized indicates the caller is not one of the session's two bound participants.
	ErrNotAuthorized = errors.New("exercise: not authorized")
	// ErrBlocked indicates an action that is valid in principle but not legal yet.
	ErrBlocked = errors.New("exercise: blocked")
	// ErrPartnerNotReady is the privacy-gate specialization of ErrBlocked.
	ErrPartnerNotReady = errors.New("exercise: partner not ready")
	// ErrInvalidPhase indicates an action targeting a phase outside the session's position.
	ErrInvalidPhase = errors.New("exercise: invalid phase")
	// ErrAlreadyClosed indicates a non-idempotent mutation on a terminal session.
	ErrAlreadyClosed = errors.New("exercise: session already closed")
	// ErrAlreadyActive indicates a countdown is already open for the pairing.
	ErrAlreadyActive = errors.New("exercise: countdown already active")
	// ErrSessionNotFound indicates the session does not exist.
	ErrSessionNotFound = errors.New("exercise: session not found")
	// ErrInvalidContent indicates empty or oversized response content.
	ErrInvalidContent = errors.New("exercise: invalid content")
	// ErrUnknownItem indicates a response keyed to a question outside the session's set.
	ErrUnknownItem = errors.New("exercise: unknown item")

	errMissingDatabase  = errors.New("database handle is required")
	errMissingDirectory = errors.New("member directory is required")
	errIDGeneration     = errors.New("identifier generation failed")
)

// Blocked reasons surfaced to clients as waiting states.
const (
	ReasonPartnerNotReady   = "partner-not-ready"
	ReasonWaitingForPartner = "waiting-for-partner"
	ReasonWaitingForSelf    = "waiting-for-self"
	ReasonPartnerTurn       = "partner-turn"
	ReasonRevealNotReady    = "reveal-not-ready"
	ReasonRevealRequired    = "reveal-required"
)

// BlockedError reports an expected waiting state.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrBlocked.Error(), e.Reason)
}

// Is matches ErrBlocked for every reason and ErrPartnerNotReady for the privacy gate.
func (e *BlockedError) Is(target error) bool {
	switch target {
	case ErrBlocked:
		return true
	case ErrPartnerNotReady:
		return e.Reason == ReasonPartnerNotReady
	default:
		return false
	}
}

func blocked(reason string) error {
	return &BlockedError{Reason: reason}
}

// BlockedReason extracts the waiting reason from err.
func BlockedReason(err error) (string, bool) {
	var blockedErr *BlockedError
	if errors.As(err, &blockedErr) {
		return blockedErr.Reason, true
	}
	return "", false
}

// ServiceError carries a stable "<operation>.<reason>" code for boundary mapping.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opEngineNew          = "exercise.engine.new"
	opGetOrCreateSession = "exercise.get_or_create_session"
	opGetSession         = "exercise.get_session"
	opSubmitResponse     = "exercise.submit_response"
	opCompletePhase      = "exercise.complete_phase"
	opReadPartner        = "exercise.read_partner_responses"
	opReveal             = "exercise.reveal"
	opCompleteSession    = "exercise.complete_session"
	opHistory            = "exercise.history"
	opActivate           = "exercise.countdown.activate"
	opEndEarly           = "exercise.countdown.end_early"
	opExpire             = "exercise.countdown.expire"
	opRecover            = "exercise.countdown.recover"
)

const (
	reasonMissingDatabase  = "missing_database"
	reasonMissingDirectory = "missing_directory"
	reasonInvalidPlan      = "invalid_plan"
	reasonMembersFailed    = "members_lookup_failed"
	reasonSessionLookup    = "session_lookup_failed"
	reasonSessionCreate    = "session_create_failed"
	reasonSessionUpdate    = "session_update_failed"
	reasonLedgerWrite      = "ledger_write_failed"
	reasonLedgerRead       = "ledger_read_failed"
	reasonIDGeneration     = "id_generation_failed"
	reasonQueryFailed      = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// isDomainError reports errors that describe caller state rather than infrastructure failures.
func isDomainError(err error) bool {
	return errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrBlocked) ||
		errors.Is(err, ErrInvalidPhase) ||
		errors.Is(err, ErrAlreadyClosed) ||
		errors.Is(err, ErrAlreadyActive) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrInvalidContent) ||
		errors.Is(err, ErrUnknownItem)
}
