package exercise

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxContentLength   = 4000
	orderLedger        = "step ASC, item_key ASC, author_id ASC"
	queryLedgerSession = columnSessionID + " = ?"
)

// ResponseInput is one submission to the ledger.
type ResponseInput struct {
	SessionID SessionID
	Step      int
	ItemKey   string
	AuthorID  ParticipantID
	Content   string
}

// ResponseLedger stores the current response per (session, step, item, author). Resubmission
// replaces content in place; no duplicate rows are ever created for a tuple.
type ResponseLedger struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
}

// NewResponseLedger constructs a ledger over db.
func NewResponseLedger(db *gorm.DB, clock func() time.Time, idProvider IDProvider) *ResponseLedger {
	if clock == nil {
		clock = time.Now
	}
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	return &ResponseLedger{db: db, clock: clock, idProvider: idProvider}
}

// NormalizeContent trims content and enforces the non-empty and length bounds.
func NormalizeContent(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	if utf8.RuneCountInString(trimmed) > maxContentLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidContent, maxContentLength)
	}
	return trimmed, nil
}

func (ledger *ResponseLedger) putResponse(db *gorm.DB, session Session, input ResponseInput) (Response, error) {
	content, err := NormalizeContent(input.Content)
	if err != nil {
		return Response{}, err
	}
	itemKey := strings.TrimSpace(input.ItemKey)
	if err := checkItemKey(session, input.Step, itemKey); err != nil {
		return Response{}, err
	}

	responseID, err := ledger.idProvider.NewID()
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", errIDGeneration, err)
	}
	nowMillis := ledger.clock().UTC().UnixMilli()
	model := Response{
		ResponseID:      responseID,
		SessionID:       input.SessionID.String(),
		Step:            input.Step,
		ItemKey:         itemKey,
		AuthorID:        input.AuthorID.String(),
		Content:         content,
		CreatedAtMillis: nowMillis,
		UpdatedAtMillis: nowMillis,
	}
	err = db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: columnSessionID},
			{Name: "step"},
			{Name: "item_key"},
			{Name: "author_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at_ms"}),
	}).Create(&model).Error
	if err != nil {
		return Response{}, err
	}

	var stored Response
	err = db.Where(queryLedgerSession+" AND step = ? AND item_key = ? AND author_id = ?",
		model.SessionID, model.Step, model.ItemKey, model.AuthorID).
		Take(&stored).Error
	return stored, err
}

func checkItemKey(session Session, step int, itemKey string) error {
	if session.Topology != TopologyTwoPhaseReveal {
		if itemKey != "" {
			return fmt.Errorf("%w: %s steps take no item key", ErrUnknownItem, session.Topology)
		}
		return nil
	}
	for _, known := range session.ItemKeys() {
		if known == itemKey {
			return nil
		}
	}
	return fmt.Errorf("%w: %q in step %d", ErrUnknownItem, itemKey, step)
}

// GetResponses reads the ledger for a session, optionally filtered to one step.
func (ledger *ResponseLedger) GetResponses(ctx context.Context, sessionID SessionID, step *int) ([]Response, error) {
	return getResponses(ledger.db.WithContext(ctx), sessionID, step)
}

func getResponses(db *gorm.DB, sessionID SessionID, step *int) ([]Response, error) {
	query := db.Where(queryLedgerSession, sessionID.String())
	if step != nil {
		query = query.Where("step = ?", *step)
	}
	var responses []Response
	err := query.Order(orderLedger).Find(&responses).Error
	return responses, err
}

// GetResponsesByAuthor reads one author's entries for a session.
func (ledger *ResponseLedger) GetResponsesByAuthor(ctx context.Context, sessionID SessionID, authorID ParticipantID) ([]Response, error) {
	var responses []Response
	err := ledger.db.WithContext(ctx).
		Where(queryLedgerSession+" AND author_id = ?", sessionID.String(), authorID.String()).
		Order(orderLedger).
		Find(&responses).Error
	return responses, err
}

func getResponsesByAuthorAndStep(db *gorm.DB, sessionID SessionID, authorID ParticipantID, step int) ([]Response, error) {
	var responses []Response
	err := db.Where(queryLedgerSession+" AND author_id = ? AND step = ?", sessionID.String(), authorID.String(), step).
		Order(orderLedger).
		Find(&responses).Error
	return responses, err
}
