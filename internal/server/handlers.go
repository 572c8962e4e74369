package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/internal/exercise"
	"github.com/MarcoPoloResearchLab/tandem/internal/pairings"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 20

type acceptInviteRequest struct {
	Token string `json:"token"`
}

type sessionRequest struct {
	Topology string `json:"topology"`
}

type responseRequest struct {
	Phase   string `json:"phase"`
	ItemKey string `json:"item_key"`
	Content string `json:"content"`
}

type answerPayload struct {
	ItemKey string `json:"item_key"`
	Content string `json:"content"`
}

type phaseRequest struct {
	Answers  []answerPayload `json:"answers"`
	Complete bool            `json:"complete"`
}

type closeRequest struct {
	Reflection string `json:"reflection"`
}

type pairingPayload struct {
	PairingID  string     `json:"pairing_id"`
	PartnerID  string     `json:"partner_id"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
}

type questionPayload struct {
	Key    string `json:"key"`
	Prompt string `json:"prompt"`
}

type sessionPayload struct {
	SessionID   string            `json:"session_id"`
	PairingID   string            `json:"pairing_id"`
	Topology    string            `json:"topology"`
	CurrentStep int               `json:"current_step"`
	Phase       string            `json:"phase"`
	Status      string            `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	Questions   []questionPayload `json:"questions,omitempty"`
	MyScore     *float64          `json:"my_score,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	Deadline    *time.Time        `json:"deadline,omitempty"`
	RemainingMS *int64            `json:"remaining_ms,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	ClosedBy    string            `json:"closed_by,omitempty"`
	DurationMS  *int64            `json:"duration_ms,omitempty"`
	Reflection  string            `json:"reflection,omitempty"`
}

type responsePayload struct {
	Step      int       `json:"step"`
	ItemKey   string    `json:"item_key"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

type directedPayload struct {
	SubjectID   string `json:"subject_id"`
	GuesserID   string `json:"guesser_id"`
	Truth       string `json:"truth"`
	TruthStatus string `json:"truth_status"`
	Guess       string `json:"guess"`
	GuessStatus string `json:"guess_status"`
	Matched     bool   `json:"matched"`
}

type comparisonPayload struct {
	ItemKey string          `json:"item_key"`
	Prompt  string          `json:"prompt"`
	AboutA  directedPayload `json:"about_a"`
	AboutB  directedPayload `json:"about_b"`
}

type countdownPayload struct {
	Session    sessionPayload `json:"session"`
	Active     bool           `json:"active"`
	ClosedNow  bool           `json:"closed_now"`
	DurationMS int64          `json:"duration_ms"`
}

type eventPayload struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"session_id,omitempty"`
	Topology    string    `json:"topology,omitempty"`
	CurrentStep int       `json:"current_step"`
	ActorID     string    `json:"actor_id,omitempty"`
	ClosedBy    string    `json:"closed_by,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
}

func (h *httpHandler) handleCreateInvite(c *gin.Context) {
	invite, err := h.pairings.CreateInvite(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"pairing_id": invite.PairingID,
		"token":      invite.Token,
		"expires_at": invite.ExpiresAt,
	})
}

func (h *httpHandler) handleAcceptInvite(c *gin.Context) {
	var request acceptInviteRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	userID := c.GetString(userIDContextKey)
	pairing, err := h.pairings.AcceptInvite(c.Request.Context(), request.Token, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPairingPayload(pairing, userID))
}

func (h *httpHandler) handleCurrentPairing(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	pairing, err := h.pairings.ResolvePairing(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPairingPayload(pairing, userID))
}

func (h *httpHandler) handleDissolvePairing(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	pairing, err := h.pairings.Dissolve(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPairingPayload(pairing, userID))
}

func (h *httpHandler) handleGetOrCreateSession(c *gin.Context) {
	var request sessionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	topology, err := exercise.ParseTopology(request.Topology)
	if err != nil {
		h.writeError(c, err)
		return
	}
	view, err := h.engine.GetOrCreateSession(c.Request.Context(), participantFrom(c), topology)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.toSessionPayload(view))
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	sessionID, ok := h.sessionIDParam(c)
	if !ok {
		return
	}
	view, err := h.engine.GetSession(c.Request.Context(), participantFrom(c), sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.toSessionPayload(view))
}

func (h *httpHandler) handleSubmitResponse(c *gin.Context) {
	sessionID, ok := h.sessionIDParam(c)
	if !ok {
		return
	}
	var request responseRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	step, ok := h.resolveStep(c, sessionID, request.Phase)
	if !ok {
		return
	}
	view, err := h.engine.SubmitResponse(c.Request.Context(), participantFrom(c), exercise.SubmitRequest{
		SessionID: sessionID,
		Step:      step,
		ItemKey:   request.ItemKey,
		Content:   request.Content,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.toSessionPayload(view))
}

func (h *httpHandler) handleSubmitPhase(c *gin.Context) {
	sessionID, ok := h.sessionIDParam(c)
	if !ok {
		return
	}
	var request phaseRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	step, ok := h.resolveStep(c, sessionID, c.Param("phase"))
	if !ok {
		return
	}
	answers := make([]exercise.Answer, 0, len(request.Answers))
	for _, answer := range request.Answers {
		answers = append(answers, exercise.Answer{ItemKey: answer.ItemKey, Content: answer.Content})
	}
	view, err := h.engine.SubmitPhase(c.Request.Context(), participantFrom(c), sessionID, step, answers, request.Complete)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.toSessionPayload(view))
}

func (h *httpHandler) handleCompletePhase(c *gin.Context) {
	sessionID, ok := h.sessionIDParam(c)
	if !ok {
		return
	}
	step, ok := h.resolveStep(c, sessionID, c.Param("phase"))
	if !ok {
		return
	}
	view, err := h.engine.CompletePhase(c.Request.Context(), participantFrom(c), sessionID, step)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.toSessionPayload(view))
}

func (h *httpHandler) handlePartnerResponses(c *gin.Context) {
	sessionID, ok := h.sessionIDParam(c)
	if !ok {
		return
	}
	step, ok := h.resolveStep(c, sessionID, c.Param("phase"))
	if !ok {
		return
	}
	responses, err := h.engine.ReadPartnerResponses(c.Request.Context(), participantFrom(c), sessionID, step)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"responses": toResponsePayloads(responses)})
}

func (h *httpHandler) handleOwnResponses(c *gin.Context) {
	sessionID, ok := h.sessionIDParam(c)
	if !ok {
		return
	}
	responses, err := h.engine.OwnResponses(c.Request.Context(), participantFrom(c), sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"responses": toResponsePayloads(responses)})
}

func (h *httpHandler) handleReveal(c *gin.Context) {
	sessionID, ok := h.sessionIDParam(c)
	if !ok {
		return
	}
	reveal, err := h.engine.Reveal(c.Request.Context(), participantFrom(c), sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	results := make([]comparisonPayload, 0, len(reveal.Results))
	for _, result := range reveal.Results {
		results = append(results, comparisonPayload{
			ItemKey: result.ItemKey,
			Prompt:  result.Prompt,
			AboutA:  toDirectedPayload(result.AboutA),
			AboutB:  toDirectedPayload(result.AboutB),
		})
	}
	participant := participantFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"session": h.toSessionPayload(h.sessionView(reveal.Session, participant.UserID)),
		"results": results,
	})
}

func (h *httpHandler) handleCloseSession(c *gin.Context) {
	sessionID, ok := h.sessionIDParam(c)
	if !ok {
		return
	}
	request, ok := bindOptionalClose(c)
	if !ok {
		return
	}
	view, err := h.engine.CompleteSession(c.Request.Context(), participantFrom(c), sessionID, request.Reflection)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.toSessionPayload(view))
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	participant := participantFrom(c)
	sessions, err := h.engine.History(c.Request.Context(), participant, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	payloads := make([]sessionPayload, 0, len(sessions))
	for _, session := range sessions {
		payloads = append(payloads, h.toSessionPayload(h.sessionView(session, participant.UserID)))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": payloads})
}

func (h *httpHandler) handleActivateCountdown(c *gin.Context) {
	participant := participantFrom(c)
	view, err := h.engine.Activate(c.Request.Context(), participant)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.toCountdownPayload(view, participant.UserID))
}

func (h *httpHandler) handleCurrentCountdown(c *gin.Context) {
	participant := participantFrom(c)
	view, err := h.engine.Countdown().Current(c.Request.Context(), participant)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.toCountdownPayload(view, participant.UserID))
}

func (h *httpHandler) handleCountdownRemaining(c *gin.Context) {
	sessionID, ok := h.sessionIDParam(c)
	if !ok {
		return
	}
	remaining, err := h.engine.GetRemaining(c.Request.Context(), participantFrom(c), sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"remaining_ms": remaining.Milliseconds()})
}

func (h *httpHandler) handleEndCountdown(c *gin.Context) {
	sessionID, ok := h.sessionIDParam(c)
	if !ok {
		return
	}
	request, ok := bindOptionalClose(c)
	if !ok {
		return
	}
	participant := participantFrom(c)
	view, err := h.engine.EndEarly(c.Request.Context(), participant, sessionID, request.Reflection)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.toCountdownPayload(view, participant.UserID))
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	participant := participantFrom(c)
	ctx := c.Request.Context()
	events, cleanup := h.realtime.Subscribe(ctx, participant.PairingID)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	h.logger.Debug("event stream opened",
		zap.String("pairing_id", participant.PairingID.String()),
		zap.String("user_id", participant.UserID.String()))

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			payload, err := json.Marshal(toEventPayload(event))
			if err != nil {
				h.logger.Error("event encode failed", zap.Error(err))
				return true
			}
			c.SSEvent(string(event.Type), string(payload))
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "timestamp": time.Now().UTC()})
			return true
		}
	})
}

func (h *httpHandler) sessionIDParam(c *gin.Context) (exercise.SessionID, bool) {
	sessionID, err := exercise.NewSessionID(c.Param("sessionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session_id"})
		return "", false
	}
	return sessionID, true
}

// resolveStep maps a phase name to a step index using the session's topology.
func (h *httpHandler) resolveStep(c *gin.Context, sessionID exercise.SessionID, phase string) (int, bool) {
	view, err := h.engine.GetSession(c.Request.Context(), participantFrom(c), sessionID)
	if err != nil {
		h.writeError(c, err)
		return 0, false
	}
	step, err := exercise.ResolveStep(view.Session.Topology, h.engine.TurnPlan(), phase)
	if err != nil {
		h.writeError(c, err)
		return 0, false
	}
	return step, true
}

func bindOptionalClose(c *gin.Context) (closeRequest, bool) {
	var request closeRequest
	if c.Request.ContentLength == 0 {
		return request, true
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return request, false
	}
	return request, true
}

func toPairingPayload(pairing pairings.Pairing, userID string) pairingPayload {
	return pairingPayload{
		PairingID:  pairing.PairingID,
		PartnerID:  pairing.Partner(userID),
		Status:     string(pairing.Status),
		CreatedAt:  pairing.CreatedAt,
		AcceptedAt: pairing.AcceptedAt,
	}
}

// sessionView pairs a stored session with the viewer's gate status.
func (h *httpHandler) sessionView(session exercise.Session, viewer exercise.ParticipantID) exercise.SessionView {
	view := exercise.SessionView{Session: session, Viewer: viewer}
	if authorization, err := exercise.AuthorizedPhase(session, viewer, h.engine.TurnPlan()); err == nil {
		view.Authorization = authorization
	}
	return view
}

func (h *httpHandler) toSessionPayload(view exercise.SessionView) sessionPayload {
	session := view.Session
	payload := sessionPayload{
		SessionID:   session.SessionID,
		PairingID:   session.PairingID,
		Topology:    string(session.Topology),
		CurrentStep: session.CurrentStep,
		Phase:       exercise.PhaseName(session.Topology, h.engine.TurnPlan(), session.CurrentStep),
		Status:      string(view.Authorization.Status),
		Reason:      view.Authorization.Reason,
		StartedAt:   session.StartedAt(),
		DurationMS:  session.DurationMillis,
		Reflection:  session.Reflection,
	}
	if view.Authorization.Phase != "" {
		payload.Phase = view.Authorization.Phase
	}
	if payload.Status == "" {
		payload.Status = string(exercise.StatusActive)
		if !session.IsOpen() {
			payload.Status = string(exercise.StatusClosed)
		}
	}
	for _, question := range session.Questions {
		payload.Questions = append(payload.Questions, questionPayload{Key: question.Key, Prompt: question.Prompt})
	}
	if slot, ok := session.SlotOf(view.Viewer); ok {
		payload.MyScore = session.Score(slot)
	}
	if deadline, ok := session.Deadline(); ok {
		payload.Deadline = &deadline
		remaining := view.Remaining.Milliseconds()
		payload.RemainingMS = &remaining
	}
	if completedAt, ok := session.CompletedAt(); ok {
		payload.CompletedAt = &completedAt
	}
	if session.ClosedBy != nil {
		payload.ClosedBy = string(*session.ClosedBy)
	}
	return payload
}

func (h *httpHandler) toCountdownPayload(view exercise.CountdownView, viewer exercise.ParticipantID) countdownPayload {
	sessionView := h.sessionView(view.Session, viewer)
	sessionView.Remaining = view.Remaining
	return countdownPayload{
		Session:    h.toSessionPayload(sessionView),
		Active:     view.Active,
		ClosedNow:  view.ClosedNow,
		DurationMS: h.engine.Countdown().Duration().Milliseconds(),
	}
}

func toResponsePayloads(responses []exercise.Response) []responsePayload {
	payloads := make([]responsePayload, 0, len(responses))
	for _, response := range responses {
		payloads = append(payloads, responsePayload{
			Step:      response.Step,
			ItemKey:   response.ItemKey,
			AuthorID:  response.AuthorID,
			Content:   response.Content,
			UpdatedAt: time.UnixMilli(response.UpdatedAtMillis).UTC(),
		})
	}
	return payloads
}

func toDirectedPayload(comparison exercise.DirectedComparison) directedPayload {
	return directedPayload{
		SubjectID:   comparison.Subject.String(),
		GuesserID:   comparison.Guesser.String(),
		Truth:       comparison.Truth,
		TruthStatus: string(comparison.TruthStatus),
		Guess:       comparison.Guess,
		GuessStatus: string(comparison.GuessStatus),
		Matched:     comparison.Matched,
	}
}

func toEventPayload(event exercise.Event) eventPayload {
	return eventPayload{
		Type:        string(event.Type),
		SessionID:   event.SessionID.String(),
		Topology:    string(event.Topology),
		CurrentStep: event.CurrentStep,
		ActorID:     event.ActorID.String(),
		ClosedBy:    string(event.ClosedBy),
		Timestamp:   event.Timestamp,
		Source:      realtimeSourceBackend,
	}
}
