package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/internal/auth"
	"github.com/MarcoPoloResearchLab/tandem/internal/exercise"
	"github.com/MarcoPoloResearchLab/tandem/internal/pairings"
	"github.com/MarcoPoloResearchLab/tandem/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "tandem_user_id"
	pairingIDContextKey      = "tandem_pairing_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingPairingService   = errors.New("pairing service dependency required")
	errMissingEngine           = errors.New("exercise engine dependency required")
)

// SessionValidator authenticates requests from the TAuth session cookie.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims to a Tandem user id.
type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// PairingService owns the pairing lifecycle.
type PairingService interface {
	CreateInvite(ctx context.Context, inviterID string) (pairings.Invite, error)
	AcceptInvite(ctx context.Context, token, inviteeID string) (pairings.Pairing, error)
	ResolvePairing(ctx context.Context, userID string) (pairings.Pairing, error)
	Dissolve(ctx context.Context, userID string) (pairings.Pairing, error)
}

type Dependencies struct {
	SessionValidator  SessionValidator
	Users             UserResolver
	Pairings          PairingService
	Engine            *exercise.Engine
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.Pairings == nil {
		return nil, errMissingPairingService
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:          deps.SessionValidator,
		users:             deps.Users,
		pairings:          deps.Pairings,
		engine:            deps.Engine,
		realtime:          realtime,
		logger:            logger,
		heartbeatInterval: heartbeat,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authenticated := router.Group("/")
	authenticated.Use(handler.authorizeRequest)
	authenticated.POST("/pairings/invites", handler.handleCreateInvite)
	authenticated.POST("/pairings/accept", handler.handleAcceptInvite)
	authenticated.GET("/pairings/current", handler.handleCurrentPairing)
	authenticated.DELETE("/pairings/current", handler.handleDissolvePairing)

	paired := authenticated.Group("/")
	paired.Use(handler.requirePairing)
	paired.POST("/sessions", handler.handleGetOrCreateSession)
	paired.GET("/sessions/:sessionID", handler.handleGetSession)
	paired.POST("/sessions/:sessionID/responses", handler.handleSubmitResponse)
	paired.GET("/sessions/:sessionID/responses", handler.handleOwnResponses)
	paired.PUT("/sessions/:sessionID/phases/:phase", handler.handleSubmitPhase)
	paired.POST("/sessions/:sessionID/phases/:phase/complete", handler.handleCompletePhase)
	paired.GET("/sessions/:sessionID/phases/:phase/partner", handler.handlePartnerResponses)
	paired.GET("/sessions/:sessionID/reveal", handler.handleReveal)
	paired.POST("/sessions/:sessionID/close", handler.handleCloseSession)
	paired.GET("/history", handler.handleHistory)
	paired.POST("/countdown", handler.handleActivateCountdown)
	paired.GET("/countdown", handler.handleCurrentCountdown)
	paired.GET("/countdown/:sessionID/remaining", handler.handleCountdownRemaining)
	paired.POST("/countdown/:sessionID/end", handler.handleEndCountdown)
	paired.GET("/events/stream", handler.handleEventStream)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "X-TAuth-Tenant", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) > 0 {
		config.AllowOrigins = allowedOrigins
	} else {
		config.AllowOriginFunc = func(string) bool { return true }
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions          SessionValidator
	users             UserResolver
	pairings          PairingService
	engine            *exercise.Engine
	realtime          *RealtimeDispatcher
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrUserInactive) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user_inactive"})
			return
		}
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("user resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "user_resolution_failed"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) requirePairing(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	pairing, err := h.pairings.ResolvePairing(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, pairings.ErrPairingNotFound) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "pairing_required"})
			return
		}
		h.logger.Error("pairing resolution failed", zap.String("user_id", userID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "pairing_resolution_failed"})
		return
	}
	participantID, participantErr := exercise.NewParticipantID(userID)
	pairingID, pairingErr := exercise.NewPairingID(pairing.PairingID)
	if err := errors.Join(participantErr, pairingErr); err != nil {
		h.logger.Error("pairing identifiers rejected", zap.String("user_id", userID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "pairing_resolution_failed"})
		return
	}
	c.Set(userIDContextKey, participantID.String())
	c.Set(pairingIDContextKey, pairingID.String())
	c.Next()
}

func participantFrom(c *gin.Context) exercise.Participant {
	return exercise.Participant{
		UserID:    exercise.ParticipantID(c.GetString(userIDContextKey)),
		PairingID: exercise.PairingID(c.GetString(pairingIDContextKey)),
	}
}

// writeError maps domain failures to HTTP responses. Blocked states are expected waits and
// answer 200 with a waiting status.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	if reason, ok := exercise.BlockedReason(err); ok {
		c.JSON(http.StatusOK, gin.H{"status": "waiting", "reason": reason})
		return
	}
	switch {
	case errors.Is(err, exercise.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_authorized"})
	case errors.Is(err, exercise.ErrSessionNotFound), errors.Is(err, pairings.ErrPairingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, exercise.ErrInvalidContent):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_content", "detail": err.Error()})
	case errors.Is(err, exercise.ErrInvalidPhase),
		errors.Is(err, exercise.ErrUnknownItem),
		errors.Is(err, exercise.ErrInvalidSessionID):
		h.logger.Warn("invalid phase request", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_phase", "detail": err.Error()})
	case errors.Is(err, exercise.ErrAlreadyClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_closed"})
	case errors.Is(err, exercise.ErrAlreadyActive):
		c.JSON(http.StatusConflict, gin.H{"error": "already_active"})
	case errors.Is(err, pairings.ErrAlreadyPaired):
		c.JSON(http.StatusConflict, gin.H{"error": "already_paired"})
	case errors.Is(err, pairings.ErrInviteUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "invite_unavailable"})
	case errors.Is(err, pairings.ErrSelfInvite),
		errors.Is(err, auth.ErrInvalidInviteToken),
		errors.Is(err, auth.ErrExpiredInviteToken),
		errors.Is(err, auth.ErrMissingInviteClaims):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_invite"})
	default:
		code := "internal"
		var serviceErr *exercise.ServiceError
		if errors.As(err, &serviceErr) {
			code = serviceErr.Code()
		}
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": code})
	}
}
