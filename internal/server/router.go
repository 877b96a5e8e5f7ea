// Package server exposes the someday services over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/someday/internal/apperr"
	"github.com/MarcoPoloResearchLab/someday/internal/auth"
	"github.com/MarcoPoloResearchLab/someday/internal/feed"
	"github.com/MarcoPoloResearchLab/someday/internal/notes"
	"github.com/MarcoPoloResearchLab/someday/internal/profiles"
	"github.com/MarcoPoloResearchLab/someday/internal/relations"
	"github.com/MarcoPoloResearchLab/someday/internal/threads"
	"github.com/MarcoPoloResearchLab/someday/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "someday_user_id"
	sessionIDContextKey = "someday_session_id"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingSessionTracker   = errors.New("session tracker dependency required")
	errMissingUsersService     = errors.New("users service dependency required")
	errMissingProfilesService  = errors.New("profiles service dependency required")
	errMissingOnboardingGate   = errors.New("onboarding gate dependency required")
	errMissingNotesService     = errors.New("notes service dependency required")
	errMissingThreadResolver   = errors.New("thread resolver dependency required")
	errMissingRelations        = errors.New("follow and cheer services required")
	errMissingEventSource      = errors.New("event source dependency required")
)

type Dependencies struct {
	SessionValidator *auth.SessionValidator
	SessionTracker   *auth.SessionTracker
	Users            *users.Service
	Profiles         *profiles.Service
	Onboarding       *profiles.Gate
	Notes            *notes.Service
	Threads          *threads.Resolver
	Follows          *relations.Service
	Cheers           *relations.Service
	Events           feed.EventSource
	FeedPageSize     int
	AllowedOrigins   []string
	HeartbeatPeriod  time.Duration
	Logger           *zap.Logger
}

// NewHTTPHandler builds the router and registers the onboarding gate on the session tracker.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatPeriod
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatPeriod
	}

	handler := &httpHandler{
		sessions:     deps.SessionValidator,
		tracker:      deps.SessionTracker,
		users:        deps.Users,
		profiles:     deps.Profiles,
		onboarding:   deps.Onboarding,
		notes:        deps.Notes,
		threads:      deps.Threads,
		follows:      deps.Follows,
		cheers:       deps.Cheers,
		events:       deps.Events,
		feedPageSize: deps.FeedPageSize,
		heartbeat:    heartbeat,
		logger:       logger,
	}
	deps.SessionTracker.OnTransition(handler.onSessionTransition)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/session", handler.handleGetSession)
	protected.DELETE("/session", handler.handleEndSession)

	protected.GET("/profiles/:id", handler.handleGetProfile)
	protected.PUT("/profiles/me", handler.handleUpdateProfile)
	protected.POST("/profiles/:id/follow", handler.handleToggleFollow)

	protected.GET("/notes", handler.handleListNotes)
	protected.POST("/notes", handler.handleCreateNote)
	protected.GET("/notes/:id", handler.handleGetNote)
	protected.PATCH("/notes/:id", handler.handleUpdateNote)
	protected.POST("/notes/:id/archive", handler.handleArchiveNote)
	protected.DELETE("/notes/:id", handler.handleDeleteNote)
	protected.POST("/notes/:id/replies", handler.handleReply)
	protected.POST("/notes/:id/cheer", handler.handleToggleCheer)
	protected.GET("/notes/:id/comments", handler.handleListComments)
	protected.POST("/notes/:id/comments", handler.handleAddComment)
	protected.GET("/notes/:id/comments/stream", handler.handleCommentStream)
	protected.GET("/threads/:id", handler.handleGetThread)
	protected.GET("/feed/stream", handler.handleFeedStream)

	return router, nil
}

func (deps Dependencies) validate() error {
	switch {
	case deps.SessionValidator == nil:
		return errMissingSessionValidator
	case deps.SessionTracker == nil:
		return errMissingSessionTracker
	case deps.Users == nil:
		return errMissingUsersService
	case deps.Profiles == nil:
		return errMissingProfilesService
	case deps.Onboarding == nil:
		return errMissingOnboardingGate
	case deps.Notes == nil:
		return errMissingNotesService
	case deps.Threads == nil:
		return errMissingThreadResolver
	case deps.Follows == nil || deps.Cheers == nil:
		return errMissingRelations
	case deps.Events == nil:
		return errMissingEventSource
	}
	return nil
}

// corsMiddleware allows the listed origins, or any origin when none are configured.
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Type"},
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
	sessions     *auth.SessionValidator
	tracker      *auth.SessionTracker
	users        *users.Service
	profiles     *profiles.Service
	onboarding   *profiles.Gate
	notes        *notes.Service
	threads      *threads.Resolver
	follows      *relations.Service
	cheers       *relations.Service
	events       feed.EventSource
	feedPageSize int
	heartbeat    time.Duration
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeRequest validates the session, resolves the canonical user id and reports the session
// to the tracker. Tracker failures are logged and do not reject the request.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Debug("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("canonical user resolution failed", zap.Error(err))
		writeServiceError(c, err)
		c.Abort()
		return
	}

	sessionID := claims.SessionID()
	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	if _, _, err := h.tracker.Observe(c.Request.Context(), sessionID, userID, expiresAt); err != nil {
		h.logger.Warn("session sign-in incomplete",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
			zap.Error(err))
	}

	c.Set(userIDContextKey, userID)
	c.Set(sessionIDContextKey, sessionID)
	c.Next()
}

func (h *httpHandler) onSessionTransition(ctx context.Context, transition auth.Transition) error {
	switch transition.Kind {
	case auth.TransitionSignedIn:
		_, err := h.onboarding.SignIn(ctx, transition.SessionID, transition.UserID)
		return err
	case auth.TransitionSignedOut:
		h.onboarding.SignOut(transition.SessionID)
	}
	return nil
}

type sessionResponsePayload struct {
	UserID          string          `json:"user_id"`
	SessionID       string          `json:"session_id"`
	Profile         *profilePayload `json:"profile"`
	NeedsOnboarding bool            `json:"needs_onboarding"`
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	sessionID := c.GetString(sessionIDContextKey)

	response := sessionResponsePayload{
		UserID:          userID,
		SessionID:       sessionID,
		NeedsOnboarding: h.onboarding.TakeOnboarding(sessionID),
	}
	profile, err := h.profiles.Get(c.Request.Context(), userID)
	switch {
	case err == nil:
		payload := newProfilePayload(profile)
		response.Profile = &payload
	case apperr.KindOf(err) == apperr.KindNotFound:
	default:
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleEndSession(c *gin.Context) {
	h.tracker.End(c.Request.Context(), c.GetString(sessionIDContextKey))
	c.Status(http.StatusNoContent)
}
