package http

import (
	stderrors "errors"
	"net/http"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"
	"hangnet/pkg/errors"
	"hangnet/pkg/logger"

	"github.com/gin-gonic/gin"
)

type HangoutHandler struct {
	hangoutService ports.HangoutService
}

func NewHangoutHandler(hangoutService ports.HangoutService) *HangoutHandler {
	return &HangoutHandler{hangoutService: hangoutService}
}

func (h *HangoutHandler) SetupRoutes(router *gin.Engine, authRequired gin.HandlerFunc) {
	api := router.Group("/api/v1")
	api.Use(authRequired)
	{
		api.POST("/hangouts", h.CreateHangout)
		api.GET("/hangouts/:id", h.GetHangout)
		api.GET("/hangouts/:id/state", h.GetRoomState)
		api.POST("/hangouts/:id/end", h.EndHangout)
		api.POST("/hangouts/:id/broadcast/start", h.StartBroadcast)
		api.POST("/hangouts/:id/broadcast/stop", h.StopBroadcast)
	}
}

type CreateHangoutRequest struct {
	Name            string `json:"name" binding:"max=120"`
	Visibility      string `json:"visibility" binding:"omitempty,oneof=public private"`
	MaxParticipants int    `json:"max_participants" binding:"omitempty,min=2,max=50"`
	BroadcastURL    string `json:"broadcast_url" binding:"omitempty,max=2048"`
}

func (h *HangoutHandler) CreateHangout(c *gin.Context) {
	var req CreateHangoutRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format")) //nolint:errcheck
		return
	}

	creator, ok := currentUser(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required")) //nolint:errcheck
		return
	}

	hangout, err := h.hangoutService.Create(
		c.Request.Context(),
		req.Name,
		creator,
		domain.Visibility(req.Visibility),
		req.MaxParticipants,
		req.BroadcastURL,
	)
	if err != nil {
		c.Error(toAppError(err)) //nolint:errcheck
		return
	}

	c.JSON(http.StatusCreated, gin.H{"hangout": hangout})
}

func (h *HangoutHandler) GetHangout(c *gin.Context) {
	id := hangoutID(c)

	hangout, err := h.hangoutService.Get(c.Request.Context(), id)
	if err != nil {
		c.Error(toAppError(err)) //nolint:errcheck
		return
	}

	c.JSON(http.StatusOK, gin.H{"hangout": hangout})
}

func (h *HangoutHandler) GetRoomState(c *gin.Context) {
	id := hangoutID(c)

	snapshot, err := h.hangoutService.Snapshot(c.Request.Context(), id)
	if err != nil {
		c.Error(toAppError(err)) //nolint:errcheck
		return
	}

	c.JSON(http.StatusOK, gin.H{"snapshot": snapshot})
}

func (h *HangoutHandler) EndHangout(c *gin.Context) {
	id := hangoutID(c)

	actor, ok := currentUser(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required")) //nolint:errcheck
		return
	}

	if err := h.hangoutService.End(c.Request.Context(), id, actor); err != nil {
		c.Error(toAppError(err)) //nolint:errcheck
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

func (h *HangoutHandler) StartBroadcast(c *gin.Context) {
	id := hangoutID(c)

	actor, ok := currentUser(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required")) //nolint:errcheck
		return
	}

	if err := h.hangoutService.StartBroadcast(c.Request.Context(), id, actor); err != nil {
		c.Error(toAppError(err)) //nolint:errcheck
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "broadcasting"})
}

func (h *HangoutHandler) StopBroadcast(c *gin.Context) {
	id := hangoutID(c)

	actor, ok := currentUser(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required")) //nolint:errcheck
		return
	}

	if err := h.hangoutService.StopBroadcast(c.Request.Context(), id, actor); err != nil {
		c.Error(toAppError(err)) //nolint:errcheck
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// hangoutID reads the :id route parameter and stamps it into the request
// context so downstream log lines carry it.
func hangoutID(c *gin.Context) domain.HangoutID {
	id := domain.HangoutID(c.Param("id"))
	c.Request = c.Request.WithContext(logger.WithHangoutID(c.Request.Context(), string(id)))
	return id
}

func currentUser(c *gin.Context) (domain.UserID, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		return "", false
	}
	userID, ok := val.(domain.UserID)
	return userID, ok
}

// toAppError maps domain errors onto the HTTP error envelope.
func toAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case stderrors.Is(err, domain.ErrHangoutNotFound):
		return errors.NewNotFoundError("hangout")
	case stderrors.Is(err, domain.ErrParticipantNotFound):
		return errors.NewNotFoundError("participant")
	case stderrors.Is(err, domain.ErrForbidden):
		return errors.NewForbiddenError("not allowed")
	case stderrors.Is(err, domain.ErrCapacityExceeded):
		return errors.NewCapacityExceededError("hangout is full")
	case stderrors.Is(err, domain.ErrSessionClosed):
		return errors.NewSessionClosedError("hangout has ended")
	default:
		return errors.WrapError(err, errors.ErrCodeInternal, err.Error(), http.StatusInternalServerError)
	}
}
