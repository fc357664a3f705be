// Package status exposes the coordinated lock's state over HTTP and the
// gRPC health protocol.
package status

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/lockcoord/internal/lock"
	"github.com/kneutral-org/lockcoord/internal/logging"
	"github.com/kneutral-org/lockcoord/internal/metrics"
	"github.com/kneutral-org/lockcoord/internal/middleware"
)

// LockInfo is the read-only view of a lock handle.
type LockInfo interface {
	Name() string
	Key() uint64
	State() lock.State
}

// Leadership is the part of a leader elector the admin surface drives.
type Leadership interface {
	IsLeader() bool
	Resign(ctx context.Context) error
}

// LockResponse describes the coordinated lock. Key is a decimal string
// because JSON numbers cannot carry every uint64.
type LockResponse struct {
	Name   string `json:"name"`
	Key    string `json:"key"`
	State  string `json:"state"`
	Leader bool   `json:"leader"`
}

// ResignRequest is the optional body of a resign call.
type ResignRequest struct {
	Reason string `json:"reason"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Handler serves the status and admin endpoints.
type Handler struct {
	lock            LockInfo
	elector         Leadership
	logger          zerolog.Logger
	adminMaxPayload int64
}

// NewHandler creates a new status handler.
func NewHandler(l LockInfo, elector Leadership, logger zerolog.Logger, adminMaxPayload int64) *Handler {
	return &Handler{
		lock:            l,
		elector:         elector,
		logger:          logger.With().Str("component", "status").Logger(),
		adminMaxPayload: adminMaxPayload,
	}
}

// RegisterRoutes registers the health, metrics, lock and admin routes.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	metrics.RegisterMetricsEndpoint(router)

	apiV1 := router.Group("/api/v1")
	apiV1.GET("/lock", h.GetLock)

	admin := apiV1.Group("/lock")
	admin.Use(middleware.PayloadLimit(h.adminMaxPayload, h.logger))
	admin.POST("/resign", h.Resign)
}

// Health reports that the process is serving. Leadership is informational.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"lock":   h.lock.State().String(),
		"leader": h.elector.IsLeader(),
	})
}

// GetLock returns the lock's identity, state and leadership.
func (h *Handler) GetLock(c *gin.Context) {
	c.JSON(http.StatusOK, LockResponse{
		Name:   h.lock.Name(),
		Key:    strconv.FormatUint(h.lock.Key(), 10),
		State:  h.lock.State().String(),
		Leader: h.elector.IsLeader(),
	})
}

// Resign makes this instance give up leadership. The body is optional.
func (h *Handler) Resign(c *gin.Context) {
	var req ResignRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalidRequest",
			Message: err.Error(),
		})
		return
	}

	logger := logging.LockLogger(
		logging.LoggerFromContext(c.Request.Context(), h.logger),
		h.lock.Name(), h.lock.Key(),
	).With().Str("reason", req.Reason).Logger()

	err := h.elector.Resign(c.Request.Context())
	switch {
	case errors.Is(err, lock.ErrNotLeader):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "notLeader",
			Message: "this instance does not hold the lock",
		})
		return
	case err != nil:
		logger.Error().Err(err).Msg("resign failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "resignFailed",
			Message: err.Error(),
		})
		return
	}

	logger.Info().Msg("leadership resigned")
	c.JSON(http.StatusAccepted, gin.H{"status": "resigned"})
}
