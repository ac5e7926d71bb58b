package dispute

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bmbapp/bmb/internal/auth"
)

// Handler serves read-only dispute views. Mutations go through the
// scenario action endpoints.
type Handler struct {
	service *Service
	watcher *Watcher
}

// NewHandler creates a dispute handler. watcher may be nil, which
// disables the event stream.
func NewHandler(service *Service, watcher *Watcher) *Handler {
	return &Handler{service: service, watcher: watcher}
}

// RegisterProtectedRoutes sets up dispute routes (auth required).
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/scenarios/:id/dispute", h.GetScenarioDispute)
	if h.watcher != nil {
		r.GET("/disputes/:id/events", h.StreamDispute)
	}
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	snap, err := h.service.Snapshot(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetScenarioDispute handles GET /v1/scenarios/:id/dispute
func (h *Handler) GetScenarioDispute(c *gin.Context) {
	d, err := h.service.LatestForScenario(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	snap, err := h.service.Snapshot(c.Request.Context(), d.ID, auth.UserID(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// StreamDispute handles GET /v1/disputes/:id/events as server-sent events.
func (h *Handler) StreamDispute(c *gin.Context) {
	snaps, err := h.watcher.Watch(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.Stream(func(w io.Writer) bool {
		snap, ok := <-snaps
		if !ok {
			return false
		}
		c.SSEvent("dispute", snap)
		return true
	})
}

// WriteError renders a dispute error as JSON.
func WriteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute not found"})
	case errors.Is(err, ErrVotingClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "voting_closed", "message": "Voting has closed for this dispute"})
	case errors.Is(err, ErrEvidenceAttached):
		c.JSON(http.StatusConflict, gin.H{"error": "evidence_attached", "message": "Evidence has already been uploaded for this dispute"})
	case errors.Is(err, ErrInvalidChoice):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_choice", "message": "Vote must be executor or customer"})
	case errors.Is(err, ErrNotParty):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_party", "message": "Only the dispute parties can upload evidence"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load dispute"})
	}
}
