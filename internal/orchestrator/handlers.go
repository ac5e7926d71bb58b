package orchestrator

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bmbapp/bmb/internal/auth"
	"github.com/bmbapp/bmb/internal/dispute"
	"github.com/bmbapp/bmb/internal/evidence"
	"github.com/bmbapp/bmb/internal/reconcile"
	"github.com/bmbapp/bmb/internal/scenario"
	"github.com/bmbapp/bmb/internal/validation"
)

// Handler serves the scenario and dispute actions.
type Handler struct {
	service          *Service
	maxEvidenceBytes int64
}

// NewHandler creates an action handler. maxEvidenceBytes bounds the
// multipart evidence body.
func NewHandler(service *Service, maxEvidenceBytes int64) *Handler {
	return &Handler{service: service, maxEvidenceBytes: maxEvidenceBytes}
}

// RegisterProtectedRoutes sets up action routes (auth required).
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/scenarios", h.CreateScenario)
	r.GET("/scenarios", h.ListScenarios)

	s := r.Group("/scenarios/:id", validation.IDParamMiddleware())
	s.GET("", h.GetScenario)
	s.PATCH("", h.UpdateTerms)
	s.PUT("/drafts/:field", h.EditDraft)
	s.POST("/drafts/:field/commit", h.CommitDraft)
	s.DELETE("/drafts/:field", h.CancelDraft)
	s.POST("/agree", h.Agree)
	s.POST("/lock", h.LockFunds)
	s.POST("/confirm", h.ConfirmCompletion)
	s.POST("/complete", h.MarkCustomerCompleted)
	s.POST("/dispute", h.OpenDispute)

	d := r.Group("/disputes/:id", validation.IDParamMiddleware())
	d.POST("/evidence", h.UploadEvidence)
	d.POST("/votes", h.Vote)
	d.POST("/finalize", h.FinalizeDispute)
}

// CreateScenarioRequest is the body of POST /v1/scenarios.
type CreateScenarioRequest struct {
	ExecutorID     string     `json:"executor_id" binding:"required"`
	Description    string     `json:"description"`
	DonationAmount string     `json:"donation_amount_usdt" binding:"required"`
	Date           string     `json:"date"`
	Time           string     `json:"time"`
	ExecutionTime  *time.Time `json:"execution_time"`
	Latitude       *float64   `json:"latitude"`
	Longitude      *float64   `json:"longitude"`
}

// CreateScenario handles POST /v1/scenarios
func (h *Handler) CreateScenario(c *gin.Context) {
	var req CreateScenarioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "executor_id and donation_amount_usdt are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("description", req.Description, validation.MaxDescriptionLength),
		validation.ValidAmount("donation_amount_usdt", req.DonationAmount),
		validation.ValidDate("date", req.Date),
		validation.ValidClock("time", req.Time),
		validation.InRange("latitude", req.Latitude, -90, 90),
		validation.InRange("longitude", req.Longitude, -180, 180),
	); len(errs) > 0 {
		writeValidation(c, errs)
		return
	}

	sc, err := h.service.CreateScenario(c.Request.Context(), auth.UserID(c), CreateInput{
		ExecutorID:     req.ExecutorID,
		Description:    validation.SanitizeString(req.Description, validation.MaxDescriptionLength),
		DonationAmount: req.DonationAmount,
		Date:           req.Date,
		Time:           req.Time,
		ExecutionTime:  req.ExecutionTime,
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sc)
}

// ListScenarios handles GET /v1/scenarios
func (h *Handler) ListScenarios(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	page, err := h.service.ListScenarios(c.Request.Context(), auth.UserID(c), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scenarios":   page.Items,
		"count":       len(page.Items),
		"next_cursor": page.NextCursor,
		"has_more":    page.HasMore,
	})
}

// GetScenario handles GET /v1/scenarios/:id
func (h *Handler) GetScenario(c *gin.Context) {
	v, err := h.service.View(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// UpdateTerms handles PATCH /v1/scenarios/:id
func (h *Handler) UpdateTerms(c *gin.Context) {
	var t scenario.Terms
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid terms body"})
		return
	}
	var validators []func() *validation.ValidationError
	if t.Description != nil {
		validators = append(validators, validation.MaxLength("description", *t.Description, validation.MaxDescriptionLength))
	}
	if t.DonationAmount != nil {
		validators = append(validators,
			validation.Required("donation_amount_usdt", *t.DonationAmount),
			validation.ValidAmount("donation_amount_usdt", *t.DonationAmount))
	}
	if t.Date != nil {
		validators = append(validators, validation.ValidDate("date", *t.Date))
	}
	if t.Time != nil {
		validators = append(validators, validation.ValidClock("time", *t.Time))
	}
	validators = append(validators,
		validation.InRange("latitude", t.Latitude, -90, 90),
		validation.InRange("longitude", t.Longitude, -180, 180))
	if errs := validation.Validate(validators...); len(errs) > 0 {
		writeValidation(c, errs)
		return
	}

	sc, err := h.service.UpdateTerms(c.Request.Context(), c.Param("id"), auth.UserID(c), t)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

// DraftRequest is the body of PUT /v1/scenarios/:id/drafts/:field.
type DraftRequest struct {
	Value string `json:"value"`
}

// EditDraft handles PUT /v1/scenarios/:id/drafts/:field
func (h *Handler) EditDraft(c *gin.Context) {
	var req DraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "value is required"})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("value", req.Value, validation.MaxDescriptionLength),
	); len(errs) > 0 {
		writeValidation(c, errs)
		return
	}
	v, err := h.service.EditDraft(c.Request.Context(), c.Param("id"), auth.UserID(c),
		reconcile.Field(c.Param("field")), req.Value)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// CommitDraft handles POST /v1/scenarios/:id/drafts/:field/commit
func (h *Handler) CommitDraft(c *gin.Context) {
	v, err := h.service.CommitDraft(c.Request.Context(), c.Param("id"), auth.UserID(c), reconcile.Field(c.Param("field")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// CancelDraft handles DELETE /v1/scenarios/:id/drafts/:field
func (h *Handler) CancelDraft(c *gin.Context) {
	v, err := h.service.CancelDraft(c.Request.Context(), c.Param("id"), auth.UserID(c), reconcile.Field(c.Param("field")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// Agree handles POST /v1/scenarios/:id/agree
func (h *Handler) Agree(c *gin.Context) {
	sc, err := h.service.Agree(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

// LockFunds handles POST /v1/scenarios/:id/lock
func (h *Handler) LockFunds(c *gin.Context) {
	res, err := h.service.LockFunds(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if res.Pending {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

// ConfirmCompletion handles POST /v1/scenarios/:id/confirm
func (h *Handler) ConfirmCompletion(c *gin.Context) {
	res, err := h.service.ConfirmCompletion(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if !res.Confirmed {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

// MarkCustomerCompleted handles POST /v1/scenarios/:id/complete
func (h *Handler) MarkCustomerCompleted(c *gin.Context) {
	sc, err := h.service.MarkCustomerCompleted(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

// OpenDispute handles POST /v1/scenarios/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	res, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// UploadEvidence handles POST /v1/disputes/:id/evidence (multipart, field "file")
func (h *Handler) UploadEvidence(c *gin.Context) {
	if h.maxEvidenceBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxEvidenceBytes+1<<20)
	}
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "multipart field 'file' is required"})
		return
	}
	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable file"})
		return
	}
	defer f.Close()

	d, err := h.service.UploadEvidence(c.Request.Context(), c.Param("id"), auth.UserID(c), evidence.File{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        f,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// VoteRequest is the body of POST /v1/disputes/:id/votes.
type VoteRequest struct {
	Choice string `json:"choice" binding:"required"`
}

// Vote handles POST /v1/disputes/:id/votes
func (h *Handler) Vote(c *gin.Context) {
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "choice is required"})
		return
	}
	if errs := validation.Validate(
		validation.OneOf("choice", req.Choice, string(dispute.ChoiceExecutor), string(dispute.ChoiceCustomer)),
	); len(errs) > 0 {
		writeValidation(c, errs)
		return
	}
	res, err := h.service.Vote(c.Request.Context(), c.Param("id"), auth.UserID(c), dispute.Choice(req.Choice))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// FinalizeDispute handles POST /v1/disputes/:id/finalize
func (h *Handler) FinalizeDispute(c *gin.Context) {
	res, err := h.service.FinalizeDispute(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func writeValidation(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_failed",
		"message": errs.Error(),
		"details": errs,
	})
}

func writeError(c *gin.Context, err error) {
	ae := Translate(err)
	c.JSON(ae.StatusCode(), ae)
}
