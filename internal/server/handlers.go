// Package server provides HTTP handlers and server setup for the generation
// pipeline.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"genforge/internal/core"
	"genforge/internal/jobs"
	"genforge/internal/ledger"
	"genforge/internal/pricing"
)

// userIDHeader identifies the end user a request is billed to. The service
// sits behind trusted callers, so the header is asserted, not proven.
const userIDHeader = "X-User-ID"

// Handler holds the HTTP handlers
type Handler struct {
	jobs    *jobs.Store
	ledger  *ledger.Ledger
	pricing *pricing.Registry
}

// NewHandler creates a new handler.
func NewHandler(jobStore *jobs.Store, led *ledger.Ledger, registry *pricing.Registry) *Handler {
	return &Handler{
		jobs:    jobStore,
		ledger:  led,
		pricing: registry,
	}
}

type submitRequest struct {
	Prompt             string   `json:"prompt"`
	Provider           string   `json:"provider,omitempty"`
	Model              string   `json:"model,omitempty"`
	ReferenceImageURLs []string `json:"reference_image_urls,omitempty"`
	Width              int      `json:"width,omitempty"`
	Height             int      `json:"height,omitempty"`
	DurationSeconds    int      `json:"duration_seconds,omitempty"`
	StartFrameURL      string   `json:"start_frame_url,omitempty"`
	EndFrameURL        string   `json:"end_frame_url,omitempty"`
}

func (r submitRequest) toGenerationRequest(category core.Category) *core.GenerationRequest {
	return &core.GenerationRequest{
		Category:           category,
		Prompt:             r.Prompt,
		Provider:           r.Provider,
		Model:              r.Model,
		ReferenceImageURLs: r.ReferenceImageURLs,
		Width:              r.Width,
		Height:             r.Height,
		DurationSeconds:    r.DurationSeconds,
		StartFrameURL:      r.StartFrameURL,
		EndFrameURL:        r.EndFrameURL,
	}
}

// submitResponse wraps the job snapshot with the dedupe marker for repeated
// idempotency keys.
type submitResponse struct {
	*core.Job
	Deduplicated bool `json:"deduplicated,omitempty"`
}

// Submit handles POST /v1/generate/:category/submit. The generation runs on
// a background worker; the response carries the job id to poll.
func (h *Handler) Submit(c echo.Context) error {
	userID, err := requireUserID(c)
	if err != nil {
		return handleError(c, err)
	}

	category := core.Category(c.Param("category"))
	if !category.Valid() {
		return handleError(c, core.NewInvalidRequestError("unknown generation category: "+c.Param("category"), nil))
	}

	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}

	job, dedup, err := h.jobs.Submit(c.Request().Context(), userID, req.toGenerationRequest(category), c.Request().Header.Get("Idempotency-Key"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(http.StatusAccepted, submitResponse{Job: job, Deduplicated: dedup})
}

type batchRequest struct {
	Items []submitRequest `json:"items"`
}

// maxBatchItems caps one batch submission; larger workloads split across
// several jobs.
const maxBatchItems = 20

// SubmitBatch handles POST /v1/generate/:category/batch. All items run
// sequentially under a single job; per-item progress appears in the job
// snapshot as items complete.
func (h *Handler) SubmitBatch(c echo.Context) error {
	userID, err := requireUserID(c)
	if err != nil {
		return handleError(c, err)
	}

	category := core.Category(c.Param("category"))
	if !category.Valid() {
		return handleError(c, core.NewInvalidRequestError("unknown generation category: "+c.Param("category"), nil))
	}

	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	if len(req.Items) == 0 {
		return handleError(c, core.NewInvalidRequestError("batch requires at least one item", nil))
	}
	if len(req.Items) > maxBatchItems {
		return handleError(c, core.NewInvalidRequestError(fmt.Sprintf("batch exceeds the %d item limit", maxBatchItems), nil))
	}

	reqs := make([]*core.GenerationRequest, len(req.Items))
	for i, item := range req.Items {
		reqs[i] = item.toGenerationRequest(category)
	}

	job, dedup, err := h.jobs.SubmitBatch(c.Request().Context(), userID, reqs, c.Request().Header.Get("Idempotency-Key"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(http.StatusAccepted, submitResponse{Job: job, Deduplicated: dedup})
}

// GetJob handles GET /v1/generate/:category/jobs/:id.
func (h *Handler) GetJob(c echo.Context) error {
	userID, err := requireUserID(c)
	if err != nil {
		return handleError(c, err)
	}

	job, ok := h.jobs.Get(userID, c.Param("id"))
	if !ok {
		return handleError(c, core.NewNotFoundError("job not found: "+c.Param("id")))
	}
	return c.JSON(http.StatusOK, job)
}

// Balance handles GET /v1/credits/balance. The user_id query parameter lets
// a master-key caller read another user's balance; all API routes already
// sit behind the master key.
func (h *Handler) Balance(c echo.Context) error {
	userID, err := targetUserID(c)
	if err != nil {
		return handleError(c, err)
	}

	balance, err := h.ledger.Balance(c.Request().Context(), userID)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"balance": balance,
	})
}

// Transactions handles GET /v1/credits/transactions. Accepts the same
// user_id override as Balance.
func (h *Handler) Transactions(c echo.Context) error {
	userID, err := targetUserID(c)
	if err != nil {
		return handleError(c, err)
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return handleError(c, core.NewInvalidRequestError("invalid limit: "+raw, nil))
		}
	}

	entries, err := h.ledger.Transactions(c.Request().Context(), userID, limit)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"entries": entries,
	})
}

type grantRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

// Grant handles POST /v1/admin/credits/grant.
func (h *Handler) Grant(c echo.Context) error {
	var req grantRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	if req.UserID == "" || req.Amount <= 0 {
		return handleError(c, core.NewInvalidRequestError("grant requires a user_id and a positive amount", nil))
	}

	entry, err := h.ledger.Grant(c.Request().Context(), req.UserID, req.Amount, req.Reason)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}

// ListPricing handles GET /v1/admin/pricing/rules.
func (h *Handler) ListPricing(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"rules": h.pricing.Rules()})
}

// ReplacePricing handles PUT /v1/admin/pricing/rules. The whole rule set is
// swapped atomically; in-flight reservations keep the rule they resolved.
func (h *Handler) ReplacePricing(c echo.Context) error {
	var rules []pricing.Rule
	if err := c.Bind(&rules); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}

	if err := h.pricing.Replace(rules); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid pricing rules: "+err.Error(), err))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"rules": len(rules)})
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func requireUserID(c echo.Context) (string, error) {
	userID := c.Request().Header.Get(userIDHeader)
	if userID == "" {
		return "", core.NewInvalidRequestError("missing "+userIDHeader+" header", nil)
	}
	return userID, nil
}

// targetUserID resolves the user a read operation applies to: the user_id
// query parameter when present, otherwise the caller's own identity header.
func targetUserID(c echo.Context) (string, error) {
	if userID := c.QueryParam("user_id"); userID != "" {
		return userID, nil
	}
	return requireUserID(c)
}

// handleError converts pipeline errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var pipelineErr *core.PipelineError
	if errors.As(err, &pipelineErr) {
		return c.JSON(pipelineErr.HTTPStatusCode(), pipelineErr.ToJSON())
	}

	// Fallback for unexpected errors
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
