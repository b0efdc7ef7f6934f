// Package generation is the top-level entry point of the pipeline: it routes
// a request to candidates, reserves credits, runs each candidate in order,
// and settles or cancels the reservation depending on the outcome.
package generation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"genforge/internal/adapters"
	"genforge/internal/cooldown"
	"genforge/internal/core"
	"genforge/internal/ledger"
	"genforge/internal/metrics"
	"genforge/internal/orchestrator"
	"genforge/internal/pricing"
	"genforge/internal/router"
)

// defaultVideoSeconds is assumed for cost estimation when a video request
// does not state a duration.
const defaultVideoSeconds = 5

// Service coordinates routing, billing and execution for one generation.
type Service struct {
	router    *router.Router
	ledger    *ledger.Ledger
	orch      *orchestrator.Orchestrator
	cooldowns cooldown.Tracker
	logger    *slog.Logger

	// lookup resolves provider names to adapters. Tests substitute fakes.
	lookup func(string) (core.Adapter, error)
}

// NewService creates a generation Service. The tracker may be nil.
func NewService(r *router.Router, l *ledger.Ledger, o *orchestrator.Orchestrator, cooldowns cooldown.Tracker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		router:    r,
		ledger:    l,
		orch:      o,
		cooldowns: cooldowns,
		logger:    logger,
		lookup:    adapters.Lookup,
	}
}

// Generate runs one generation request to completion. Candidates are tried
// in routed order; each attempt is wrapped in its own credit reservation, so
// a failed attempt leaves the ledger net-zero before the next one starts.
// When every candidate fails, the last error is returned and no attempt
// remains billed.
func (s *Service) Generate(ctx context.Context, userID string, req *core.GenerationRequest) (*core.GenerationResult, error) {
	if !req.Category.Valid() {
		return nil, core.NewInvalidRequestError("unknown generation category: "+string(req.Category), nil)
	}
	if req.Prompt == "" && len(req.ReferenceImageURLs) == 0 && req.StartFrameURL == "" {
		return nil, core.NewInvalidRequestError("request carries no prompt or reference media", nil)
	}

	started := time.Now()
	result, err := s.generate(ctx, userID, req)
	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	metrics.GenerationsTotal.WithLabelValues(string(req.Category), status).Inc()
	metrics.GenerationDuration.WithLabelValues(string(req.Category)).Observe(time.Since(started).Seconds())
	return result, err
}

func (s *Service) generate(ctx context.Context, userID string, req *core.GenerationRequest) (*core.GenerationResult, error) {
	candidates, err := s.router.Candidates(ctx, userID, req.Category, len(req.ReferenceImageURLs))
	if err != nil {
		return nil, err
	}
	candidates = filterExplicit(candidates, req.Provider, req.Model)
	if len(candidates) == 0 {
		return nil, core.NewInvalidRequestError("no candidates available for category "+string(req.Category), nil)
	}

	estimated := estimateUsage(req)
	taskType := req.Category.TaskType()

	var lastErr error
	for i, cand := range candidates {
		attempt := i + 1
		result, err := s.runCandidate(ctx, userID, taskType, cand, req, estimated)
		if err == nil {
			result.Metadata.Attempt = attempt
			metrics.AttemptsTotal.WithLabelValues(cand.Provider, "succeeded").Inc()
			return result, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var pe *core.PipelineError
		if errors.As(err, &pe) {
			switch pe.Kind {
			case core.ErrorKindInsufficientCredits, core.ErrorKindPricingNotFound, core.ErrorKindInvalidRequest:
				return nil, err
			case core.ErrorKindQuotaExceeded:
				metrics.AttemptsTotal.WithLabelValues(cand.Provider, "quota").Inc()
				s.markCooling(ctx, cand.Provider)
			default:
				metrics.AttemptsTotal.WithLabelValues(cand.Provider, "failed").Inc()
			}
		} else {
			metrics.AttemptsTotal.WithLabelValues(cand.Provider, "failed").Inc()
		}

		s.logger.Warn("candidate attempt failed",
			"request_id", core.GetRequestID(ctx),
			"provider", cand.Provider,
			"model", cand.Model,
			"attempt", attempt,
			"remaining", len(candidates)-attempt,
			"error", err,
		)
		lastErr = err
	}
	return nil, lastErr
}

// runCandidate wraps one attempt in a reservation. Whatever happens to the
// vendor call, the reservation ends terminal: settled on success, canceled
// on failure (including context cancellation, which settles its bookkeeping
// on a detached context).
func (s *Service) runCandidate(ctx context.Context, userID, taskType string, cand core.Candidate, req *core.GenerationRequest, estimated core.UsageDetails) (*core.GenerationResult, error) {
	adapter, err := s.lookup(cand.Provider)
	if err != nil {
		return nil, err
	}

	reservation, err := s.ledger.Reserve(ctx, userID, taskType, cand.Provider, cand.Model, estimated)
	if err != nil {
		// Pre-flight rejections never touched the balance, but the audit
		// trail still records the attempt.
		s.ledger.LogFailure(context.WithoutCancel(ctx), userID, taskType, cand.Provider, cand.Model, err.Error(), nil)
		return nil, err
	}
	metrics.CreditsReserved.WithLabelValues(taskType).Add(float64(reservation.Amount))

	attemptReq := *req
	attemptReq.Provider = cand.Provider
	attemptReq.Model = cand.Model

	result, err := s.orch.Run(ctx, adapter, &attemptReq, cand.Config)
	if err != nil {
		cleanupCtx := context.WithoutCancel(ctx)
		if cancelErr := s.ledger.Cancel(cleanupCtx, reservation, err.Error()); cancelErr != nil {
			s.logger.Error("failed to cancel reservation after attempt failure",
				"user_id", userID,
				"entry_id", reservation.EntryID,
				"error", cancelErr,
			)
		}
		s.ledger.LogFailure(cleanupCtx, userID, taskType, cand.Provider, cand.Model, err.Error(), map[string]any{
			"reservation_entry_id": reservation.EntryID,
		})
		return nil, err
	}

	if _, err := s.ledger.Settle(ctx, reservation, actualUsage(req, estimated)); err != nil {
		// The media exists; billing reconciliation failing must not destroy
		// the user's result.
		s.logger.Error("failed to settle reservation",
			"user_id", userID,
			"entry_id", reservation.EntryID,
			"error", err,
		)
	}

	result.Provider = cand.Provider
	result.Model = cand.Model
	result.Metadata.Provider = cand.Provider
	result.Metadata.Model = cand.Model
	return result, nil
}

func (s *Service) markCooling(ctx context.Context, provider string) {
	if s.cooldowns == nil {
		return
	}
	if err := s.cooldowns.Mark(context.WithoutCancel(ctx), provider); err != nil {
		s.logger.Warn("failed to mark provider cooldown", "provider", provider, "error", err)
	}
}

// estimateUsage fills every quantity a pricing rule might consume, so the
// reservation works whatever unit the resolved rule uses.
func estimateUsage(req *core.GenerationRequest) core.UsageDetails {
	usage := pricing.EstimateUsage(req.Prompt, len(req.ReferenceImageURLs), 1.0)
	usage.Calls = 1
	usage.DurationSeconds = req.DurationSeconds
	if req.Category == core.CategoryVideo && usage.DurationSeconds <= 0 {
		usage.DurationSeconds = defaultVideoSeconds
	}
	return usage
}

// actualUsage reconciles the estimate with what is known after completion.
// Generation vendors do not report token usage, so the duration is the only
// quantity that firms up.
func actualUsage(req *core.GenerationRequest, estimated core.UsageDetails) core.UsageDetails {
	actual := estimated
	if req.DurationSeconds > 0 {
		actual.DurationSeconds = req.DurationSeconds
	}
	return actual
}

// filterExplicit narrows the routed list to an explicitly requested
// (provider, model) pair. Explicit selection disables fallback.
func filterExplicit(candidates []core.Candidate, provider, model string) []core.Candidate {
	if provider == "" {
		return candidates
	}
	for _, c := range candidates {
		if c.Provider == provider && (model == "" || c.Model == model) {
			return []core.Candidate{c}
		}
	}
	return nil
}
