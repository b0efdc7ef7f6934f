// Package orchestrator drives one candidate attempt end to end: submission
// with a mirror-host retry, then a bounded poll loop for asynchronous
// vendors.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"genforge/internal/core"
)

// Orchestrator runs generation attempts against vendor adapters.
type Orchestrator struct {
	logger *slog.Logger
}

// New creates an Orchestrator. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{logger: logger}
}

// Run executes one generation attempt. Synchronous vendors return on the
// submit call; asynchronous vendors are polled per their profile until the
// job settles or the budget runs out.
func (o *Orchestrator) Run(ctx context.Context, adapter core.Adapter, req *core.GenerationRequest, cfg core.RequestConfig) (*core.GenerationResult, error) {
	outcome, err := o.submit(ctx, adapter, req, cfg)
	if err != nil {
		return nil, err
	}

	if outcome.Sync != nil {
		return outcome.Sync, nil
	}
	if outcome.Job == nil {
		return nil, core.NewResultParseError(adapter.Name(), "adapter returned neither result nor job handle")
	}

	async, ok := adapter.(core.AsyncAdapter)
	if !ok {
		return nil, core.NewResultParseError(adapter.Name(), "adapter returned a job handle but cannot poll")
	}
	return o.await(ctx, async, req, outcome.Job, cfg)
}

// submit tries the primary host, then the mirror host once. Mirror hosts are
// interchangeable, so only transport-level trouble (timeouts, 5xx) warrants
// the switch; a rejected request would be rejected by the mirror too.
func (o *Orchestrator) submit(ctx context.Context, adapter core.Adapter, req *core.GenerationRequest, cfg core.RequestConfig) (*core.SubmitOutcome, error) {
	outcome, err := adapter.Submit(ctx, req, cfg)
	if err == nil {
		return outcome, nil
	}
	if cfg.MirrorURL == "" || !mirrorWorthy(err) {
		return nil, err
	}

	o.logger.Warn("submission failed, retrying on mirror host",
		"provider", adapter.Name(),
		"mirror", cfg.MirrorURL,
		"error", err,
	)
	mirrorCfg := cfg
	mirrorCfg.BaseURL = cfg.MirrorURL
	mirrorCfg.MirrorURL = ""
	return adapter.Submit(ctx, req, mirrorCfg)
}

func mirrorWorthy(err error) bool {
	var pe *core.PipelineError
	if !errors.As(err, &pe) {
		return true
	}
	switch pe.Kind {
	case core.ErrorKindTimeout:
		return true
	case core.ErrorKindProvider:
		return pe.StatusCode >= 500
	default:
		return false
	}
}

// await polls an asynchronous job until it settles. Consecutive transient
// poll failures are tolerated up to the vendor's limit; a definitive vendor
// failure or an exhausted attempt budget ends the job.
func (o *Orchestrator) await(ctx context.Context, adapter core.AsyncAdapter, req *core.GenerationRequest, handle *core.JobHandle, cfg core.RequestConfig) (*core.GenerationResult, error) {
	profile := adapter.PollProfile()
	interval := time.Duration(profile.IntervalSeconds) * time.Second

	consecutiveFailures := 0
	for attempt := 1; attempt <= profile.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		status, err := adapter.Poll(ctx, handle, cfg)
		if err != nil {
			consecutiveFailures++
			o.logger.Warn("poll attempt failed",
				"provider", handle.Provider,
				"task_id", handle.TaskID,
				"attempt", attempt,
				"consecutive_failures", consecutiveFailures,
				"error", err,
			)
			if consecutiveFailures >= profile.MaxConsecutiveFailures {
				return nil, core.NewProviderError(handle.Provider, 502,
					fmt.Sprintf("job status unavailable after %d consecutive poll failures", consecutiveFailures), err)
			}
			continue
		}
		consecutiveFailures = 0

		switch status.State {
		case core.PollSucceeded:
			return &core.GenerationResult{
				URL:      status.URL,
				Type:     req.Category,
				Provider: handle.Provider,
				Model:    handle.Model,
				Metadata: core.ResultMetadata{
					Provider: handle.Provider,
					Model:    handle.Model,
					TaskID:   handle.TaskID,
					Status:   "succeeded",
				},
			}, nil
		case core.PollFailed:
			reason := status.Reason
			if reason == "" {
				reason = "vendor reported failure without a reason"
			}
			return nil, core.NewProviderError(handle.Provider, 502, reason, nil)
		}
	}

	return nil, core.NewTimeoutError(handle.Provider,
		fmt.Sprintf("job %s did not finish within %d polls", handle.TaskID, profile.MaxAttempts))
}
