// Package core defines the core interfaces and types for the generation pipeline.
package core

import "context"

// JobHandle identifies a vendor-side asynchronous job.
type JobHandle struct {
	Provider string
	Model    string
	TaskID   string
	// BaseURL records which host accepted the submission, so polling hits
	// the same mirror.
	BaseURL string
}

// SubmitOutcome is the result of an adapter submission: either a synchronous
// result or a handle to poll. Exactly one field is set.
type SubmitOutcome struct {
	Sync *GenerationResult
	Job  *JobHandle
}

// PollState is the vendor-side state of an asynchronous job.
type PollState int

const (
	PollPending PollState = iota
	PollSucceeded
	PollFailed
)

// PollStatus is one poll observation of an asynchronous job.
type PollStatus struct {
	State PollState
	// URL is set when State is PollSucceeded.
	URL string
	// Reason is the vendor-provided failure reason when State is PollFailed.
	Reason string
}

// Adapter is the capability interface implemented once per vendor family.
type Adapter interface {
	// Name returns the provider identifier used in routing and billing.
	Name() string

	// Submit sends a generation request. Synchronous vendors return a
	// completed result; asynchronous vendors return a job handle.
	Submit(ctx context.Context, req *GenerationRequest, cfg RequestConfig) (*SubmitOutcome, error)
}

// AsyncAdapter is implemented by vendors whose jobs complete out-of-band.
type AsyncAdapter interface {
	Adapter

	// Poll checks one asynchronous job. Transient poll errors are returned
	// as errors; definitive vendor answers come back in PollStatus.
	Poll(ctx context.Context, handle *JobHandle, cfg RequestConfig) (*PollStatus, error)

	// PollProfile returns the vendor's polling budget.
	PollProfile() PollProfile
}

// PollProfile bounds the poll loop for one vendor. Video vendors are slower
// than image vendors and get larger budgets.
type PollProfile struct {
	// Interval between polls.
	IntervalSeconds int
	// MaxAttempts bounds the total number of polls.
	MaxAttempts int
	// MaxConsecutiveFailures bounds tolerated transient poll errors.
	MaxConsecutiveFailures int
}

// CandidateSource supplies routing candidates from configuration.
type CandidateSource interface {
	// ActiveCandidate returns the user's currently-active selection, or nil
	// when the user has none configured.
	ActiveCandidate(ctx context.Context, userID string, category Category) (*Candidate, error)

	// SystemCandidates returns the system-wide fallback catalog for a
	// category, ordered by ascending priority.
	SystemCandidates(ctx context.Context, category Category) ([]Candidate, error)

	// RoutingEnabled reports whether cross-vendor fallback is enabled for
	// the user (opt-out flag, default on).
	RoutingEnabled(ctx context.Context, userID string) bool
}
