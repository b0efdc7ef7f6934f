package core

import "time"

// Category identifies the kind of media a generation request produces.
type Category string

const (
	CategoryImage Category = "image"
	CategoryVideo Category = "video"
)

// Valid reports whether the category is one the pipeline can route.
func (c Category) Valid() bool {
	return c == CategoryImage || c == CategoryVideo
}

// TaskType returns the billable task type for the category.
func (c Category) TaskType() string {
	switch c {
	case CategoryVideo:
		return "video_gen"
	default:
		return "image_gen"
	}
}

// GenerationRequest is the provider-agnostic description of one generation.
type GenerationRequest struct {
	Category Category `json:"category"`
	Prompt   string   `json:"prompt"`

	// Provider/Model select an explicit candidate; empty means use the
	// caller's active configuration.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// ReferenceImageURLs are remote or file:// reference images. Adapters
	// re-encode them per vendor requirements.
	ReferenceImageURLs []string `json:"reference_image_urls,omitempty"`

	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// DurationSeconds applies to video requests only.
	DurationSeconds int `json:"duration_seconds,omitempty"`

	// StartFrameURL and EndFrameURL are role-tagged video reference frames.
	StartFrameURL string `json:"start_frame_url,omitempty"`
	EndFrameURL   string `json:"end_frame_url,omitempty"`
}

// GenerationResult is the compacted outcome of a successful generation.
// Raw vendor payloads are never surfaced past the adapter boundary.
type GenerationResult struct {
	URL      string         `json:"url"`
	Type     Category       `json:"type"`
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Error    string         `json:"error,omitempty"`
	Metadata ResultMetadata `json:"metadata"`
}

// ResultMetadata carries attempt bookkeeping for a delivered result.
type ResultMetadata struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	TaskID   string `json:"task_id,omitempty"`
	Status   string `json:"status,omitempty"`
	// Attempt is 1-based: which candidate in the routed list succeeded.
	Attempt int `json:"attempt,omitempty"`
}

// UsageDetails carries the measurable quantities a pricing rule consumes.
// Zero values mean "not applicable" for the rule's unit type.
type UsageDetails struct {
	InputTokens     int `json:"input_tokens,omitempty"`
	OutputTokens    int `json:"output_tokens,omitempty"`
	DurationSeconds int `json:"duration_seconds,omitempty"`
	Calls           int `json:"calls,omitempty"`
}

// Candidate is one (provider, model) pair eligible to service a request.
// Candidates are recomputed per request and never persisted.
type Candidate struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	// Priority orders system fallback candidates; lower runs first.
	Priority int `json:"priority"`
	// RetryLimit is the number of attempts on this candidate while it is the
	// caller's active selection, before fallback begins.
	RetryLimit int `json:"retry_limit"`
	// MultiRefDefault marks the candidate tried first for image requests
	// bearing many reference images.
	MultiRefDefault bool `json:"multi_ref_default,omitempty"`

	Config RequestConfig `json:"-"`
}

// Key returns the dedupe identity of a candidate.
func (c Candidate) Key() string {
	return c.Provider + "/" + c.Model
}

// RequestConfig is the resolved vendor access configuration for a candidate.
type RequestConfig struct {
	APIKey string
	// BaseURL is the primary endpoint; MirrorURL, when set, is an
	// interchangeable hostname tried after a submission failure.
	BaseURL   string
	MirrorURL string
	// Extra holds vendor-specific request parameters passed through verbatim.
	Extra map[string]string
}

// JobStatus is the client-visible lifecycle state of an async job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Job is the transient, in-memory record of one client-submitted generation.
// Batch jobs carry per-item progress in Items instead of a single Result.
type Job struct {
	ID         string            `json:"job_id"`
	UserID     string            `json:"-"`
	Status     JobStatus         `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Result     *GenerationResult `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	Items      []JobItem         `json:"items,omitempty"`
}

// JobItem is the progress record of one item inside a batch job. Items run
// sequentially; a client polling the job sees items flip to terminal states
// one at a time.
type JobItem struct {
	Index  int               `json:"index"`
	Status JobStatus         `json:"status"`
	Result *GenerationResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}
