// Package minimax provides MiniMax video generation for the pipeline.
package minimax

import (
	"context"
	"net/http"

	"genforge/internal/adapters"
	"genforge/internal/core"
	"genforge/internal/httpclient"
)

const (
	providerName   = "minimax"
	defaultBaseURL = "https://api.minimax.io"
)

func init() {
	adapters.Register(providerName, func() core.Adapter {
		return New()
	})
}

// Adapter implements asynchronous video generation against the MiniMax API.
// The API answers HTTP 200 even for refusals, so every payload is scanned
// for quota markers before the task id is trusted.
type Adapter struct {
	httpClient   *http.Client
	submitClient *http.Client
}

// New creates a MiniMax adapter.
func New() *Adapter {
	return &Adapter{
		httpClient:   httpclient.NewDefaultHTTPClient(),
		submitClient: httpclient.NewSubmitHTTPClient(),
	}
}

// NewWithHTTPClient creates a MiniMax adapter that uses one client for both
// submission and polling.
func NewWithHTTPClient(client *http.Client) *Adapter {
	return &Adapter{httpClient: client, submitClient: client}
}

func (a *Adapter) Name() string { return providerName }

type submitRequest struct {
	Model           string `json:"model"`
	Prompt          string `json:"prompt"`
	Duration        int    `json:"duration,omitempty"`
	FirstFrameImage string `json:"first_frame_image,omitempty"`
}

func (a *Adapter) Submit(ctx context.Context, req *core.GenerationRequest, cfg core.RequestConfig) (*core.SubmitOutcome, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	payload := submitRequest{
		Model:           req.Model,
		Prompt:          req.Prompt,
		Duration:        req.DurationSeconds,
		FirstFrameImage: req.StartFrameURL,
	}

	status, body, err := adapters.PostJSON(ctx, a.submitClient, baseURL+"/v1/video_generation", cfg.APIKey, payload)
	if err != nil {
		return nil, core.NewTimeoutError(providerName, "video submission failed: "+err.Error())
	}
	if status != http.StatusOK {
		return nil, core.ParseVendorError(providerName, status, body, nil)
	}
	if adapters.QuotaInPayload(body) {
		return nil, core.NewQuotaExceededError(providerName, adapters.FirstString(body, "base_resp.status_msg", "message"))
	}

	taskID := adapters.ExtractTaskID(body)
	if taskID == "" {
		return nil, core.NewResultParseError(providerName, "submit response carried no task id")
	}

	return &core.SubmitOutcome{
		Job: &core.JobHandle{
			Provider: providerName,
			Model:    req.Model,
			TaskID:   taskID,
			BaseURL:  baseURL,
		},
	}, nil
}

func (a *Adapter) Poll(ctx context.Context, handle *core.JobHandle, cfg core.RequestConfig) (*core.PollStatus, error) {
	url := handle.BaseURL + "/v1/query/video_generation?task_id=" + handle.TaskID
	status, body, err := adapters.GetJSON(ctx, a.httpClient, url, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, core.ParseVendorError(providerName, status, body, nil)
	}
	if adapters.QuotaInPayload(body) {
		return &core.PollStatus{State: core.PollFailed, Reason: adapters.FirstString(body, "base_resp.status_msg", "message")}, nil
	}

	switch adapters.FirstString(body, "status") {
	case "Success":
		videoURL := adapters.FirstString(body, "video_url", "file.download_url", "download_url")
		if videoURL == "" {
			return nil, core.NewResultParseError(providerName, "completed task carried no video url")
		}
		return &core.PollStatus{State: core.PollSucceeded, URL: videoURL}, nil
	case "Fail":
		return &core.PollStatus{State: core.PollFailed, Reason: adapters.FirstString(body, "base_resp.status_msg", "message")}, nil
	default:
		return &core.PollStatus{State: core.PollPending}, nil
	}
}

func (a *Adapter) PollProfile() core.PollProfile {
	return core.PollProfile{
		IntervalSeconds:        10,
		MaxAttempts:            90,
		MaxConsecutiveFailures: 3,
	}
}
