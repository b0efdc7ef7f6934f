// Package runway provides Runway video generation for the pipeline.
package runway

import (
	"context"
	"net/http"

	"genforge/internal/adapters"
	"genforge/internal/core"
	"genforge/internal/httpclient"
)

const (
	providerName   = "runway"
	defaultBaseURL = "https://api.dev.runwayml.com"
)

// supportedRatios is the closed set the API accepts. Requested dimensions
// are snapped to the nearest token.
var supportedRatios = []string{"16:9", "9:16", "1:1", "4:3", "3:4", "21:9"}

func init() {
	adapters.Register(providerName, func() core.Adapter {
		return New()
	})
}

// Adapter implements asynchronous video generation against the Runway API.
type Adapter struct {
	httpClient   *http.Client
	submitClient *http.Client
}

// New creates a Runway adapter.
func New() *Adapter {
	return &Adapter{
		httpClient:   httpclient.NewDefaultHTTPClient(),
		submitClient: httpclient.NewSubmitHTTPClient(),
	}
}

// NewWithHTTPClient creates a Runway adapter that uses one client for both
// submission and polling.
func NewWithHTTPClient(client *http.Client) *Adapter {
	return &Adapter{httpClient: client, submitClient: client}
}

func (a *Adapter) Name() string { return providerName }

type submitRequest struct {
	Model      string `json:"model"`
	PromptText string `json:"promptText"`
	PromptImg  string `json:"promptImage,omitempty"`
	Ratio      string `json:"ratio"`
	Duration   int    `json:"duration,omitempty"`
}

func (a *Adapter) Submit(ctx context.Context, req *core.GenerationRequest, cfg core.RequestConfig) (*core.SubmitOutcome, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	payload := submitRequest{
		Model:      req.Model,
		PromptText: req.Prompt,
		Ratio:      adapters.SnapAspectRatio(req.Width, req.Height, supportedRatios),
		Duration:   req.DurationSeconds,
	}
	if req.StartFrameURL != "" {
		payload.PromptImg = req.StartFrameURL
	} else if len(req.ReferenceImageURLs) > 0 {
		payload.PromptImg = req.ReferenceImageURLs[0]
	}

	status, body, err := adapters.PostJSON(ctx, a.submitClient, baseURL+"/v1/image_to_video", cfg.APIKey, payload)
	if err != nil {
		return nil, core.NewTimeoutError(providerName, "video submission failed: "+err.Error())
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, core.ParseVendorError(providerName, status, body, nil)
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
	status, body, err := adapters.GetJSON(ctx, a.httpClient, handle.BaseURL+"/v1/tasks/"+handle.TaskID, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, core.ParseVendorError(providerName, status, body, nil)
	}

	switch adapters.FirstString(body, "status") {
	case "SUCCEEDED":
		url := adapters.FirstString(body, "output.0", "output.url")
		if url == "" {
			return nil, core.NewResultParseError(providerName, "completed task carried no output url")
		}
		return &core.PollStatus{State: core.PollSucceeded, URL: url}, nil
	case "FAILED", "CANCELLED":
		return &core.PollStatus{State: core.PollFailed, Reason: adapters.FirstString(body, "failure", "failureCode")}, nil
	default:
		return &core.PollStatus{State: core.PollPending}, nil
	}
}

func (a *Adapter) PollProfile() core.PollProfile {
	return core.PollProfile{
		IntervalSeconds:        5,
		MaxAttempts:            120,
		MaxConsecutiveFailures: 3,
	}
}
