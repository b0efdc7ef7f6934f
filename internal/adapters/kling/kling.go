// Package kling provides Kling video generation for the pipeline.
package kling

import (
	"context"
	"net/http"

	"genforge/internal/adapters"
	"genforge/internal/core"
	"genforge/internal/httpclient"
)

const (
	providerName   = "kling"
	defaultBaseURL = "https://api.klingai.com"
)

// placeholderFrame is a 1x1 neutral gray PNG. The API rejects an end frame
// without a start frame, so one is synthesized when the caller omits it.
const placeholderFrame = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mOsqan5DwAFCAJS0Qk1qwAAAABJRU5ErkJggg=="

func init() {
	adapters.Register(providerName, func() core.Adapter {
		return New()
	})
}

// Adapter implements asynchronous video generation against the Kling API.
type Adapter struct {
	httpClient   *http.Client
	submitClient *http.Client
}

// New creates a Kling adapter.
func New() *Adapter {
	return &Adapter{
		httpClient:   httpclient.NewDefaultHTTPClient(),
		submitClient: httpclient.NewSubmitHTTPClient(),
	}
}

// NewWithHTTPClient creates a Kling adapter that uses one client for both
// submission and polling.
func NewWithHTTPClient(client *http.Client) *Adapter {
	return &Adapter{httpClient: client, submitClient: client}
}

func (a *Adapter) Name() string { return providerName }

type frame struct {
	Role string `json:"role"`
	URL  string `json:"url"`
}

type submitRequest struct {
	Model    string  `json:"model_name"`
	Prompt   string  `json:"prompt"`
	Duration int     `json:"duration,omitempty"`
	Frames   []frame `json:"frames,omitempty"`
}

// Submit enqueues a video generation job. Start and end reference frames are
// role-tagged; an end frame without a start frame gets a synthesized
// placeholder start frame.
func (a *Adapter) Submit(ctx context.Context, req *core.GenerationRequest, cfg core.RequestConfig) (*core.SubmitOutcome, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	payload := submitRequest{
		Model:    req.Model,
		Prompt:   req.Prompt,
		Duration: req.DurationSeconds,
		Frames:   frames(req.StartFrameURL, req.EndFrameURL),
	}

	status, body, err := adapters.PostJSON(ctx, a.submitClient, baseURL+"/v1/videos/generations", cfg.APIKey, payload)
	if err != nil {
		return nil, core.NewTimeoutError(providerName, "video submission failed: "+err.Error())
	}
	if status != http.StatusOK {
		return nil, core.ParseVendorError(providerName, status, body, nil)
	}
	if adapters.QuotaInPayload(body) {
		return nil, core.NewQuotaExceededError(providerName, adapters.FirstString(body, "message", "msg"))
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

func frames(startURL, endURL string) []frame {
	var out []frame
	if startURL != "" {
		out = append(out, frame{Role: "start", URL: startURL})
	} else if endURL != "" {
		out = append(out, frame{Role: "start", URL: placeholderFrame})
	}
	if endURL != "" {
		out = append(out, frame{Role: "end", URL: endURL})
	}
	return out
}

// Poll checks one video job. The handle's BaseURL pins polling to the host
// that accepted the submission.
func (a *Adapter) Poll(ctx context.Context, handle *core.JobHandle, cfg core.RequestConfig) (*core.PollStatus, error) {
	status, body, err := adapters.GetJSON(ctx, a.httpClient, handle.BaseURL+"/v1/videos/generations/"+handle.TaskID, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, core.ParseVendorError(providerName, status, body, nil)
	}

	switch adapters.FirstString(body, "data.task_status", "task_status", "status") {
	case "succeed", "succeeded":
		url := adapters.FirstString(body, "data.task_result.videos.0.url", "data.video_url")
		if url == "" {
			return nil, core.NewResultParseError(providerName, "completed job carried no video url")
		}
		return &core.PollStatus{State: core.PollSucceeded, URL: url}, nil
	case "failed":
		reason := adapters.FirstString(body, "data.task_status_msg", "message", "msg")
		return &core.PollStatus{State: core.PollFailed, Reason: reason}, nil
	default:
		return &core.PollStatus{State: core.PollPending}, nil
	}
}

// PollProfile returns the polling budget. Video jobs routinely take minutes.
func (a *Adapter) PollProfile() core.PollProfile {
	return core.PollProfile{
		IntervalSeconds:        5,
		MaxAttempts:            180,
		MaxConsecutiveFailures: 3,
	}
}
