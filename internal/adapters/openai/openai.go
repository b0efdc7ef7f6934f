// Package openai provides OpenAI image generation for the pipeline.
package openai

import (
	"context"
	"net/http"

	"genforge/internal/adapters"
	"genforge/internal/core"
	"genforge/internal/httpclient"
)

const (
	providerName   = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
)

// supportedSizes is the closed set the images endpoint accepts. Arbitrary
// dimensions must be snapped, never passed through.
var supportedSizes = []string{"1024x1024", "1536x1024", "1024x1536"}

func init() {
	adapters.Register(providerName, func() core.Adapter {
		return New()
	})
}

// Adapter implements image generation against the OpenAI images API. The
// endpoint is synchronous: a completed image comes back on the submit call.
type Adapter struct {
	httpClient *http.Client
}

// New creates an OpenAI adapter.
func New() *Adapter {
	return &Adapter{httpClient: httpclient.NewDefaultHTTPClient()}
}

// NewWithHTTPClient creates an OpenAI adapter with a custom HTTP client.
func NewWithHTTPClient(client *http.Client) *Adapter {
	return &Adapter{httpClient: client}
}

func (a *Adapter) Name() string { return providerName }

type imageRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	N      int      `json:"n"`
	Size   string   `json:"size,omitempty"`
	Image  []string `json:"image,omitempty"`
}

// Submit generates an image synchronously. Reference images are fetched and
// re-encoded as inline data URLs since the endpoint does not accept remote
// references.
func (a *Adapter) Submit(ctx context.Context, req *core.GenerationRequest, cfg core.RequestConfig) (*core.SubmitOutcome, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	payload := imageRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		N:      1,
		Size:   snapSize(req.Width, req.Height),
	}
	for _, ref := range req.ReferenceImageURLs {
		data, mime, err := adapters.FetchReference(ctx, a.httpClient, ref)
		if err != nil {
			return nil, err
		}
		payload.Image = append(payload.Image, adapters.DataURL(mime, data))
	}

	status, body, err := adapters.PostJSON(ctx, a.httpClient, baseURL+"/images/generations", cfg.APIKey, payload)
	if err != nil {
		return nil, core.NewProviderError(providerName, http.StatusBadGateway, "image generation request failed", err)
	}
	if status != http.StatusOK {
		return nil, core.ParseVendorError(providerName, status, body, nil)
	}

	url := adapters.FirstString(body, "data.0.url")
	if url == "" {
		if b64 := adapters.FirstString(body, "data.0.b64_json"); b64 != "" {
			url = "data:image/png;base64," + b64
		}
	}
	if url == "" {
		return nil, core.NewResultParseError(providerName, "image response carried no url or image data")
	}

	return &core.SubmitOutcome{
		Sync: &core.GenerationResult{
			URL:      url,
			Type:     core.CategoryImage,
			Provider: providerName,
			Model:    req.Model,
		},
	}, nil
}

// snapSize maps requested dimensions onto the closed size set, matching by
// orientation first.
func snapSize(width, height int) string {
	if width <= 0 || height <= 0 {
		return supportedSizes[0]
	}
	switch {
	case width > height:
		return "1536x1024"
	case height > width:
		return "1024x1536"
	default:
		return "1024x1024"
	}
}
