// Package stability provides Stability AI image generation for the pipeline.
package stability

import (
	"context"
	"net/http"

	"genforge/internal/adapters"
	"genforge/internal/core"
	"genforge/internal/httpclient"
)

const (
	providerName   = "stability"
	defaultBaseURL = "https://api.stability.ai"

	// minPixels is the smallest image area the API accepts. Smaller requests
	// are scaled up isotropically before submission.
	minPixels = 262144
)

func init() {
	adapters.Register(providerName, func() core.Adapter {
		return New()
	})
}

// Adapter implements synchronous image generation against the Stability API.
// Reference images must be inlined as base64; remote URLs are rejected.
type Adapter struct {
	httpClient *http.Client
}

// New creates a Stability adapter.
func New() *Adapter {
	return &Adapter{httpClient: httpclient.NewDefaultHTTPClient()}
}

// NewWithHTTPClient creates a Stability adapter with a custom HTTP client.
func NewWithHTTPClient(client *http.Client) *Adapter {
	return &Adapter{httpClient: client}
}

func (a *Adapter) Name() string { return providerName }

type generateRequest struct {
	Prompt       string   `json:"prompt"`
	Width        int      `json:"width,omitempty"`
	Height       int      `json:"height,omitempty"`
	Images       []string `json:"images,omitempty"`
	OutputFormat string   `json:"output_format"`
}

func (a *Adapter) Submit(ctx context.Context, req *core.GenerationRequest, cfg core.RequestConfig) (*core.SubmitOutcome, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	width, height := adapters.EnsureMinPixels(req.Width, req.Height, minPixels)
	payload := generateRequest{
		Prompt:       req.Prompt,
		Width:        width,
		Height:       height,
		OutputFormat: "png",
	}
	for _, ref := range req.ReferenceImageURLs {
		data, mime, err := adapters.FetchReference(ctx, a.httpClient, ref)
		if err != nil {
			return nil, err
		}
		payload.Images = append(payload.Images, adapters.DataURL(mime, data))
	}

	url := baseURL + "/v2beta/stable-image/generate/" + req.Model
	status, body, err := adapters.PostJSON(ctx, a.httpClient, url, cfg.APIKey, payload)
	if err != nil {
		return nil, core.NewProviderError(providerName, http.StatusBadGateway, "image generation request failed", err)
	}
	if status != http.StatusOK {
		return nil, core.ParseVendorError(providerName, status, body, nil)
	}

	resultURL := adapters.FirstString(body, "url")
	if resultURL == "" {
		if b64 := adapters.FirstString(body, "image"); b64 != "" {
			resultURL = "data:image/png;base64," + b64
		}
	}
	if resultURL == "" {
		return nil, core.NewResultParseError(providerName, "image response carried no image data")
	}

	return &core.SubmitOutcome{
		Sync: &core.GenerationResult{
			URL:      resultURL,
			Type:     core.CategoryImage,
			Provider: providerName,
			Model:    req.Model,
		},
	}, nil
}
