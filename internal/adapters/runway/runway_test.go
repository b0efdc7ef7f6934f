package runway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genforge/internal/core"
)

func TestSubmitSnapsRatio(t *testing.T) {
	var captured submitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"id":"rw-1"}`))
	}))
	defer srv.Close()

	a := NewWithHTTPClient(srv.Client())
	out, err := a.Submit(context.Background(), &core.GenerationRequest{
		Category: core.CategoryVideo,
		Prompt:   "dolly shot",
		Model:    "gen3a_turbo",
		Width:    2350,
		Height:   1000,
	}, core.RequestConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	require.NotNil(t, out.Job)

	// Cinemascope is not in the supported set and must be snapped.
	assert.Equal(t, "21:9", captured.Ratio)
}

func TestSubmitPrefersStartFrame(t *testing.T) {
	var captured submitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"id":"rw-2"}`))
	}))
	defer srv.Close()

	a := NewWithHTTPClient(srv.Client())
	_, err := a.Submit(context.Background(), &core.GenerationRequest{
		Category:           core.CategoryVideo,
		Prompt:             "x",
		Model:              "gen3a_turbo",
		StartFrameURL:      "https://cdn/start.png",
		ReferenceImageURLs: []string{"https://cdn/ref.png"},
	}, core.RequestConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/start.png", captured.PromptImg)
}

func TestPollStates(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantState core.PollState
		wantURL   string
	}{
		{"running", `{"status":"RUNNING"}`, core.PollPending, ""},
		{"succeeded", `{"status":"SUCCEEDED","output":["https://cdn/out.mp4"]}`, core.PollSucceeded, "https://cdn/out.mp4"},
		{"failed", `{"status":"FAILED","failure":"internal error"}`, core.PollFailed, ""},
		{"cancelled", `{"status":"CANCELLED"}`, core.PollFailed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			a := NewWithHTTPClient(srv.Client())
			status, err := a.Poll(context.Background(), &core.JobHandle{TaskID: "rw-1", BaseURL: srv.URL}, core.RequestConfig{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, status.State)
			assert.Equal(t, tt.wantURL, status.URL)
		})
	}
}

func TestSubmitVendorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limit exceeded"}`))
	}))
	defer srv.Close()

	a := NewWithHTTPClient(srv.Client())
	_, err := a.Submit(context.Background(), &core.GenerationRequest{Category: core.CategoryVideo, Prompt: "x", Model: "gen3a_turbo"}, core.RequestConfig{BaseURL: srv.URL})
	require.Error(t, err)

	var pe *core.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, core.ErrorKindQuotaExceeded, pe.Kind)
}
