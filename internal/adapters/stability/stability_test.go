package stability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genforge/internal/core"
)

func TestSubmitScalesUpToPixelFloor(t *testing.T) {
	var captured generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v2beta/stable-image/generate/sd3"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"image":"aW1n"}`))
	}))
	defer srv.Close()

	a := NewWithHTTPClient(srv.Client())
	out, err := a.Submit(context.Background(), &core.GenerationRequest{
		Category: core.CategoryImage,
		Prompt:   "a harbor at dawn",
		Model:    "sd3",
		Width:    320,
		Height:   180,
	}, core.RequestConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, captured.Width*captured.Height, minPixels)
	ratio := float64(captured.Width) / float64(captured.Height)
	assert.InDelta(t, 320.0/180.0, ratio, 0.02)

	require.NotNil(t, out.Sync)
	assert.Equal(t, "data:image/png;base64,aW1n", out.Sync.URL)
}

func TestSubmitInlinesReferenceImages(t *testing.T) {
	refSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("fakejpg"))
	}))
	defer refSrv.Close()

	var captured generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"image":"aW1n"}`))
	}))
	defer srv.Close()

	a := NewWithHTTPClient(srv.Client())
	_, err := a.Submit(context.Background(), &core.GenerationRequest{
		Category:           core.CategoryImage,
		Prompt:             "x",
		Model:              "sd3",
		Width:              1024,
		Height:             1024,
		ReferenceImageURLs: []string{refSrv.URL + "/ref.jpg"},
	}, core.RequestConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	require.Len(t, captured.Images, 1)
	assert.True(t, strings.HasPrefix(captured.Images[0], "data:image/jpeg;base64,"))
}

func TestSubmitPassesLargeDimensionsThrough(t *testing.T) {
	var captured generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"image":"aW1n"}`))
	}))
	defer srv.Close()

	a := NewWithHTTPClient(srv.Client())
	_, err := a.Submit(context.Background(), &core.GenerationRequest{
		Category: core.CategoryImage,
		Prompt:   "x",
		Model:    "sd3",
		Width:    1024,
		Height:   1024,
	}, core.RequestConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 1024, captured.Width)
	assert.Equal(t, 1024, captured.Height)
}
