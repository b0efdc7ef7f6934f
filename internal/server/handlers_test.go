package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genforge/internal/core"
	"genforge/internal/jobs"
	"genforge/internal/ledger"
	"genforge/internal/pricing"
)

type stubGenerator struct {
	result *core.GenerationResult
	err    error
}

func (s *stubGenerator) Generate(context.Context, string, *core.GenerationRequest) (*core.GenerationResult, error) {
	return s.result, s.err
}

func newTestServer(t *testing.T, gen jobs.Generator, cfg *Config) (*Server, *ledger.Ledger, *pricing.Registry) {
	t.Helper()

	registry, err := pricing.NewRegistry([]pricing.Rule{
		{TaskType: "image_gen", Unit: pricing.UnitPerCall, Cost: 100},
	})
	require.NoError(t, err)

	led := ledger.New(ledger.NewMemoryStore(), registry)
	store := jobs.NewStore(gen, jobs.Options{}, nil)
	t.Cleanup(store.Close)

	return New(NewHandler(store, led, registry), cfg), led, registry
}

func doJSON(srv *Server, method, target, userID, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubGenerator{}, &Config{MasterKey: "secret"})

	rec := doJSON(srv, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubGenerator{}, &Config{MasterKey: "secret"})

	rec := doJSON(srv, http.MethodGet, "/v1/credits/balance", "u1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(srv, http.MethodGet, "/v1/credits/balance", "u1", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(srv, http.MethodGet, "/v1/credits/balance", "u1", "", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitAndPollJob(t *testing.T) {
	gen := &stubGenerator{result: &core.GenerationResult{URL: "https://cdn/img.png", Type: core.CategoryImage}}
	srv, _, _ := newTestServer(t, gen, nil)

	rec := doJSON(srv, http.MethodPost, "/v1/generate/image/submit", "u1", `{"prompt":"a lighthouse"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted core.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.ID)

	deadline := time.After(2 * time.Second)
	for {
		rec = doJSON(srv, http.MethodGet, "/v1/generate/image/jobs/"+submitted.ID, "u1", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var job core.Job
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
		if job.Status.Terminal() {
			assert.Equal(t, core.JobStatusSucceeded, job.Status)
			require.NotNil(t, job.Result)
			assert.Equal(t, "https://cdn/img.png", job.Result.URL)
			return
		}
		select {
		case <-deadline:
			t.Fatal("job never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubmitIdempotencyHeader(t *testing.T) {
	gen := &stubGenerator{result: &core.GenerationResult{}}
	srv, _, _ := newTestServer(t, gen, nil)

	headers := map[string]string{"Idempotency-Key": "k-1"}
	rec := doJSON(srv, http.MethodPost, "/v1/generate/image/submit", "u1", `{"prompt":"x"}`, headers)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var first core.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))

	rec = doJSON(srv, http.MethodPost, "/v1/generate/image/submit", "u1", `{"prompt":"x"}`, headers)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var second struct {
		core.Job
		Deduplicated bool `json:"deduplicated"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Deduplicated)
}

func TestSubmitRejectsUnknownCategory(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubGenerator{}, nil)

	rec := doJSON(srv, http.MethodPost, "/v1/generate/audio/submit", "u1", `{"prompt":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown generation category")
}

func TestUserIDHeaderRequired(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubGenerator{}, nil)

	rec := doJSON(srv, http.MethodPost, "/v1/generate/image/submit", "", `{"prompt":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "X-User-ID")
}

func TestJobNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubGenerator{}, nil)

	rec := doJSON(srv, http.MethodGet, "/v1/generate/image/jobs/nope", "u1", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobInvisibleToOtherUsers(t *testing.T) {
	gen := &stubGenerator{result: &core.GenerationResult{}}
	srv, _, _ := newTestServer(t, gen, nil)

	rec := doJSON(srv, http.MethodPost, "/v1/generate/image/submit", "u1", `{"prompt":"x"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var job core.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))

	rec = doJSON(srv, http.MethodGet, "/v1/generate/image/jobs/"+job.ID, "u2", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGrantAndBalance(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubGenerator{}, nil)

	rec := doJSON(srv, http.MethodPost, "/v1/admin/credits/grant", "", `{"user_id":"u1","amount":500,"reason":"signup bonus"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(srv, http.MethodGet, "/v1/credits/balance", "u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		UserID  string `json:"user_id"`
		Balance int64  `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(500), resp.Balance)
}

func TestGrantValidation(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubGenerator{}, nil)

	rec := doJSON(srv, http.MethodPost, "/v1/admin/credits/grant", "", `{"user_id":"","amount":500}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(srv, http.MethodPost, "/v1/admin/credits/grant", "", `{"user_id":"u1","amount":-5}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransactionsListing(t *testing.T) {
	srv, led, _ := newTestServer(t, &stubGenerator{}, nil)
	_, err := led.Grant(context.Background(), "u1", 500, "seed")
	require.NoError(t, err)
	_, err = led.Deduct(context.Background(), "u1", "image_gen", "openai", "gpt-image-1", core.UsageDetails{Calls: 1})
	require.NoError(t, err)

	rec := doJSON(srv, http.MethodGet, "/v1/credits/transactions?limit=10", "u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Entries []ledger.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, ledger.StatusRefund, resp.Entries[0].Status)

	rec = doJSON(srv, http.MethodGet, "/v1/credits/transactions?limit=bogus", "u1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplacePricing(t *testing.T) {
	srv, _, registry := newTestServer(t, &stubGenerator{}, nil)

	body := `[{"task_type":"video_gen","unit":"per_second","cost":12}]`
	rec := doJSON(srv, http.MethodPut, "/v1/admin/pricing/rules", "", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rule, err := registry.Resolve("video_gen", "kling", "v2")
	require.NoError(t, err)
	assert.Equal(t, 12.0, rule.Cost)

	// The old rule set is gone after the swap.
	_, err = registry.Resolve("image_gen", "openai", "gpt-image-1")
	require.Error(t, err)
}

func TestReplacePricingRejectsInvalidRules(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubGenerator{}, nil)

	body := `[{"task_type":"llm_chat","unit":"per_1k_tokens","cost_input":0,"cost_output":0}]`
	rec := doJSON(srv, http.MethodPut, "/v1/admin/pricing/rules", "", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitBatchTracksItemProgress(t *testing.T) {
	gen := &stubGenerator{result: &core.GenerationResult{URL: "https://cdn/img.png", Type: core.CategoryImage}}
	srv, _, _ := newTestServer(t, gen, nil)

	body := `{"items":[{"prompt":"one"},{"prompt":"two"}]}`
	rec := doJSON(srv, http.MethodPost, "/v1/generate/image/batch", "u1", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted core.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.Len(t, submitted.Items, 2)

	deadline := time.After(2 * time.Second)
	for {
		rec = doJSON(srv, http.MethodGet, "/v1/generate/image/jobs/"+submitted.ID, "u1", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var job core.Job
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
		if job.Status.Terminal() {
			assert.Equal(t, core.JobStatusSucceeded, job.Status)
			require.Len(t, job.Items, 2)
			for _, item := range job.Items {
				assert.Equal(t, core.JobStatusSucceeded, item.Status)
				require.NotNil(t, item.Result)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("batch never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubmitBatchValidation(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubGenerator{}, nil)

	rec := doJSON(srv, http.MethodPost, "/v1/generate/image/batch", "u1", `{"items":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	items := make([]string, 21)
	for i := range items {
		items[i] = `{"prompt":"x"}`
	}
	body := `{"items":[` + strings.Join(items, ",") + `]}`
	rec = doJSON(srv, http.MethodPost, "/v1/generate/image/batch", "u1", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "item limit")
}

func TestBalanceUserIDOverride(t *testing.T) {
	srv, led, _ := newTestServer(t, &stubGenerator{}, nil)
	_, err := led.Grant(context.Background(), "u2", 250, "seed")
	require.NoError(t, err)

	rec := doJSON(srv, http.MethodGet, "/v1/credits/balance?user_id=u2", "u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		UserID  string `json:"user_id"`
		Balance int64  `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "u2", resp.UserID)
	assert.Equal(t, int64(250), resp.Balance)
}

func TestListPricing(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubGenerator{}, nil)

	rec := doJSON(srv, http.MethodGet, "/v1/admin/pricing/rules", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Rules []pricing.Rule `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Rules, 1)
	assert.Equal(t, "image_gen", resp.Rules[0].TaskType)
}

func TestInsufficientCreditsSurfacesInJob(t *testing.T) {
	gen := &stubGenerator{err: core.NewInsufficientCreditsError(100, 0)}
	srv, _, _ := newTestServer(t, gen, nil)

	rec := doJSON(srv, http.MethodPost, "/v1/generate/image/submit", "u1", `{"prompt":"x"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var job core.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))

	deadline := time.After(2 * time.Second)
	for {
		rec = doJSON(srv, http.MethodGet, "/v1/generate/image/jobs/"+job.ID, "u1", "", nil)
		var polled core.Job
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &polled))
		if polled.Status.Terminal() {
			assert.Equal(t, core.JobStatusFailed, polled.Status)
			assert.Contains(t, polled.Error, "credits")
			return
		}
		select {
		case <-deadline:
			t.Fatal("job never finished")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
