package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genforge/internal/core"
)

type fakeGenerator struct {
	mu      sync.Mutex
	calls   int
	result  *core.GenerationResult
	err     error
	block   chan struct{}
	started chan struct{}
}

func (f *fakeGenerator) Generate(ctx context.Context, _ string, _ *core.GenerationRequest) (*core.GenerationResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.result, f.err
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitTerminal(t *testing.T, s *Store, userID, jobID string) *core.Job {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		job, ok := s.Get(userID, jobID)
		require.True(t, ok)
		if job.Status.Terminal() {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached a terminal status", jobID)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func imageRequest() *core.GenerationRequest {
	return &core.GenerationRequest{Category: core.CategoryImage, Prompt: "a lighthouse"}
}

func TestSubmitRunsToCompletion(t *testing.T) {
	gen := &fakeGenerator{result: &core.GenerationResult{URL: "https://cdn/img.png", Type: core.CategoryImage}}
	s := NewStore(gen, Options{}, nil)
	defer s.Close()

	job, _, err := s.Submit(context.Background(), "u1", imageRequest(), "")
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusQueued, job.Status)
	assert.NotEmpty(t, job.ID)

	done := waitTerminal(t, s, "u1", job.ID)
	assert.Equal(t, core.JobStatusSucceeded, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, "https://cdn/img.png", done.Result.URL)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.FinishedAt)
}

func TestSubmitFailureRecordsError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("kling call failed: content policy")}
	s := NewStore(gen, Options{}, nil)
	defer s.Close()

	job, _, err := s.Submit(context.Background(), "u1", imageRequest(), "")
	require.NoError(t, err)

	done := waitTerminal(t, s, "u1", job.ID)
	assert.Equal(t, core.JobStatusFailed, done.Status)
	assert.Contains(t, done.Error, "content policy")
	assert.Nil(t, done.Result)
}

func TestSubmitIdempotencyKeyDeduplicates(t *testing.T) {
	gen := &fakeGenerator{result: &core.GenerationResult{URL: "https://cdn/img.png"}}
	s := NewStore(gen, Options{}, nil)
	defer s.Close()

	first, dedup, err := s.Submit(context.Background(), "u1", imageRequest(), "key-1")
	require.NoError(t, err)
	assert.False(t, dedup)
	second, dedup, err := s.Submit(context.Background(), "u1", imageRequest(), "key-1")
	require.NoError(t, err)
	assert.True(t, dedup)

	assert.Equal(t, first.ID, second.ID)
	waitTerminal(t, s, "u1", first.ID)
	assert.Equal(t, 1, gen.callCount())

	// A different key starts a fresh job.
	third, dedup, err := s.Submit(context.Background(), "u1", imageRequest(), "key-2")
	require.NoError(t, err)
	assert.False(t, dedup)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestGetScopedToUser(t *testing.T) {
	gen := &fakeGenerator{result: &core.GenerationResult{}}
	s := NewStore(gen, Options{}, nil)
	defer s.Close()

	job, _, err := s.Submit(context.Background(), "u1", imageRequest(), "")
	require.NoError(t, err)

	_, ok := s.Get("u2", job.ID)
	assert.False(t, ok)
	_, ok = s.Get("u1", "no-such-job")
	assert.False(t, ok)
}

func TestPruneEvictsExpiredTerminalJobs(t *testing.T) {
	gen := &fakeGenerator{result: &core.GenerationResult{}}
	s := NewStore(gen, Options{TTL: time.Millisecond}, nil)
	defer s.Close()

	job, _, err := s.Submit(context.Background(), "u1", imageRequest(), "expired-key")
	require.NoError(t, err)
	waitTerminal(t, s, "u1", job.ID)

	time.Sleep(5 * time.Millisecond)
	s.Prune()

	_, ok := s.Get("u1", job.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())

	// The idempotency key died with the job.
	fresh, _, err := s.Submit(context.Background(), "u1", imageRequest(), "expired-key")
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, fresh.ID)
}

func TestCapEvictsOldestTerminalFirst(t *testing.T) {
	gen := &fakeGenerator{result: &core.GenerationResult{}}
	s := NewStore(gen, Options{MaxJobs: 2}, nil)
	defer s.Close()

	first, _, err := s.Submit(context.Background(), "u1", imageRequest(), "")
	require.NoError(t, err)
	waitTerminal(t, s, "u1", first.ID)
	second, _, err := s.Submit(context.Background(), "u1", imageRequest(), "")
	require.NoError(t, err)
	waitTerminal(t, s, "u1", second.ID)

	third, _, err := s.Submit(context.Background(), "u1", imageRequest(), "")
	require.NoError(t, err)

	_, ok := s.Get("u1", first.ID)
	assert.False(t, ok, "oldest terminal job should be evicted")
	_, ok = s.Get("u1", second.ID)
	assert.True(t, ok)
	waitTerminal(t, s, "u1", third.ID)
}

func TestCapRejectsWhenNothingEvictable(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 2)
	gen := &fakeGenerator{result: &core.GenerationResult{}, block: block, started: started}
	s := NewStore(gen, Options{MaxJobs: 2}, nil)
	defer s.Close()

	_, _, err := s.Submit(context.Background(), "u1", imageRequest(), "")
	require.NoError(t, err)
	_, _, err = s.Submit(context.Background(), "u1", imageRequest(), "")
	require.NoError(t, err)
	<-started
	<-started

	_, _, err = s.Submit(context.Background(), "u1", imageRequest(), "")
	require.Error(t, err)

	var pe *core.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, core.ErrorKindQuotaExceeded, pe.Kind)

	close(block)
}

type promptGenerator struct {
	mu    sync.Mutex
	calls int
}

// Generate fails any item whose prompt is "bad" and succeeds otherwise.
func (g *promptGenerator) Generate(_ context.Context, _ string, req *core.GenerationRequest) (*core.GenerationResult, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if req.Prompt == "bad" {
		return nil, errors.New("openai call failed: invalid prompt")
	}
	return &core.GenerationResult{URL: "https://cdn/" + req.Prompt + ".png", Type: core.CategoryImage}, nil
}

func TestSubmitBatchRunsAllItems(t *testing.T) {
	gen := &promptGenerator{}
	s := NewStore(gen, Options{}, nil)
	defer s.Close()

	reqs := []*core.GenerationRequest{
		{Category: core.CategoryImage, Prompt: "one"},
		{Category: core.CategoryImage, Prompt: "bad"},
		{Category: core.CategoryImage, Prompt: "three"},
	}
	job, dedup, err := s.SubmitBatch(context.Background(), "u1", reqs, "")
	require.NoError(t, err)
	assert.False(t, dedup)
	require.Len(t, job.Items, 3)
	assert.Equal(t, core.JobStatusQueued, job.Items[0].Status)

	done := waitTerminal(t, s, "u1", job.ID)
	assert.Equal(t, core.JobStatusSucceeded, done.Status)
	require.Len(t, done.Items, 3)

	assert.Equal(t, core.JobStatusSucceeded, done.Items[0].Status)
	require.NotNil(t, done.Items[0].Result)
	assert.Equal(t, "https://cdn/one.png", done.Items[0].Result.URL)

	assert.Equal(t, core.JobStatusFailed, done.Items[1].Status)
	assert.Contains(t, done.Items[1].Error, "invalid prompt")
	assert.Nil(t, done.Items[1].Result)

	assert.Equal(t, core.JobStatusSucceeded, done.Items[2].Status)

	gen.mu.Lock()
	assert.Equal(t, 3, gen.calls)
	gen.mu.Unlock()
}

func TestSubmitBatchAllItemsFailed(t *testing.T) {
	gen := &promptGenerator{}
	s := NewStore(gen, Options{}, nil)
	defer s.Close()

	reqs := []*core.GenerationRequest{
		{Category: core.CategoryImage, Prompt: "bad"},
		{Category: core.CategoryImage, Prompt: "bad"},
	}
	job, _, err := s.SubmitBatch(context.Background(), "u1", reqs, "")
	require.NoError(t, err)

	done := waitTerminal(t, s, "u1", job.ID)
	assert.Equal(t, core.JobStatusFailed, done.Status)
	assert.Contains(t, done.Error, "batch items failed")
}

func TestSubmitBatchRejectsEmpty(t *testing.T) {
	s := NewStore(&promptGenerator{}, Options{}, nil)
	defer s.Close()

	_, _, err := s.SubmitBatch(context.Background(), "u1", nil, "")
	require.Error(t, err)

	var pe *core.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, core.ErrorKindInvalidRequest, pe.Kind)
}

func TestCloseCancelsRunningJobs(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	gen := &fakeGenerator{result: &core.GenerationResult{}, block: block, started: started}
	s := NewStore(gen, Options{}, nil)

	job, _, err := s.Submit(context.Background(), "u1", imageRequest(), "")
	require.NoError(t, err)
	<-started

	s.Close()

	done, ok := s.Get("u1", job.ID)
	require.True(t, ok)
	assert.Equal(t, core.JobStatusFailed, done.Status)
}
