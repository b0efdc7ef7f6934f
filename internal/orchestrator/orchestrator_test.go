package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genforge/internal/core"
)

type fakeAdapter struct {
	name        string
	submits     []func(cfg core.RequestConfig) (*core.SubmitOutcome, error)
	submitCalls int
	polls       []func() (*core.PollStatus, error)
	pollCalls   int
	profile     core.PollProfile
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Submit(_ context.Context, _ *core.GenerationRequest, cfg core.RequestConfig) (*core.SubmitOutcome, error) {
	fn := f.submits[f.submitCalls]
	f.submitCalls++
	return fn(cfg)
}

func (f *fakeAdapter) Poll(_ context.Context, _ *core.JobHandle, _ core.RequestConfig) (*core.PollStatus, error) {
	fn := f.polls[f.pollCalls]
	f.pollCalls++
	return fn()
}

func (f *fakeAdapter) PollProfile() core.PollProfile { return f.profile }

func fastProfile(maxAttempts int) core.PollProfile {
	return core.PollProfile{IntervalSeconds: 0, MaxAttempts: maxAttempts, MaxConsecutiveFailures: 2}
}

func syncOutcome(url string) *core.SubmitOutcome {
	return &core.SubmitOutcome{Sync: &core.GenerationResult{URL: url, Type: core.CategoryImage}}
}

func jobOutcome(taskID, baseURL string) *core.SubmitOutcome {
	return &core.SubmitOutcome{Job: &core.JobHandle{Provider: "fake", Model: "m", TaskID: taskID, BaseURL: baseURL}}
}

func TestRunSynchronous(t *testing.T) {
	a := &fakeAdapter{
		name: "fake",
		submits: []func(core.RequestConfig) (*core.SubmitOutcome, error){
			func(core.RequestConfig) (*core.SubmitOutcome, error) { return syncOutcome("https://cdn/img.png"), nil },
		},
	}

	result, err := New(nil).Run(context.Background(), a, &core.GenerationRequest{Category: core.CategoryImage}, core.RequestConfig{})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/img.png", result.URL)
	assert.Equal(t, 1, a.submitCalls)
}

func TestRunMirrorRetryOnce(t *testing.T) {
	var mirrorBase string
	a := &fakeAdapter{
		name: "fake",
		submits: []func(core.RequestConfig) (*core.SubmitOutcome, error){
			func(core.RequestConfig) (*core.SubmitOutcome, error) {
				return nil, core.NewTimeoutError("fake", "submit timed out")
			},
			func(cfg core.RequestConfig) (*core.SubmitOutcome, error) {
				mirrorBase = cfg.BaseURL
				return syncOutcome("https://cdn/img.png"), nil
			},
		},
	}

	result, err := New(nil).Run(context.Background(), a, &core.GenerationRequest{Category: core.CategoryImage},
		core.RequestConfig{BaseURL: "https://primary", MirrorURL: "https://mirror"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/img.png", result.URL)
	assert.Equal(t, 2, a.submitCalls)
	assert.Equal(t, "https://mirror", mirrorBase)
}

func TestRunNoMirrorForClientErrors(t *testing.T) {
	a := &fakeAdapter{
		name: "fake",
		submits: []func(core.RequestConfig) (*core.SubmitOutcome, error){
			func(core.RequestConfig) (*core.SubmitOutcome, error) {
				return nil, core.NewQuotaExceededError("fake", "quota exhausted")
			},
		},
	}

	_, err := New(nil).Run(context.Background(), a, &core.GenerationRequest{Category: core.CategoryImage},
		core.RequestConfig{BaseURL: "https://primary", MirrorURL: "https://mirror"})
	require.Error(t, err)
	assert.Equal(t, 1, a.submitCalls, "quota errors must not burn the mirror")
}

func TestRunPollsUntilSuccess(t *testing.T) {
	pending := func() (*core.PollStatus, error) { return &core.PollStatus{State: core.PollPending}, nil }
	a := &fakeAdapter{
		name: "fake",
		submits: []func(core.RequestConfig) (*core.SubmitOutcome, error){
			func(core.RequestConfig) (*core.SubmitOutcome, error) { return jobOutcome("t1", "https://primary"), nil },
		},
		polls: []func() (*core.PollStatus, error){
			pending,
			pending,
			func() (*core.PollStatus, error) {
				return &core.PollStatus{State: core.PollSucceeded, URL: "https://cdn/out.mp4"}, nil
			},
		},
		profile: fastProfile(10),
	}

	result, err := New(nil).Run(context.Background(), a, &core.GenerationRequest{Category: core.CategoryVideo}, core.RequestConfig{})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/out.mp4", result.URL)
	assert.Equal(t, core.CategoryVideo, result.Type)
	assert.Equal(t, "t1", result.Metadata.TaskID)
	assert.Equal(t, 3, a.pollCalls)
}

func TestRunPollBudgetExhausted(t *testing.T) {
	pending := func() (*core.PollStatus, error) { return &core.PollStatus{State: core.PollPending}, nil }
	a := &fakeAdapter{
		name: "fake",
		submits: []func(core.RequestConfig) (*core.SubmitOutcome, error){
			func(core.RequestConfig) (*core.SubmitOutcome, error) { return jobOutcome("t1", ""), nil },
		},
		polls:   []func() (*core.PollStatus, error){pending, pending, pending},
		profile: fastProfile(3),
	}

	_, err := New(nil).Run(context.Background(), a, &core.GenerationRequest{Category: core.CategoryVideo}, core.RequestConfig{})
	require.Error(t, err)

	var pe *core.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, core.ErrorKindTimeout, pe.Kind)
}

func TestRunConsecutivePollFailures(t *testing.T) {
	transient := func() (*core.PollStatus, error) { return nil, errors.New("connection reset") }
	a := &fakeAdapter{
		name: "fake",
		submits: []func(core.RequestConfig) (*core.SubmitOutcome, error){
			func(core.RequestConfig) (*core.SubmitOutcome, error) { return jobOutcome("t1", ""), nil },
		},
		polls:   []func() (*core.PollStatus, error){transient, transient},
		profile: fastProfile(10),
	}

	_, err := New(nil).Run(context.Background(), a, &core.GenerationRequest{Category: core.CategoryVideo}, core.RequestConfig{})
	require.Error(t, err)

	var pe *core.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, core.ErrorKindProvider, pe.Kind)
	assert.Equal(t, 2, a.pollCalls)
}

func TestRunPollFailureCounterResets(t *testing.T) {
	transient := func() (*core.PollStatus, error) { return nil, errors.New("connection reset") }
	pending := func() (*core.PollStatus, error) { return &core.PollStatus{State: core.PollPending}, nil }
	a := &fakeAdapter{
		name: "fake",
		submits: []func(core.RequestConfig) (*core.SubmitOutcome, error){
			func(core.RequestConfig) (*core.SubmitOutcome, error) { return jobOutcome("t1", ""), nil },
		},
		polls: []func() (*core.PollStatus, error){
			transient, pending, transient, pending,
			func() (*core.PollStatus, error) {
				return &core.PollStatus{State: core.PollSucceeded, URL: "https://cdn/out.mp4"}, nil
			},
		},
		profile: fastProfile(10),
	}

	result, err := New(nil).Run(context.Background(), a, &core.GenerationRequest{Category: core.CategoryVideo}, core.RequestConfig{})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/out.mp4", result.URL)
}

func TestRunVendorReportedFailure(t *testing.T) {
	a := &fakeAdapter{
		name: "fake",
		submits: []func(core.RequestConfig) (*core.SubmitOutcome, error){
			func(core.RequestConfig) (*core.SubmitOutcome, error) { return jobOutcome("t1", ""), nil },
		},
		polls: []func() (*core.PollStatus, error){
			func() (*core.PollStatus, error) {
				return &core.PollStatus{State: core.PollFailed, Reason: "content policy violation"}, nil
			},
		},
		profile: fastProfile(10),
	}

	_, err := New(nil).Run(context.Background(), a, &core.GenerationRequest{Category: core.CategoryVideo}, core.RequestConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content policy violation")
}

func TestRunContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := &fakeAdapter{
		name: "fake",
		submits: []func(core.RequestConfig) (*core.SubmitOutcome, error){
			func(core.RequestConfig) (*core.SubmitOutcome, error) { return jobOutcome("t1", ""), nil },
		},
		profile: core.PollProfile{IntervalSeconds: 1, MaxAttempts: 10, MaxConsecutiveFailures: 2},
	}

	_, err := New(nil).Run(ctx, a, &core.GenerationRequest{Category: core.CategoryVideo}, core.RequestConfig{})
	require.ErrorIs(t, err, context.Canceled)
}
