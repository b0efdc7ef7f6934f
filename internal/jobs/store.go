// Package jobs provides the client-facing asynchronous job registry: submit
// a generation, poll its status by id. Jobs live in memory only; restart
// loses them, which is acceptable for a poll-until-done surface.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"genforge/internal/core"
)

const (
	// DefaultTTL keeps terminal jobs around long enough for slow pollers.
	DefaultTTL = 3600 * time.Second

	// DefaultMaxJobs caps the registry; beyond it, the oldest terminal jobs
	// are evicted first.
	DefaultMaxJobs = 200

	// DefaultWorkers bounds concurrent generations so vendor calls cannot
	// pile up without limit.
	DefaultWorkers = 8
)

// Generator executes one generation request. Implemented by the generation
// service.
type Generator interface {
	Generate(ctx context.Context, userID string, req *core.GenerationRequest) (*core.GenerationResult, error)
}

// Options tune the registry. Zero values take the defaults.
type Options struct {
	TTL     time.Duration
	MaxJobs int
	Workers int
}

// Store is the job registry. All map access goes through its mutex; callers
// only ever see clones, so a returned Job can be mutated or serialized
// freely.
type Store struct {
	gen    Generator
	logger *slog.Logger

	mu       sync.Mutex
	jobs     map[string]*core.Job
	idem     map[string]string // idempotency key -> job id
	jobKeys  map[string]string // job id -> idempotency key, for eviction
	ttl      time.Duration
	maxJobs  int
	workers  chan struct{}
	baseCtx  context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// NewStore creates a job registry running generations through gen.
func NewStore(gen Generator, opts Options, logger *slog.Logger) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = DefaultMaxJobs
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		gen:     gen,
		logger:  logger,
		jobs:    make(map[string]*core.Job),
		idem:    make(map[string]string),
		jobKeys: make(map[string]string),
		ttl:     opts.TTL,
		maxJobs: opts.MaxJobs,
		workers: make(chan struct{}, opts.Workers),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Submit registers a generation job and starts it on a background worker.
// A repeated idempotency key returns the existing job, flagged deduplicated,
// instead of starting a duplicate generation. Only the request ID survives
// from ctx; the generation itself runs on the store's own context so it
// outlives the HTTP request.
func (s *Store) Submit(ctx context.Context, userID string, req *core.GenerationRequest, idempotencyKey string) (*core.Job, bool, error) {
	job, dedup, err := s.insert(userID, idempotencyKey, nil)
	if err != nil || dedup {
		return job, dedup, err
	}

	s.inflight.Add(1)
	go s.run(job.ID, userID, req, core.GetRequestID(ctx))

	return job, false, nil
}

// SubmitBatch registers one job covering several generation requests. Items
// run sequentially on a single worker slot so a large batch cannot monopolize
// the pool, and each item goes through the same reserve/settle path as a
// single submission.
func (s *Store) SubmitBatch(ctx context.Context, userID string, reqs []*core.GenerationRequest, idempotencyKey string) (*core.Job, bool, error) {
	if len(reqs) == 0 {
		return nil, false, core.NewInvalidRequestError("batch requires at least one item", nil)
	}

	items := make([]core.JobItem, len(reqs))
	for i := range items {
		items[i] = core.JobItem{Index: i, Status: core.JobStatusQueued}
	}

	job, dedup, err := s.insert(userID, idempotencyKey, items)
	if err != nil || dedup {
		return job, dedup, err
	}

	s.inflight.Add(1)
	go s.runBatch(job.ID, userID, reqs, core.GetRequestID(ctx))

	return job, false, nil
}

// insert performs the locked registration sequence: prune, idempotency
// lookup, cap eviction, insert.
func (s *Store) insert(userID, idempotencyKey string, items []core.JobItem) (*core.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(time.Now())

	if idempotencyKey != "" {
		if id, ok := s.idem[idempotencyKey]; ok {
			if existing, ok := s.jobs[id]; ok {
				return cloneJob(existing), true, nil
			}
		}
	}

	if len(s.jobs) >= s.maxJobs {
		if !s.evictOldestTerminalLocked() {
			return nil, false, core.NewQuotaExceededError("", "job registry is full; retry after running jobs finish")
		}
	}

	job := &core.Job{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    core.JobStatusQueued,
		CreatedAt: time.Now(),
		Items:     items,
	}
	s.jobs[job.ID] = job
	if idempotencyKey != "" {
		s.idem[idempotencyKey] = job.ID
		s.jobKeys[job.ID] = idempotencyKey
	}
	return cloneJob(job), false, nil
}

// run executes one job on a worker slot. Only this goroutine mutates the job
// after submission.
func (s *Store) run(jobID, userID string, req *core.GenerationRequest, requestID string) {
	defer s.inflight.Done()

	select {
	case s.workers <- struct{}{}:
		defer func() { <-s.workers }()
	case <-s.baseCtx.Done():
		s.finish(jobID, nil, s.baseCtx.Err())
		return
	}

	now := time.Now()
	s.mu.Lock()
	if job, ok := s.jobs[jobID]; ok {
		job.Status = core.JobStatusRunning
		job.StartedAt = &now
	}
	s.mu.Unlock()

	genCtx := s.baseCtx
	if requestID != "" {
		genCtx = core.WithRequestID(genCtx, requestID)
	}
	result, err := s.gen.Generate(genCtx, userID, req)
	s.finish(jobID, result, err)
}

// runBatch executes a batch job's items sequentially on one worker slot.
// Shutdown is checked between items so a canceled batch never abandons an
// in-flight reservation mid-item.
func (s *Store) runBatch(jobID, userID string, reqs []*core.GenerationRequest, requestID string) {
	defer s.inflight.Done()

	select {
	case s.workers <- struct{}{}:
		defer func() { <-s.workers }()
	case <-s.baseCtx.Done():
		s.finish(jobID, nil, s.baseCtx.Err())
		return
	}

	now := time.Now()
	s.mu.Lock()
	if job, ok := s.jobs[jobID]; ok {
		job.Status = core.JobStatusRunning
		job.StartedAt = &now
	}
	s.mu.Unlock()

	genCtx := s.baseCtx
	if requestID != "" {
		genCtx = core.WithRequestID(genCtx, requestID)
	}

	succeeded := 0
	for i, req := range reqs {
		select {
		case <-s.baseCtx.Done():
			s.finish(jobID, nil, s.baseCtx.Err())
			return
		default:
		}

		s.setItem(jobID, i, core.JobStatusRunning, nil, "")
		result, err := s.gen.Generate(genCtx, userID, req)
		if err != nil {
			s.setItem(jobID, i, core.JobStatusFailed, nil, err.Error())
			continue
		}
		s.setItem(jobID, i, core.JobStatusSucceeded, result, "")
		succeeded++
	}

	if succeeded == 0 {
		s.finish(jobID, nil, fmt.Errorf("all %d batch items failed", len(reqs)))
		return
	}
	s.finish(jobID, nil, nil)
}

func (s *Store) setItem(jobID string, index int, status core.JobStatus, result *core.GenerationResult, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || index >= len(job.Items) {
		return
	}
	job.Items[index].Status = status
	job.Items[index].Result = result
	job.Items[index].Error = errMsg
}

func (s *Store) finish(jobID string, result *core.GenerationResult, err error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	job.FinishedAt = &now
	if err != nil {
		job.Status = core.JobStatusFailed
		job.Error = err.Error()
		return
	}
	job.Status = core.JobStatusSucceeded
	job.Result = result
}

// Get returns a clone of a job. Jobs are scoped to their submitting user.
func (s *Store) Get(userID, jobID string) (*core.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.UserID != userID {
		return nil, false
	}
	return cloneJob(job), true
}

// Prune evicts terminal jobs past their TTL.
func (s *Store) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(time.Now())
}

// Len reports the number of live jobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Close stops accepting work and cancels running generations.
func (s *Store) Close() {
	s.cancel()
	s.inflight.Wait()
}

func (s *Store) pruneLocked(now time.Time) {
	for id, job := range s.jobs {
		if !job.Status.Terminal() || job.FinishedAt == nil {
			continue
		}
		if now.Sub(*job.FinishedAt) > s.ttl {
			s.dropLocked(id)
		}
	}
}

// evictOldestTerminalLocked frees one slot. Running jobs are never evicted.
func (s *Store) evictOldestTerminalLocked() bool {
	var oldestID string
	var oldest time.Time
	for id, job := range s.jobs {
		if !job.Status.Terminal() {
			continue
		}
		if oldestID == "" || job.CreatedAt.Before(oldest) {
			oldestID = id
			oldest = job.CreatedAt
		}
	}
	if oldestID == "" {
		return false
	}
	s.dropLocked(oldestID)
	return true
}

func (s *Store) dropLocked(jobID string) {
	if key, ok := s.jobKeys[jobID]; ok {
		delete(s.idem, key)
		delete(s.jobKeys, jobID)
	}
	delete(s.jobs, jobID)
}

func cloneJob(job *core.Job) *core.Job {
	clone := *job
	if job.StartedAt != nil {
		t := *job.StartedAt
		clone.StartedAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		clone.FinishedAt = &t
	}
	if job.Result != nil {
		r := *job.Result
		clone.Result = &r
	}
	if len(job.Items) > 0 {
		clone.Items = make([]core.JobItem, len(job.Items))
		copy(clone.Items, job.Items)
		for i, item := range job.Items {
			if item.Result != nil {
				r := *item.Result
				clone.Items[i].Result = &r
			}
		}
	}
	return &clone
}
