// Package jobs implements the JobRegistry (C10): the strict state machine
// backing asynchronous crawl/LLM-extract tasks, persisted best-effort to
// the KVStore under "job:{id}".
package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/crawlnet/gateway/internal/config"
	"github.com/crawlnet/gateway/internal/kvstore"
	"github.com/crawlnet/gateway/internal/types"
)

// Registry tracks every Job in memory, mirroring each state transition to
// the KVStore for crash-recovery best-effort durability.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*types.Job

	store kvstore.Store
	cfg   *config.Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry creates a Registry and starts its stale-job sweeper.
func NewRegistry(cfg *config.Config, store kvstore.Store) *Registry {
	r := &Registry{
		jobs:   make(map[string]*types.Job),
		store:  store,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// Create registers a new PENDING job.
func (r *Registry) Create(kind types.JobKind, urls []string, webhook *types.WebhookConfig) *types.Job {
	job := &types.Job{
		ID:            uuid.NewString(),
		Kind:          kind,
		Status:        types.JobPending,
		CreatedAt:     time.Now(),
		URLs:          urls,
		WebhookConfig: webhook,
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	r.persist(job)
	return job
}

// Get returns a copy of the job record, or ErrJobNotFound.
func (r *Registry) Get(id string) (*types.Job, error) {
	r.mu.RLock()
	job, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &types.NotFoundError{Kind: "job", ID: id}
	}
	cp := *job
	return &cp, nil
}

// MarkRunning transitions PENDING -> RUNNING.
func (r *Registry) MarkRunning(id string) error {
	return r.transition(id, func(job *types.Job) error {
		if job.Status != types.JobPending {
			return types.ErrJobInvalidTransition
		}
		job.Status = types.JobRunning
		return nil
	})
}

// MarkCompleted transitions RUNNING -> COMPLETED, attaching the result.
// Called again on an already-terminal job, it is a no-op with a warning
// rather than an error — terminal states are never re-entered.
func (r *Registry) MarkCompleted(id string, result any) error {
	return r.transition(id, func(job *types.Job) error {
		if isTerminal(job.Status) {
			log.Warn().Str("job_id", id).Str("status", string(job.Status)).Msg("jobs: ignoring duplicate completion of a terminal job")
			return errAlreadyTerminal
		}
		if job.Status != types.JobRunning {
			return types.ErrJobInvalidTransition
		}
		now := time.Now()
		job.Status = types.JobCompleted
		job.Result = result
		job.FinishedAt = &now
		return nil
	})
}

// MarkFailed transitions RUNNING (or PENDING, on sweep timeout) ->
// FAILED, attaching the error message.
func (r *Registry) MarkFailed(id, errMsg string) error {
	return r.transition(id, func(job *types.Job) error {
		if isTerminal(job.Status) {
			log.Warn().Str("job_id", id).Str("status", string(job.Status)).Msg("jobs: ignoring duplicate failure of a terminal job")
			return errAlreadyTerminal
		}
		now := time.Now()
		job.Status = types.JobFailed
		job.Error = errMsg
		job.FinishedAt = &now
		return nil
	})
}

// errAlreadyTerminal signals transition() to skip persistence on a
// no-op double-completion without surfacing an error to the caller.
var errAlreadyTerminal = types.ErrJobAlreadyTerminal

func (r *Registry) transition(id string, mutate func(*types.Job) error) error {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return types.ErrJobNotFound
	}
	err := mutate(job)
	var snapshot types.Job
	if err == nil {
		snapshot = *job
	}
	r.mu.Unlock()

	if err == errAlreadyTerminal {
		return nil
	}
	if err != nil {
		return err
	}
	r.persist(&snapshot)
	return nil
}

func isTerminal(s types.JobStatus) bool {
	return s == types.JobCompleted || s == types.JobFailed
}

func (r *Registry) persist(job *types.Job) {
	data, err := json.Marshal(job)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("jobs: failed to marshal job for persistence")
		return
	}
	if err := r.store.Set(context.Background(), "job:"+job.ID, data, r.cfg.JobTTL); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("jobs: failed to persist job, continuing with in-memory state only")
	}
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.JobSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepStale()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweepStale() {
	now := time.Now()
	r.mu.RLock()
	stale := make([]string, 0)
	for id, job := range r.jobs {
		if isTerminal(job.Status) {
			continue
		}
		if now.Sub(job.CreatedAt) > r.cfg.JobStaleDeadline {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		if err := r.MarkFailed(id, "timeout"); err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("jobs: failed to mark stale job as failed")
		} else {
			log.Info().Str("job_id", id).Msg("jobs: swept stale job as failed")
		}
	}
}

// Close stops the sweeper.
func (r *Registry) Close() {
	close(r.stopCh)
	r.wg.Wait()
}
