// Package jobs tracks validation jobs from submission through settlement to
// the final results artifact.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dgurram/decoy/internal/cache"
	"github.com/dgurram/decoy/internal/config"
	"github.com/dgurram/decoy/internal/db"
	"github.com/dgurram/decoy/internal/db/repository"
	"github.com/dgurram/decoy/internal/queue"
	"github.com/dgurram/decoy/internal/service/logger"
	"github.com/dgurram/decoy/internal/storage"
	"github.com/dgurram/decoy/internal/util"
	"github.com/dgurram/decoy/model"
)

type Tracker struct {
	repo       *repository.JobRepository
	tasks      *repository.TaskRepository
	cache      cache.Cache
	storage    storage.Storage
	queue      queue.Queue
	maxNumbers int
}

var (
	tracker   *Tracker
	once      sync.Once
	initError error
)

func NewTracker(d *db.DB, c cache.Cache, s storage.Storage, q queue.Queue) (*Tracker, error) {
	once.Do(func() {
		cfg, err := config.GetTrackerConfig()
		if err != nil {
			initError = err
			return
		}

		tracker = NewTrackerWithDeps(
			repository.NewJobRepository(d),
			repository.NewTaskRepository(d),
			c, s, q,
			cfg.MAX_NUMBERS_PER_JOB,
		)
	})
	if initError != nil {
		return nil, initError
	}
	return tracker, nil
}

// NewTrackerWithDeps wires explicit repositories, bypassing the singleton.
// Unit tests use it with a mocked pool.
func NewTrackerWithDeps(repo *repository.JobRepository, tasks *repository.TaskRepository, c cache.Cache, s storage.Storage, q queue.Queue, maxNumbers int) *Tracker {
	return &Tracker{
		repo:       repo,
		tasks:      tasks,
		cache:      c,
		storage:    s,
		queue:      q,
		maxNumbers: maxNumbers,
	}
}

// Create persists a bulk validation request as one job plus its task
// expansion and announces it to the dispatcher.
func (t *Tracker) Create(ctx context.Context, input model.JobRequest) (*model.Job, error) {
	// ---------- Step 1: Validate request ----------
	method, err := t.validateRequest(input)
	if err != nil {
		return nil, err
	}

	jobID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	// ---------- Step 2: Build job model and task expansion ----------
	now := time.Now().UTC()
	job := &model.Job{
		ID:         jobID,
		Owner:      input.Owner,
		Platforms:  input.Platforms,
		Method:     method,
		Status:     model.JobPending,
		TotalCount: len(input.Numbers) * len(input.Platforms),
		CreatedAt:  &now,
	}
	tasks := expandTasks(jobID, input)

	// ---------- Step 3: Persist job with tasks ----------
	if err := t.repo.CreateJobWithTasks(ctx, job, tasks); err != nil {
		return nil, fmt.Errorf("unable to persist job: %w", err)
	}

	// ---------- Step 4: Add job to cache ----------
	t.cacheJob(ctx, job)

	// ---------- Step 5: Publish event to Q ----------
	if err := t.queue.PublishEvent(ctx, queue.JobCreated, jobID.String()); err != nil {
		return nil, fmt.Errorf("job %s stored but dispatch event failed: %w", jobID, err)
	}

	return job, nil
}

func (t *Tracker) validateRequest(input model.JobRequest) (model.Method, error) {
	if len(input.Numbers) == 0 {
		return "", fmt.Errorf("%w: numbers cannot be empty", model.ErrInvalidInput)
	}
	if len(input.Numbers) > t.maxNumbers {
		return "", fmt.Errorf("%w: %d numbers exceeds the limit of %d", model.ErrInvalidInput, len(input.Numbers), t.maxNumbers)
	}
	for i, number := range input.Numbers {
		if strings.TrimSpace(number) == "" {
			return "", fmt.Errorf("%w: number at index %d is blank", model.ErrInvalidInput, i)
		}
	}
	if len(input.Platforms) == 0 {
		return "", fmt.Errorf("%w: at least one platform is required", model.ErrInvalidInput)
	}
	for _, p := range input.Platforms {
		if !p.Valid() {
			return "", fmt.Errorf("%w: unknown platform %q", model.ErrInvalidInput, p)
		}
	}

	method := input.Method
	if method == "" {
		method = model.MethodBasic
	}
	if method != model.MethodBasic && method != model.MethodDeep {
		return "", fmt.Errorf("%w: unknown method %q", model.ErrInvalidInput, method)
	}
	return method, nil
}

// expandTasks flattens numbers x platforms into index-ordered tasks. The
// index is the task's slot in the results array, so input order survives
// whatever order settlement happens in.
func expandTasks(jobID uuid.UUID, input model.JobRequest) []model.Task {
	tasks := make([]model.Task, 0, len(input.Numbers)*len(input.Platforms))
	idx := 0
	for _, number := range input.Numbers {
		for _, platform := range input.Platforms {
			tasks = append(tasks, model.Task{
				JobID:    jobID,
				Index:    idx,
				Number:   number,
				Platform: platform,
				State:    model.TaskPending,
			})
			idx++
		}
	}
	return tasks
}

func (t *Tracker) Get(ctx context.Context, id string) (*model.Job, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: job id cannot be empty", model.ErrInvalidInput)
	}

	// 1. Retrieve from cache
	job := &model.Job{}
	if err := t.cache.Get(ctx, util.GetJobKey(id), job); err == nil {
		return job, nil
	}

	// 2. Retrieve job from DB
	job, err := t.repo.GetJobByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("unable to retrieve job %s from db: %w", id, err)
	}

	// 3. Add job to cache, ignore error
	t.cacheJob(ctx, job)
	return job, nil
}

func (t *Tracker) List(ctx context.Context, offset string) ([]*model.Job, error) {
	if offset != "" {
		if _, err := uuid.Parse(offset); err != nil {
			return nil, fmt.Errorf("%w: malformed offset %q", model.ErrInvalidInput, offset)
		}
	}

	jobs, err := t.repo.ListJobs(ctx, offset)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve jobs from db: %w", err)
	}
	return jobs, nil
}

// Results returns settled outcomes in submission order. Partial reads during
// processing only see finished entries; only complete sets are cached.
func (t *Tracker) Results(ctx context.Context, id string) ([]model.Result, error) {
	job, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// 1. Retrieve from cache; a job still in flight is never cached
	if job.Finished() {
		var results []model.Result
		if err := t.cache.Get(ctx, util.GetResultsKey(id), &results); err == nil {
			return results, nil
		}
	}

	// 2. Retrieve settled outcomes from DB
	results, err := t.tasks.ListResults(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve results for job %s: %w", id, err)
	}

	// 3. Add results to cache, ignore error
	if job.Finished() {
		t.cacheResults(ctx, id, results)
	}
	return results, nil
}

// Cancel flips a live job to cancelled and tells the dispatcher to stop
// handing out its tasks. In-flight invocations drain on their own.
func (t *Tracker) Cancel(ctx context.Context, id string) (*model.Job, error) {
	job, err := t.repo.MarkCancelled(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// No row matched: the job is either gone or already terminal.
			if _, gerr := t.repo.GetJobByID(ctx, id); gerr != nil {
				if errors.Is(gerr, pgx.ErrNoRows) {
					return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
				}
				return nil, fmt.Errorf("unable to cancel job %s: %w", id, gerr)
			}
			return nil, fmt.Errorf("%w: job %s", model.ErrJobFinished, id)
		}
		return nil, fmt.Errorf("unable to cancel job %s: %w", id, err)
	}

	t.cacheJob(ctx, job)

	if err := t.queue.PublishEvent(ctx, queue.JobCancelled, id); err != nil {
		return nil, fmt.Errorf("job %s cancelled but event failed: %w", id, err)
	}
	return job, nil
}

// BeginProcessing readies a job for dispatch: moves it out of pending,
// clears assignments a crashed pass left behind and loads the claimable
// tasks. Reads the DB, not the cache, so a raced-in cancel is never missed.
func (t *Tracker) BeginProcessing(ctx context.Context, id string) (*model.Job, []*model.Task, error) {
	job, err := t.repo.GetJobByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
		}
		return nil, nil, fmt.Errorf("unable to retrieve job %s from db: %w", id, err)
	}
	if job.Finished() {
		return nil, nil, fmt.Errorf("%w: job %s", model.ErrJobFinished, id)
	}

	if err := t.repo.MarkProcessing(ctx, id); err != nil {
		return nil, nil, fmt.Errorf("unable to mark job %s processing: %w", id, err)
	}
	job.Status = model.JobProcessing

	reset, err := t.tasks.ResetInflightTasks(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to reset inflight tasks for job %s: %w", id, err)
	}
	if reset > 0 {
		logger.Log.Warn().Str("jobID", id).Int64("tasks", reset).Msg("recovered tasks from an interrupted dispatch pass")
	}

	pending, err := t.tasks.ListPendingTasks(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to list pending tasks for job %s: %w", id, err)
	}

	if len(pending) == 0 && job.CompletedCount >= job.TotalCount {
		// Every task settled but the process died before the verdict landed.
		if _, err := t.finalize(ctx, job); err != nil {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: job %s", model.ErrJobFinished, id)
	}

	t.cacheJob(ctx, job)
	return job, pending, nil
}

// ClaimTask assigns a pending task to a worker. False means another pass got
// there first or the task already settled.
func (t *Tracker) ClaimTask(ctx context.Context, jobID string, idx int, workerID uuid.UUID) (bool, error) {
	return t.tasks.MarkTaskInflight(ctx, jobID, idx, workerID)
}

// ReleaseTask returns an in-flight task to the pending pool after a failed
// attempt so the retry can land on a different worker.
func (t *Tracker) ReleaseTask(ctx context.Context, jobID string, idx int) error {
	return t.tasks.RequeueTask(ctx, jobID, idx)
}

// OnTaskSettled records one task's terminal outcome. Settling the last open
// task finalizes the job.
func (t *Tracker) OnTaskSettled(ctx context.Context, jobID string, idx int, outcome model.Outcome) (*model.Job, error) {
	clean := outcome.Status != model.OutcomeError
	job, err := t.tasks.SettleTask(ctx, jobID, idx, outcome, clean)
	if err != nil {
		return nil, fmt.Errorf("unable to settle task %s/%d: %w", jobID, idx, err)
	}

	t.cacheJob(ctx, job)

	if job.CompletedCount >= job.TotalCount && job.Status == model.JobProcessing {
		return t.finalize(ctx, job)
	}
	return job, nil
}

// finalize uploads the ordered results artifact and records the verdict. One
// clean outcome is enough to complete; a job fails only when every task
// errored.
func (t *Tracker) finalize(ctx context.Context, job *model.Job) (*model.Job, error) {
	results, err := t.tasks.ListResults(ctx, job.ID.String())
	if err != nil {
		return nil, fmt.Errorf("unable to load results for job %s: %w", job.ID, err)
	}

	raw, err := json.Marshal(results)
	if err != nil {
		return nil, err
	}

	artifactPath := util.GetResultsPath(job.ID.String())
	if err := t.storage.Upload(ctx, t.storage.GetJobsBucket(), artifactPath, raw); err != nil {
		return nil, fmt.Errorf("unable to upload results artifact for job %s: %w", job.ID, err)
	}

	status := model.JobFailed
	if job.SucceededCount > 0 {
		status = model.JobCompleted
	}

	final, err := t.repo.FinalizeJob(ctx, job.ID.String(), status, artifactPath)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// A cancellation raced in; its verdict stands.
			return job, nil
		}
		return nil, fmt.Errorf("unable to finalize job %s: %w", job.ID, err)
	}

	t.cacheJob(ctx, final)
	t.cacheResults(ctx, final.ID.String(), results)

	logger.Log.Info().
		Str("jobID", final.ID.String()).
		Str("status", string(final.Status)).
		Int("results", len(results)).
		Msg("job finalized")
	return final, nil
}

func (t *Tracker) cacheJob(ctx context.Context, job *model.Job) {
	if err := t.cache.Put(ctx, util.GetJobKey(job.ID.String()), job, t.cache.GetDefaultTTL()); err != nil {
		logger.Log.Error().Err(err).Msg("Unable to add job to cache")
	}
}

func (t *Tracker) cacheResults(ctx context.Context, id string, results []model.Result) {
	if err := t.cache.Put(ctx, util.GetResultsKey(id), results, t.cache.GetDefaultTTL()); err != nil {
		logger.Log.Error().Err(err).Msg("Unable to add results to cache")
	}
}
