package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
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
	"github.com/dgurram/decoy/internal/util"
	"github.com/dgurram/decoy/model"
)

// Registry owns worker lifecycle state. The server binary uses it for admin
// operations (persist, then publish the lifecycle event); the orchestrator
// additionally hydrates an in-process view of live workers that dispatch
// selection snapshots come from. Provision and teardown are never performed
// here: Create and Destroy record intent and publish, the supervisor acts on
// the events and reports back through UpdateStatus.
type Registry struct {
	repo  *repository.WorkerRepository
	queue queue.Queue
	cache cache.Cache

	threshold int

	mu      sync.Mutex
	workers map[uuid.UUID]*model.Worker
}

var (
	reg       *Registry
	once      sync.Once
	initError error
)

func NewRegistry(d *db.DB, q queue.Queue, c cache.Cache) (*Registry, error) {
	once.Do(func() {
		cfg, err := config.GetRegistryConfig()
		if err != nil {
			initError = err
			return
		}

		reg = &Registry{
			repo:      repository.NewWorkerRepository(d),
			queue:     q,
			cache:     c,
			threshold: cfg.FAILURE_THRESHOLD,
			workers:   make(map[uuid.UUID]*model.Worker),
		}
	})
	return reg, initError
}

// NewRegistryWithDeps wires explicit dependencies (primarily for testing).
func NewRegistryWithDeps(repo *repository.WorkerRepository, q queue.Queue, c cache.Cache, failureThreshold int) *Registry {
	return &Registry{
		repo:      repo,
		queue:     q,
		cache:     c,
		threshold: failureThreshold,
		workers:   make(map[uuid.UUID]*model.Worker),
	}
}

// Create registers a new worker account. Duplicate identity and duplicate
// fingerprint are enforced by the insert itself, so two concurrent creates for
// the same phone can never both succeed. The worker starts in provisioning;
// the supervisor picks it up from the published event.
func (r *Registry) Create(ctx context.Context, req model.WorkerRequest) (*model.Worker, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	w := &model.Worker{
		ID:          uuid.New(),
		Platform:    req.Platform,
		Phone:       req.Phone,
		Status:      model.WorkerProvisioning,
		Proxy:       req.Proxy,
		Fingerprint: req.Fingerprint,
		SessionRef:  req.SessionRef,
		DailyLimit:  req.DailyLimit,
		CreatedAt:   &now,
		UpdatedAt:   &now,
	}
	if req.ProxyPassword != "" {
		w.Proxy.Password = req.ProxyPassword
	}

	if err := r.repo.CreateWorker(ctx, w); err != nil {
		return nil, err
	}

	r.remember(w)
	r.cachePut(ctx, w)

	if err := r.queue.PublishEvent(ctx, queue.WorkerCreated, w.ID.String()); err != nil {
		return nil, fmt.Errorf("worker %s stored but provisioning event failed: %w", w.ID, err)
	}
	return w, nil
}

// Get reads one worker, cache first.
func (r *Registry) Get(ctx context.Context, id string) (*model.Worker, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id cannot be empty", model.ErrInvalidInput)
	}

	// 1. Retrieve from cache
	w := &model.Worker{}
	if err := r.cache.Get(ctx, util.GetWorkerKey(id), w); err == nil {
		return w, nil
	}

	// 2. Retrieve from DB
	w, err := r.repo.GetWorkerByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("unable to retrieve worker %s from db: %w", id, err)
	}

	// 3. Add worker to cache, ignore error
	r.cachePut(ctx, w)
	return w, nil
}

// List returns live workers, optionally narrowed to one platform.
func (r *Registry) List(ctx context.Context, platform model.Platform) ([]*model.Worker, error) {
	ws, err := r.repo.ListWorkers(ctx, platform)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve workers from db: %w", err)
	}
	return ws, nil
}

// Update applies an admin edit (status, proxy, session ref, daily limit).
func (r *Registry) Update(ctx context.Context, w *model.Worker) error {
	now := time.Now().UTC()
	w.UpdatedAt = &now
	if err := r.repo.UpdateWorker(ctx, w); err != nil {
		return fmt.Errorf("db update failed: %w", err)
	}

	r.remember(w)
	r.cachePut(ctx, w)
	return nil
}

// Patch applies a partial admin edit and announces it so the orchestrator can
// refresh its roster and quota ledger. The read skips the cache: an edit built
// on a stale entry would silently undo a concurrent change.
func (r *Registry) Patch(ctx context.Context, id string, p model.WorkerPatch) (*model.Worker, error) {
	w, err := r.repo.GetWorkerByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("unable to retrieve worker %s from db: %w", id, err)
	}
	if w.Status == model.WorkerDestroyed {
		return nil, fmt.Errorf("%w: worker %s is destroyed", model.ErrInvalidInput, id)
	}

	if p.DailyLimit != nil {
		if *p.DailyLimit < 1 {
			return nil, fmt.Errorf("%w: daily limit must be positive", model.ErrInvalidInput)
		}
		w.DailyLimit = *p.DailyLimit
	}
	if p.Proxy != nil {
		np := *p.Proxy
		if np.Scheme == "" || np.Host == "" || np.Port == 0 {
			return nil, fmt.Errorf("%w: a proxy route is required", model.ErrInvalidInput)
		}
		if p.ProxyPassword != nil {
			np.Password = *p.ProxyPassword
		}
		w.Proxy = np
	} else if p.ProxyPassword != nil {
		w.Proxy.Password = *p.ProxyPassword
	}
	if p.SessionRef != nil {
		w.SessionRef = *p.SessionRef
	}
	if p.Status != nil {
		switch *p.Status {
		case model.WorkerActive, model.WorkerLoggedOut, model.WorkerRateLimited, model.WorkerError, model.WorkerBanned:
			w.Status = *p.Status
		default:
			return nil, fmt.Errorf("%w: status %q cannot be set directly", model.ErrInvalidInput, *p.Status)
		}
	}

	if err := r.Update(ctx, w); err != nil {
		return nil, err
	}
	if err := r.queue.PublishEvent(ctx, queue.WorkerUpdated, id); err != nil {
		return nil, fmt.Errorf("worker %s updated but refresh event failed: %w", id, err)
	}
	return w, nil
}

// UpdateStatus records a lifecycle transition reported by the supervisor or
// an operator.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status model.WorkerStatus) error {
	if err := r.repo.UpdateStatus(ctx, id, status); err != nil {
		return fmt.Errorf("db update failed: %w", err)
	}

	wid, err := uuid.Parse(id)
	if err != nil {
		return nil
	}

	r.mu.Lock()
	w, ok := r.workers[wid]
	if ok {
		now := time.Now().UTC()
		w.Status = status
		w.UpdatedAt = &now
		cp := *w
		r.mu.Unlock()
		r.cachePut(ctx, &cp)
		return nil
	}
	r.mu.Unlock()
	return nil
}

// RecordUsage charges one successful validation against the worker's quota.
func (r *Registry) RecordUsage(ctx context.Context, id string) (*model.Worker, error) {
	w, err := r.repo.RecordUsage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("db update failed: %w", err)
	}

	r.remember(w)
	r.cachePut(ctx, w)
	return w, nil
}

// MarkFailure bumps the worker's failure streak; crossing the configured
// threshold flips an active worker to error and out of rotation.
func (r *Registry) MarkFailure(ctx context.Context, id string) (*model.Worker, error) {
	w, err := r.repo.MarkFailure(ctx, id, r.threshold)
	if err != nil {
		return nil, fmt.Errorf("db update failed: %w", err)
	}

	r.remember(w)
	r.cachePut(ctx, w)
	return w, nil
}

// ClearFailures zeroes the failure streak without charging usage.
func (r *Registry) ClearFailures(ctx context.Context, id string) (*model.Worker, error) {
	w, err := r.repo.ClearFailures(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("db update failed: %w", err)
	}

	r.remember(w)
	r.cachePut(ctx, w)
	return w, nil
}

// ResetDaily zeroes used_today for every live worker at the rollover boundary
// and returns rate-limited workers to rotation.
func (r *Registry) ResetDaily(ctx context.Context) (int64, error) {
	n, err := r.repo.ResetDailyUsage(ctx)
	if err != nil {
		return 0, fmt.Errorf("db update failed: %w", err)
	}

	r.mu.Lock()
	for _, w := range r.workers {
		w.UsedToday = 0
		if w.Status == model.WorkerRateLimited {
			w.Status = model.WorkerActive
		}
	}
	r.mu.Unlock()
	return n, nil
}

// Destroy retires a worker. The row is kept (status destroyed) so its history
// survives, the in-process view drops it, and the supervisor tears the
// runtime down off the published event.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	w, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Status == model.WorkerDestroyed {
		return nil
	}

	if err := r.repo.UpdateStatus(ctx, id, model.WorkerDestroyed); err != nil {
		return fmt.Errorf("db update failed: %w", err)
	}

	now := time.Now().UTC()
	w.Status = model.WorkerDestroyed
	w.UpdatedAt = &now
	r.forget(w.ID)
	r.cachePut(ctx, w)

	if err := r.queue.PublishEvent(ctx, queue.WorkerRemoved, id); err != nil {
		return fmt.Errorf("worker %s destroyed but teardown event failed: %w", id, err)
	}
	return nil
}

// Relogin asks the supervisor to re-provision the worker's runtime and rerun
// session login. Used by operators after fixing a logged-out account.
func (r *Registry) Relogin(ctx context.Context, id string) error {
	w, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Status == model.WorkerDestroyed {
		return fmt.Errorf("%w: worker %s is destroyed", model.ErrInvalidInput, id)
	}

	if err := r.queue.PublishEvent(ctx, queue.WorkerRelogin, id); err != nil {
		return fmt.Errorf("relogin event failed: %w", err)
	}
	return nil
}

// Hydrate fills the in-process view from the database. The orchestrator calls
// this once at boot before consuming events.
func (r *Registry) Hydrate(ctx context.Context) (int, error) {
	ws, err := r.repo.ListWorkers(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("unable to retrieve workers from db: %w", err)
	}

	r.mu.Lock()
	for _, w := range ws {
		r.workers[w.ID] = w
	}
	n := len(r.workers)
	r.mu.Unlock()
	return n, nil
}

// Load refreshes one worker from the database into the in-process view.
// The orchestrator calls it when a worker lifecycle event arrives.
func (r *Registry) Load(ctx context.Context, id string) (*model.Worker, error) {
	w, err := r.repo.GetWorkerByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("unable to retrieve worker %s from db: %w", id, err)
	}

	if w.Status == model.WorkerDestroyed {
		r.forget(w.ID)
	} else {
		r.remember(w)
	}
	return w, nil
}

// Snapshot returns copies of the platform's dispatchable workers ordered
// least-recently-used, never-used first, ties broken by id so selection is
// reproducible.
func (r *Registry) Snapshot(platform model.Platform) []*model.Worker {
	r.mu.Lock()
	out := make([]*model.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if w.Platform != platform || !w.Dispatchable() {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.LastUsedAt == nil && b.LastUsedAt != nil:
			return true
		case a.LastUsedAt != nil && b.LastUsedAt == nil:
			return false
		case a.LastUsedAt != nil && b.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
			return a.LastUsedAt.Before(*b.LastUsedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return out
}

func (r *Registry) remember(w *model.Worker) {
	cp := *w
	r.mu.Lock()
	r.workers[w.ID] = &cp
	r.mu.Unlock()
}

func (r *Registry) forget(id uuid.UUID) {
	r.mu.Lock()
	delete(r.workers, id)
	r.mu.Unlock()
}

func (r *Registry) cachePut(ctx context.Context, w *model.Worker) {
	err := r.cache.Put(ctx, util.GetWorkerKey(w.ID.String()), w, r.cache.GetDefaultTTL())
	if err != nil {
		logger.Log.Error().Err(err).Msg("Unable to add worker to cache")
	}
}

func validateRequest(req model.WorkerRequest) error {
	if !req.Platform.Valid() {
		return fmt.Errorf("%w: unknown platform %q", model.ErrInvalidInput, req.Platform)
	}
	if req.Phone == "" {
		return fmt.Errorf("%w: phone is required", model.ErrInvalidInput)
	}
	if req.DailyLimit < 1 {
		return fmt.Errorf("%w: daily limit must be positive", model.ErrInvalidInput)
	}
	if req.Proxy.Scheme == "" || req.Proxy.Host == "" || req.Proxy.Port == 0 {
		return fmt.Errorf("%w: a proxy route is required", model.ErrInvalidInput)
	}
	if req.Fingerprint.Device == "" || req.Fingerprint.Locale == "" || req.Fingerprint.Timezone == "" {
		return fmt.Errorf("%w: a full fingerprint is required", model.ErrInvalidInput)
	}
	return nil
}
