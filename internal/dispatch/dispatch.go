// Package dispatch schedules pending validation tasks onto eligible workers.
//
// The dispatcher owns no durable state. Job and task rows live in the
// tracker, worker rows in the registry, quota in the limiter; this package
// holds only the run queue and the per-worker leases that serialize use of a
// session. Losing the process loses nothing: admitted jobs are rebuilt from
// the database on the next boot.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dgurram/decoy/internal/config"
	"github.com/dgurram/decoy/internal/job_tracer"
	"github.com/dgurram/decoy/internal/ratelimit"
	"github.com/dgurram/decoy/internal/service/logger"
	"github.com/dgurram/decoy/model"
)

// Invoker runs one validation against a worker's runtime.
type Invoker interface {
	Invoke(ctx context.Context, workerID uuid.UUID, req model.ProbeRequest, timeout time.Duration) (*model.ProbeResult, error)
}

// Roster is the worker-facing slice of the registry the dispatcher needs.
type Roster interface {
	Snapshot(platform model.Platform) []*model.Worker
	RecordUsage(ctx context.Context, id string) (*model.Worker, error)
	MarkFailure(ctx context.Context, id string) (*model.Worker, error)
	ClearFailures(ctx context.Context, id string) (*model.Worker, error)
	UpdateStatus(ctx context.Context, id string, status model.WorkerStatus) error
}

// Ledger is the job-tracker slice the dispatcher needs.
type Ledger interface {
	BeginProcessing(ctx context.Context, id string) (*model.Job, []*model.Task, error)
	ClaimTask(ctx context.Context, jobID string, idx int, workerID uuid.UUID) (bool, error)
	ReleaseTask(ctx context.Context, jobID string, idx int) error
	OnTaskSettled(ctx context.Context, jobID string, idx int, outcome model.Outcome) (*model.Job, error)
}

// sweepInterval is the fallback cadence. Scheduling is event-driven through
// nudge; the ticker only retries tasks parked by burst pacing.
var sweepInterval = 2 * time.Second

type Dispatcher struct {
	roster  Roster
	runtime Invoker
	ledger  Ledger
	limiter *ratelimit.Limiter

	maxAttempts   int
	invokeTimeout time.Duration

	global   chan struct{}
	platform map[model.Platform]chan struct{}

	mu     sync.Mutex
	runs   map[uuid.UUID]*jobRun
	leases map[uuid.UUID]struct{}

	wake chan struct{}
	wg   sync.WaitGroup

	invokeSeconds metric.Float64Histogram
}

// jobRun is one admitted job's scheduling state. pending holds tasks waiting
// for a worker; inflight counts launched invocations not yet settled.
type jobRun struct {
	job       *model.Job
	pending   []*model.Task
	inflight  int
	cancelled bool
}

// launch is one scheduling decision: a task paired with a leased worker and
// a claimed quota unit.
type launch struct {
	run  *jobRun
	task *model.Task
	w    *model.Worker
	res  *ratelimit.Reservation
}

var (
	disp      *Dispatcher
	once      sync.Once
	initError error
)

func NewDispatcher(roster Roster, rt Invoker, ledger Ledger, limiter *ratelimit.Limiter) (*Dispatcher, error) {
	once.Do(func() {
		cfg, err := config.GetDispatchConfig()
		if err != nil {
			initError = err
			return
		}
		disp = NewDispatcherWithDeps(roster, rt, ledger, limiter, cfg)
	})
	if initError != nil {
		return nil, initError
	}
	return disp, nil
}

// NewDispatcherWithDeps wires explicit collaborators, bypassing the
// singleton. Unit tests use it with fakes.
func NewDispatcherWithDeps(roster Roster, rt Invoker, ledger Ledger, limiter *ratelimit.Limiter, cfg *config.DispatchConfig) *Dispatcher {
	meter := otel.Meter("dispatch")
	invokeSeconds, _ := meter.Float64Histogram("task_invoke_duration_seconds")

	platform := make(map[model.Platform]chan struct{})
	for _, p := range []model.Platform{model.PlatformWhatsApp, model.PlatformTelegram} {
		platform[p] = make(chan struct{}, cfg.PLATFORM_CONCURRENCY)
	}

	return &Dispatcher{
		roster:        roster,
		runtime:       rt,
		ledger:        ledger,
		limiter:       limiter,
		maxAttempts:   cfg.MAX_ATTEMPTS,
		invokeTimeout: time.Duration(cfg.INVOKE_TIMEOUT_SEC) * time.Second,
		global:        make(chan struct{}, cfg.MAX_CONCURRENCY),
		platform:      platform,
		runs:          make(map[uuid.UUID]*jobRun),
		leases:        make(map[uuid.UUID]struct{}),
		wake:          make(chan struct{}, 1),
		invokeSeconds: invokeSeconds,
	}
}

// Admit moves a job into processing and queues its claimable tasks. Safe to
// call again for an already admitted job, so event redelivery is harmless.
func (d *Dispatcher) Admit(ctx context.Context, jobID string) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return fmt.Errorf("%w: malformed job id %q", model.ErrInvalidInput, jobID)
	}

	d.mu.Lock()
	_, admitted := d.runs[id]
	d.mu.Unlock()
	if admitted {
		return nil
	}

	job, tasks, err := d.ledger.BeginProcessing(ctx, jobID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if _, ok := d.runs[id]; !ok {
		d.runs[id] = &jobRun{job: job, pending: tasks}
	}
	d.mu.Unlock()

	logger.Log.Info().Str("jobID", jobID).Int("tasks", len(tasks)).Msg("job admitted for dispatch")
	d.nudge()
	return nil
}

// Nudge wakes the scheduling loop out of turn. Worker lifecycle events call
// it so tasks parked on a starved platform retry as soon as capacity appears.
func (d *Dispatcher) Nudge() {
	d.nudge()
}

// CancelJob stops dispatching the job's remaining tasks. In-flight
// invocations run to completion or timeout and settle normally.
func (d *Dispatcher) CancelJob(jobID string) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return
	}

	d.mu.Lock()
	if run, ok := d.runs[id]; ok {
		run.cancelled = true
		run.pending = nil
		d.retireLocked(run)
	}
	d.mu.Unlock()
}

// Run drives scheduling until the context ends. Admissions, settlements and
// worker events nudge the loop; the ticker retries tasks parked by pacing.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-d.wake:
		case <-ticker.C:
		}
		d.pass(ctx)
	}
}

// pass makes one scheduling sweep: for every pending task, in admission
// order, pick a worker and launch the invocation. Tasks with no structurally
// eligible worker settle as errors; tasks blocked only on busy workers or
// full concurrency slots stay pending.
func (d *Dispatcher) pass(ctx context.Context) {
	var launches []launch
	var starved []launch

	d.mu.Lock()
	for _, id := range d.runIDs() {
		run := d.runs[id]
		if run.cancelled {
			d.retireLocked(run)
			continue
		}

		var still []*model.Task
		for i, task := range run.pending {
			acquired, globalFull := d.tryAcquireSlots(task.Platform)
			if globalFull {
				still = append(still, run.pending[i:]...)
				break
			}
			if !acquired {
				// This platform's ceiling is full; others may still have room.
				still = append(still, task)
				continue
			}

			w, res, structural := d.pickWorkerLocked(task)
			if w == nil {
				d.releaseSlots(task.Platform)
				if structural {
					starved = append(starved, launch{run: run, task: task})
					run.inflight++
				} else {
					still = append(still, task)
				}
				continue
			}

			d.leases[w.ID] = struct{}{}
			run.inflight++
			launches = append(launches, launch{run: run, task: task, w: w, res: res})
		}
		run.pending = still
	}
	d.mu.Unlock()

	for _, s := range starved {
		d.settle(ctx, s.task, model.Outcome{
			Status: model.OutcomeError,
			Detail: "no eligible worker",
		})
		d.finishTask(s.run)
	}
	for _, l := range launches {
		d.wg.Add(1)
		go d.runTask(ctx, l)
	}
}

// pickWorkerLocked walks the platform snapshot in least-recently-used order
// (id tie-break) and claims quota on the first eligible worker. The third
// return reports structural starvation: true when every candidate is out of
// rotation for the day rather than merely busy right now.
func (d *Dispatcher) pickWorkerLocked(task *model.Task) (*model.Worker, *ratelimit.Reservation, bool) {
	sawBusy := false
	for _, w := range d.roster.Snapshot(task.Platform) {
		if w.Status != model.WorkerActive {
			continue
		}
		if task.LastWorkerID != nil && w.ID == *task.LastWorkerID {
			// Failover never retries the worker that just failed this task.
			continue
		}
		if _, leased := d.leases[w.ID]; leased {
			sawBusy = true
			continue
		}
		res, err := d.limiter.Reserve(w.ID)
		if err != nil {
			if errors.Is(err, model.ErrWorkerBusy) {
				sawBusy = true
			}
			continue
		}
		return w, res, false
	}
	return nil, nil, !sawBusy
}

func (d *Dispatcher) runTask(ctx context.Context, l launch) {
	defer d.wg.Done()
	defer d.releaseSlots(l.task.Platform)
	defer d.nudge()

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Dispatch/InvokeTask")
	defer span.End()
	span.AddEvent("task.context",
		trace.WithAttributes(
			attribute.String("job_id", l.task.JobID.String()),
			attribute.Int("idx", l.task.Index),
			attribute.String("worker_id", l.w.ID.String()),
		),
	)

	jobID := l.task.JobID.String()

	claimed, err := d.ledger.ClaimTask(ctx, jobID, l.task.Index, l.w.ID)
	if err != nil {
		logger.Log.Error().Err(err).Str("jobID", jobID).Int("idx", l.task.Index).Msg("unable to claim task")
		l.res.Release()
		d.unlease(l.w.ID)
		d.requeue(l.run, l.task)
		return
	}
	if !claimed {
		// Another pass already owns or settled the row; drop our copy.
		l.res.Release()
		d.unlease(l.w.ID)
		d.finishTask(l.run)
		return
	}
	l.task.AttemptCount++

	started := time.Now()
	result, err := d.runtime.Invoke(ctx, l.w.ID, model.ProbeRequest{
		Number: l.task.Number,
		Method: l.run.job.Method,
	}, d.invokeTimeout)
	d.invokeSeconds.Record(ctx, time.Since(started).Seconds())

	switch {
	case err == nil:
		l.res.Commit()
		d.unlease(l.w.ID)
		if _, uerr := d.roster.RecordUsage(ctx, l.w.ID.String()); uerr != nil {
			logger.Log.Error().Err(uerr).Str("workerID", l.w.ID.String()).Msg("unable to record usage")
		}
		if l.w.ConsecutiveFailures > 0 {
			if _, cerr := d.roster.ClearFailures(ctx, l.w.ID.String()); cerr != nil {
				logger.Log.Error().Err(cerr).Str("workerID", l.w.ID.String()).Msg("unable to clear failures")
			}
		}
		d.settle(ctx, l.task, model.Outcome{
			Status:    result.Status,
			Detail:    result.Detail,
			CheckedBy: l.w.ID,
		})
		d.finishTask(l.run)

	case model.IsTerminal(err):
		// The platform rejected the session outright. Pull the worker from
		// rotation now, independent of the failure-count threshold.
		l.res.Release()
		d.unlease(l.w.ID)
		if uerr := d.roster.UpdateStatus(ctx, l.w.ID.String(), model.WorkerBanned); uerr != nil {
			logger.Log.Error().Err(uerr).Str("workerID", l.w.ID.String()).Msg("unable to ban worker")
		}
		logger.Log.Warn().Str("workerID", l.w.ID.String()).Str("jobID", jobID).Int("idx", l.task.Index).
			Err(err).Msg("worker banned after terminal invoke error")
		d.failover(ctx, l, err)

	default:
		l.res.Release()
		d.unlease(l.w.ID)
		if _, merr := d.roster.MarkFailure(ctx, l.w.ID.String()); merr != nil {
			logger.Log.Error().Err(merr).Str("workerID", l.w.ID.String()).Msg("unable to mark failure")
		}
		d.failover(ctx, l, err)
	}
}

// failover returns the task to the queue for a different worker, or settles
// it as an error once the attempt budget is spent.
func (d *Dispatcher) failover(ctx context.Context, l launch, cause error) {
	jobID := l.task.JobID.String()

	if l.task.AttemptCount >= d.maxAttempts {
		d.settle(ctx, l.task, model.Outcome{
			Status: model.OutcomeError,
			Detail: cause.Error(),
		})
		d.finishTask(l.run)
		return
	}

	if err := d.ledger.ReleaseTask(ctx, jobID, l.task.Index); err != nil {
		logger.Log.Error().Err(err).Str("jobID", jobID).Int("idx", l.task.Index).Msg("unable to requeue task")
		d.settle(ctx, l.task, model.Outcome{
			Status: model.OutcomeError,
			Detail: cause.Error(),
		})
		d.finishTask(l.run)
		return
	}

	last := l.w.ID
	l.task.LastWorkerID = &last
	d.requeue(l.run, l.task)
}

func (d *Dispatcher) settle(ctx context.Context, task *model.Task, outcome model.Outcome) {
	if _, err := d.ledger.OnTaskSettled(ctx, task.JobID.String(), task.Index, outcome); err != nil {
		// The task row stays unsettled; boot-time recovery re-admits it.
		logger.Log.Error().Err(err).Str("jobID", task.JobID.String()).Int("idx", task.Index).
			Msg("unable to settle task")
	}
}

func (d *Dispatcher) requeue(run *jobRun, task *model.Task) {
	d.mu.Lock()
	run.inflight--
	if run.cancelled {
		d.retireLocked(run)
		d.mu.Unlock()
		return
	}
	run.pending = append(run.pending, task)
	d.mu.Unlock()
}

func (d *Dispatcher) finishTask(run *jobRun) {
	d.mu.Lock()
	run.inflight--
	d.retireLocked(run)
	d.mu.Unlock()
}

func (d *Dispatcher) retireLocked(run *jobRun) {
	if run.inflight == 0 && (run.cancelled || len(run.pending) == 0) {
		delete(d.runs, run.job.ID)
	}
}

func (d *Dispatcher) unlease(id uuid.UUID) {
	d.mu.Lock()
	delete(d.leases, id)
	d.mu.Unlock()
}

// tryAcquireSlots takes one global and one per-platform concurrency slot
// without blocking. Both or neither. The second return reports that the
// global ceiling specifically is full, so the caller can stop scanning.
func (d *Dispatcher) tryAcquireSlots(p model.Platform) (bool, bool) {
	select {
	case d.global <- struct{}{}:
	default:
		return false, true
	}

	sem, ok := d.platform[p]
	if !ok {
		<-d.global
		return false, false
	}
	select {
	case sem <- struct{}{}:
		return true, false
	default:
		<-d.global
		return false, false
	}
}

func (d *Dispatcher) releaseSlots(p model.Platform) {
	if sem, ok := d.platform[p]; ok {
		<-sem
	}
	<-d.global
}

func (d *Dispatcher) runIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(d.runs))
	for id := range d.runs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

func (d *Dispatcher) nudge() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}
