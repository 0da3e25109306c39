// Package orchestrator runs the validation control plane: it hydrates the
// worker roster, restores runtimes, consumes lifecycle events from the queue
// and drives the dispatcher. One orchestrator process owns all workers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/dgurram/decoy/internal/cache"
	"github.com/dgurram/decoy/internal/config"
	"github.com/dgurram/decoy/internal/db"
	"github.com/dgurram/decoy/internal/db/repository"
	"github.com/dgurram/decoy/internal/dispatch"
	"github.com/dgurram/decoy/internal/job_tracer"
	"github.com/dgurram/decoy/internal/jobs"
	"github.com/dgurram/decoy/internal/queue"
	"github.com/dgurram/decoy/internal/ratelimit"
	"github.com/dgurram/decoy/internal/registry"
	"github.com/dgurram/decoy/internal/runtime"
	"github.com/dgurram/decoy/internal/service/logger"
	"github.com/dgurram/decoy/internal/storage"
	"github.com/dgurram/decoy/model"
)

type Orchestrator struct {
	ctx        context.Context
	registry   *registry.Registry
	supervisor *runtime.Supervisor
	tracker    *jobs.Tracker
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.Limiter
	jobRepo    *repository.JobRepository
	qClient    queue.Queue
	wg         *sync.WaitGroup
}

func NewOrchestrator(ctx context.Context, cache cache.Cache, queue queue.Queue, storage storage.Storage, d *db.DB) (*Orchestrator, error) {

	cfg, err := config.GetDispatchConfig()
	if err != nil {
		return nil, err
	}

	reg, err := registry.NewRegistry(d, queue, cache)
	if err != nil {
		return nil, err
	}

	sup, err := runtime.NewSupervisor(reg)
	if err != nil {
		return nil, err
	}

	tracker, err := jobs.NewTracker(d, cache, storage, queue)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(cfg.BURST_LIMIT, time.Duration(cfg.BURST_WINDOW_SEC)*time.Second)

	disp, err := dispatch.NewDispatcher(reg, sup, tracker, limiter)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		ctx:        ctx,
		registry:   reg,
		supervisor: sup,
		tracker:    tracker,
		dispatcher: disp,
		limiter:    limiter,
		jobRepo:    repository.NewJobRepository(d),
		qClient:    queue,
		wg:         &sync.WaitGroup{},
	}

	if err := o.bootstrap(ctx); err != nil {
		return nil, err
	}

	go o.dispatcher.Run(ctx)
	go o.supervisor.Monitor(ctx)
	go o.consumeJobEvents()
	go o.consumeWorkerEvents()
	go o.rolloverDaily()
	return o, nil
}

// bootstrap restores state after a restart: the roster refills from
// Postgres, quota counters reseed, live workers get their runtimes back and
// unfinished jobs re-enter the run queue. Without the re-admit pass a crash
// between event ack and settlement would strand a job forever.
func (o *Orchestrator) bootstrap(ctx context.Context) error {
	// ---------- Step 1: Hydrate the worker roster ----------
	n, err := o.registry.Hydrate(ctx)
	if err != nil {
		return err
	}
	logger.Log.Info().Int("workers", n).Msg("worker roster hydrated")

	// ---------- Step 2: Seed quota counters and restore runtimes ----------
	ws, err := o.registry.List(ctx, "")
	if err != nil {
		return err
	}
	for _, w := range ws {
		o.limiter.Track(w.ID, w.DailyLimit, w.UsedToday)
		switch w.Status {
		case model.WorkerProvisioning, model.WorkerActive, model.WorkerRateLimited:
			if err := o.provisionWorker(ctx, w); err != nil {
				logger.Log.Error().Err(err).Str("workerID", w.ID.String()).Msg("unable to restore worker runtime")
			}
		}
	}

	// ---------- Step 3: Re-admit unfinished jobs ----------
	unfinished, err := o.jobRepo.ListUnfinishedJobs(ctx)
	if err != nil {
		return err
	}
	for _, j := range unfinished {
		if err := o.dispatcher.Admit(ctx, j.ID.String()); err != nil {
			if errors.Is(err, model.ErrJobFinished) {
				continue
			}
			logger.Log.Error().Err(err).Str("jobID", j.ID.String()).Msg("unable to re-admit job")
		}
	}
	if len(unfinished) > 0 {
		logger.Log.Info().Int("jobs", len(unfinished)).Msg("unfinished jobs re-admitted")
	}
	return nil
}

// provisionWorker launches the runtime and flips a provisioning worker to
// active. Provision retries internally; a worker it still cannot launch is
// parked in error until an operator re-login.
func (o *Orchestrator) provisionWorker(ctx context.Context, w *model.Worker) error {
	if _, err := o.supervisor.Provision(ctx, w); err != nil {
		if uerr := o.registry.UpdateStatus(ctx, w.ID.String(), model.WorkerError); uerr != nil {
			logger.Log.Error().Err(uerr).Str("workerID", w.ID.String()).Msg("unable to park worker in error")
		}
		return err
	}

	// Only a provisioning worker graduates to active here. Rate-limited
	// workers get their runtime back but stay out of rotation until the
	// daily reset.
	if w.Status == model.WorkerProvisioning {
		return o.registry.UpdateStatus(ctx, w.ID.String(), model.WorkerActive)
	}
	return nil
}

// consumeJobEvents pulls the dispatch consumer. Both durable consumers see
// every subject on the stream, so anything that is not a job event is acked
// straight back.
func (o *Orchestrator) consumeJobEvents() {
	meter := otel.Meter("orchestrator")
	latency, _ := meter.Float64Histogram("job_queue_duration_seconds")
	sub, err := o.qClient.SubscribeEvent(queue.JobCreated, queue.DISPATCH_CONSUMER)
	if err != nil {
		log.Fatalf("unable to subscribe to Nats events: %v", err)
	}
	for {
		select {
		case <-o.ctx.Done():
			return
		default:
			msgs, err := sub.Fetch(1, 30*time.Second)
			if err != nil {
				if errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrSubscriptionClosed) {
					continue
				}
				time.Sleep(time.Second)
				continue
			}
			msg := msgs[0]

			switch msg.Subject() {
			case queue.JobCreated, queue.JobCancelled:
			default:
				// Worker subjects belong to the supervisor consumer's loop.
				msg.Ack()
				continue
			}

			tracer := job_tracer.GetTracer()
			ctx, span := tracer.Start(msg.Ctx(), "ProcessJobEvent")

			if at := msg.PublishedAt(); at != nil {
				latency.Record(context.Background(), time.Since(*at).Seconds())
			}

			id := string(msg.Data())
			if msg.Subject() == queue.JobCancelled {
				o.dispatcher.CancelJob(id)
				span.End()
				msg.Ack()
				continue
			}

			go func() {
				defer span.End()
				if err := o.dispatcher.Admit(ctx, id); err != nil {
					if errors.Is(err, model.ErrJobFinished) || errors.Is(err, model.ErrNotFound) {
						// Cancelled, finalized or gone before we got here.
						msg.Ack()
						return
					}
					logger.Log.Error().Err(err).Str("id", id).Msg("failed to admit job")
					if msg.RetryCount() == queue.MaxDeliver {
						logger.Log.Error().Err(fmt.Errorf("max delivery reached for job")).Str("id", id).Msg("sending job to DLQ")
						o.qClient.PublishEvent(ctx, queue.DeadLetterQueue, id)
						msg.Term()
					}
					return
				}
				msg.Ack()
			}()
		}
	}
}

// consumeWorkerEvents pulls the supervisor consumer and applies worker
// lifecycle changes: provision on create, quota edits on update, teardown on
// remove, runtime recreate on re-login.
func (o *Orchestrator) consumeWorkerEvents() {
	sub, err := o.qClient.SubscribeEvent(queue.WorkerCreated, queue.SUPERVISOR_CONSUMER)
	if err != nil {
		log.Fatalf("unable to subscribe to Nats events: %v", err)
	}
	for {
		select {
		case <-o.ctx.Done():
			return
		default:
			msgs, err := sub.Fetch(1, 30*time.Second)
			if err != nil {
				if errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrSubscriptionClosed) {
					continue
				}
				time.Sleep(time.Second)
				continue
			}
			msg := msgs[0]

			subject := msg.Subject()
			switch subject {
			case queue.WorkerCreated, queue.WorkerUpdated, queue.WorkerRemoved, queue.WorkerRelogin:
			default:
				// Job subjects belong to the dispatch consumer's loop.
				msg.Ack()
				continue
			}

			tracer := job_tracer.GetTracer()
			ctx, span := tracer.Start(msg.Ctx(), "ProcessWorkerEvent")

			id := string(msg.Data())
			go func() {
				defer span.End()
				if err := o.applyWorkerEvent(ctx, subject, id); err != nil {
					logger.Log.Error().Err(err).Str("id", id).Str("subject", string(subject)).Msg("failed to apply worker event")
					if msg.RetryCount() == queue.MaxDeliver {
						msg.Term()
					}
					return
				}
				o.dispatcher.Nudge()
				msg.Ack()
			}()
		}
	}
}

func (o *Orchestrator) applyWorkerEvent(ctx context.Context, subject queue.QueueEvent, id string) error {
	w, err := o.registry.Load(ctx, id)
	if err != nil {
		return err
	}
	if w.Status == model.WorkerDestroyed && subject != queue.WorkerRemoved {
		// A removal overtook this event; nothing left to do.
		return nil
	}

	switch subject {
	case queue.WorkerCreated:
		o.limiter.Track(w.ID, w.DailyLimit, w.UsedToday)
		return o.provisionWorker(ctx, w)

	case queue.WorkerUpdated:
		o.limiter.SetLimit(w.ID, w.DailyLimit)
		return nil

	case queue.WorkerRemoved:
		o.limiter.Forget(w.ID)
		return o.supervisor.Teardown(ctx, w.ID)

	case queue.WorkerRelogin:
		if _, err := o.supervisor.Recreate(ctx, w); err != nil {
			return err
		}
		// Operator re-login starts the failure streak over.
		if _, err := o.registry.ClearFailures(ctx, id); err != nil {
			logger.Log.Error().Err(err).Str("workerID", id).Msg("unable to clear failure streak")
		}
		return o.registry.UpdateStatus(ctx, id, model.WorkerActive)
	}
	return nil
}

// rolloverDaily zeroes daily usage at UTC midnight. Postgres resets first;
// the in-memory ledger only follows a successful write so counters never
// drift below the durable ones.
func (o *Orchestrator) rolloverDaily() {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)

		select {
		case <-o.ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}

		n, err := o.registry.ResetDaily(o.ctx)
		if err != nil {
			logger.Log.Error().Err(err).Msg("daily usage reset failed")
			continue
		}
		o.limiter.ResetDaily()
		o.dispatcher.Nudge()
		logger.Log.Info().Int64("workers", n).Msg("daily usage reset")
	}
}

// ShutdownRuntimes tears down every live worker runtime. Called on exit.
func (o *Orchestrator) ShutdownRuntimes(ctx context.Context) {
	o.supervisor.ShutdownAll(ctx)
}

func (o *Orchestrator) Addwg() {
	o.wg.Add(1)
}

func (o *Orchestrator) Donewg() {
	o.wg.Done()
}

func (o *Orchestrator) Waitwg() {
	o.wg.Wait()
}
