package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dgurram/decoy/internal/db"
	"github.com/dgurram/decoy/internal/job_tracer"
	"github.com/dgurram/decoy/internal/util"
	"github.com/dgurram/decoy/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const taskColumns = `
	job_id,
	idx,
	number,
	platform,
	state,
	attempt_count,
	assigned_worker_id,
	last_worker_id,
	outcome_status,
	outcome_detail,
	checked_by,
	settled_at`

type TaskRepository struct {
	pool db.Pool
}

func NewTaskRepository(d *db.DB) *TaskRepository {
	return &TaskRepository{pool: d.Pool}
}

func NewTaskRepositoryWithPool(pool db.Pool) *TaskRepository {
	return &TaskRepository{pool: pool}
}

func (r *TaskRepository) ListPendingTasks(ctx context.Context, jobID string) ([]*model.Task, error) {

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ListPendingTasks")
	defer span.End()

	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE job_id = $1 AND state = 'pending'
		ORDER BY idx
	`, jobID)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	return tasks, nil
}

// Claims a pending task for a worker. Reports false when another dispatcher
// pass already claimed or settled it.
func (r *TaskRepository) MarkTaskInflight(ctx context.Context, jobID string, idx int, workerID uuid.UUID) (bool, error) {

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/MarkTaskInflight")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET
			state              = 'inflight',
			assigned_worker_id = $3,
			attempt_count      = attempt_count + 1
		WHERE job_id = $1 AND idx = $2 AND state = 'pending'
	`, jobID, idx, workerID)
	if err != nil {
		util.RecordSpanError(span, err)
		return false, err
	}

	return tag.RowsAffected() == 1, nil
}

// Returns an in-flight task to the pending pool after a transient failure,
// remembering the worker that just failed it so the retry lands elsewhere.
func (r *TaskRepository) RequeueTask(ctx context.Context, jobID string, idx int) error {

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/RequeueTask")
	defer span.End()

	_, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET
			state              = 'pending',
			last_worker_id     = COALESCE(assigned_worker_id, last_worker_id),
			assigned_worker_id = NULL
		WHERE job_id = $1 AND idx = $2 AND state = 'inflight'
	`, jobID, idx)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	return nil
}

// Clears any assignments left behind by a crashed dispatch pass so the tasks
// become claimable again. Runs before a job is (re)dispatched.
func (r *TaskRepository) ResetInflightTasks(ctx context.Context, jobID string) (int64, error) {

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ResetInflightTasks")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET
			state              = 'pending',
			last_worker_id     = COALESCE(assigned_worker_id, last_worker_id),
			assigned_worker_id = NULL
		WHERE job_id = $1 AND state = 'inflight'
	`, jobID)
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, err
	}

	return tag.RowsAffected(), nil
}

// Records a task's terminal outcome and bumps the parent job's counters in
// the same statement. Settling an already settled task leaves the counters
// untouched, so redeliveries never double-count. Returns the job row as it
// stands after the update for completion checks.
func (r *TaskRepository) SettleTask(ctx context.Context, jobID string, idx int, outcome model.Outcome, clean bool) (*model.Job, error) {

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/SettleTask")
	defer span.End()

	span.AddEvent("task.context",
		trace.WithAttributes(
			attribute.String("job_id", jobID),
			attribute.Int("idx", idx),
			attribute.String("outcome", string(outcome.Status)),
		),
	)

	// Tasks settled without ever reaching a worker have no checker.
	var checkedBy any
	if outcome.CheckedBy != uuid.Nil {
		checkedBy = outcome.CheckedBy
	}

	row := r.pool.QueryRow(ctx, `
		WITH settled AS (
			UPDATE tasks
			SET
				state              = 'settled',
				outcome_status     = $3,
				outcome_detail     = $4,
				checked_by         = $5,
				settled_at         = $6,
				last_worker_id     = COALESCE(assigned_worker_id, last_worker_id),
				assigned_worker_id = NULL
			WHERE job_id = $1 AND idx = $2 AND state <> 'settled'
			RETURNING 1
		)
		UPDATE jobs j
		SET
			completed_count = j.completed_count + s.n,
			succeeded_count = j.succeeded_count + CASE WHEN $7 THEN s.n ELSE 0 END
		FROM (SELECT COUNT(*)::int AS n FROM settled) s
		WHERE j.id = $1
		RETURNING `+jobColumns+`
	`, jobID, idx, outcome.Status, outcome.Detail, checkedBy, time.Now().UTC(), clean)

	job, err := scanJob(row)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	return job, nil
}

// Settled outcomes in submission order. Unsettled tasks are absent, so a
// partial read during processing only sees finished entries.
func (r *TaskRepository) ListResults(ctx context.Context, jobID string) ([]model.Result, error) {

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ListResults")
	defer span.End()

	rows, err := r.pool.Query(ctx, `
		SELECT idx, number, platform, outcome_status, outcome_detail, checked_by, settled_at
		FROM tasks
		WHERE job_id = $1 AND state = 'settled'
		ORDER BY idx
	`, jobID)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	results := make([]model.Result, 0)
	for rows.Next() {
		var res model.Result
		var detail *string
		var checkedBy *uuid.UUID
		err := rows.Scan(
			&res.Index,
			&res.Number,
			&res.Platform,
			&res.Status,
			&detail,
			&checkedBy,
			&res.CheckedAt,
		)
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		if detail != nil {
			res.Detail = *detail
		}
		if checkedBy != nil {
			res.CheckedBy = checkedBy.String()
		}
		results = append(results, res)
	}

	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	return results, nil
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var outcomeStatus, outcomeDetail *string
	var checkedBy *uuid.UUID
	err := row.Scan(
		&t.JobID,
		&t.Index,
		&t.Number,
		&t.Platform,
		&t.State,
		&t.AttemptCount,
		&t.AssignedWorkerID,
		&t.LastWorkerID,
		&outcomeStatus,
		&outcomeDetail,
		&checkedBy,
		&t.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	if outcomeStatus != nil {
		t.Outcome = &model.Outcome{
			Status:    model.OutcomeStatus(*outcomeStatus),
			CheckedAt: t.SettledAt,
		}
		if outcomeDetail != nil {
			t.Outcome.Detail = *outcomeDetail
		}
		if checkedBy != nil {
			t.Outcome.CheckedBy = *checkedBy
		}
	}
	return &t, nil
}
