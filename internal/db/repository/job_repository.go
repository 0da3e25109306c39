package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dgurram/decoy/internal/db"
	"github.com/dgurram/decoy/internal/job_tracer"
	"github.com/dgurram/decoy/internal/util"
	"github.com/dgurram/decoy/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const jobColumns = `
	id,
	owner,
	platforms,
	method,
	status,
	total_count,
	completed_count,
	succeeded_count,
	artifact_path,
	created_at,
	finished_at`

type JobRepository struct {
	pool db.Pool
}

func NewJobRepository(d *db.DB) *JobRepository {
	return &JobRepository{pool: d.Pool}
}

func NewJobRepositoryWithPool(pool db.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// Inserts the job row and bulk-loads its task expansion in one transaction,
// so a job is never visible without its tasks.
func (r *JobRepository) CreateJobWithTasks(ctx context.Context, job *model.Job, tasks []model.Task) error {

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/CreateJobWithTasks")
	defer span.End()

	span.AddEvent("job.context",
		trace.WithAttributes(
			attribute.String("job_id", job.ID.String()),
			attribute.Int("task_count", len(tasks)),
		),
	)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	defer tx.Rollback(ctx)

	// Insert job
	_, err = tx.Exec(ctx, `
        INSERT INTO jobs (
            id,
            owner,
            platforms,
            method,
            status,
            total_count,
            completed_count,
            succeeded_count,
            artifact_path,
            created_at,
            finished_at
        )
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
    `,
		job.ID,
		job.Owner,
		platformStrings(job.Platforms),
		job.Method,
		job.Status,
		job.TotalCount,
		job.CompletedCount,
		job.SucceededCount,
		job.ArtifactPath,
		job.CreatedAt,
		job.FinishedAt,
	)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	// Insert tasks
	taskRows := make([][]any, 0, len(tasks))
	for _, t := range tasks {
		taskRows = append(taskRows, []any{
			t.JobID,
			t.Index,
			t.Number,
			t.Platform,
			t.State,
			t.AttemptCount,
		})
	}

	_, err = tx.CopyFrom(
		ctx,
		pgx.Identifier{"tasks"},
		[]string{
			"job_id",
			"idx",
			"number",
			"platform",
			"state",
			"attempt_count",
		},
		pgx.CopyFromRows(taskRows),
	)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	// Commit
	if err := tx.Commit(ctx); err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	return nil
}

func (r *JobRepository) GetJobByID(ctx context.Context, id string) (*model.Job, error) {

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/GetJob")
	defer span.End()

	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	job, err := scanJob(row)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	return job, nil
}

// Pages newest-first with a keyset on the time-ordered job id.
func (r *JobRepository) ListJobs(ctx context.Context, offset string) ([]*model.Job, error) {

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ListJobs")
	defer span.End()

	var query string
	var args []any
	const limit = 25

	if offset == "" {
		query = `
			SELECT ` + jobColumns + `
			FROM jobs
			ORDER BY id DESC
			LIMIT $1`
		args = append(args, limit)
	} else {
		query = `
			SELECT ` + jobColumns + `
			FROM jobs
			WHERE id < $1
			ORDER BY id DESC
			LIMIT $2`
		args = append(args, offset, limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	return jobs, nil
}

// Jobs not yet in a terminal state, oldest first. The orchestrator re-admits
// these at boot so a crash never strands a half-dispatched job.
func (r *JobRepository) ListUnfinishedJobs(ctx context.Context) ([]*model.Job, error) {

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ListUnfinishedJobs")
	defer span.End()

	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status IN ('pending','processing')
		ORDER BY id
	`)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	return jobs, nil
}

// Moves a pending job into processing. A no-op when the job already left
// pending, which keeps event redelivery harmless.
func (r *JobRepository) MarkProcessing(ctx context.Context, id string) error {

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/MarkJobProcessing")
	defer span.End()

	_, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'processing'
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	return nil
}

// Flips a live job to cancelled. Returns pgx.ErrNoRows when the job does not
// exist or already reached a terminal state.
func (r *JobRepository) MarkCancelled(ctx context.Context, id string) (*model.Job, error) {

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/CancelJob")
	defer span.End()

	row := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET
			status      = 'cancelled',
			finished_at = $2
		WHERE id = $1 AND status IN ('pending','processing')
		RETURNING `+jobColumns+`
	`, id, time.Now().UTC())

	job, err := scanJob(row)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	return job, nil
}

// Records the terminal verdict and artifact path once every task settled.
// Only a processing job can finalize; a cancellation that raced in wins.
func (r *JobRepository) FinalizeJob(ctx context.Context, id string, status model.JobStatus, artifactPath string) (*model.Job, error) {

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/FinalizeJob")
	defer span.End()

	span.AddEvent("job.context",
		trace.WithAttributes(attribute.String("job_id", id), attribute.String("status", string(status))),
	)

	row := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET
			status        = $2,
			artifact_path = $3,
			finished_at   = $4
		WHERE id = $1 AND status = 'processing'
		RETURNING `+jobColumns+`
	`, id, status, artifactPath, time.Now().UTC())

	job, err := scanJob(row)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	return job, nil
}

func scanJob(row rowScanner) (*model.Job, error) {
	var job model.Job
	var platforms []string
	err := row.Scan(
		&job.ID,
		&job.Owner,
		&platforms,
		&job.Method,
		&job.Status,
		&job.TotalCount,
		&job.CompletedCount,
		&job.SucceededCount,
		&job.ArtifactPath,
		&job.CreatedAt,
		&job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Platforms = toPlatforms(platforms)
	return &job, nil
}

func platformStrings(platforms []model.Platform) []string {
	out := make([]string, len(platforms))
	for i, p := range platforms {
		out[i] = string(p)
	}
	return out
}

func toPlatforms(values []string) []model.Platform {
	out := make([]model.Platform, len(values))
	for i, v := range values {
		out[i] = model.Platform(v)
	}
	return out
}
