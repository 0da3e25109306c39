package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dgurram/decoy/internal/db"
	"github.com/dgurram/decoy/internal/job_tracer"
	"github.com/dgurram/decoy/internal/util"
	"github.com/dgurram/decoy/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const workerColumns = `
	id,
	platform,
	phone,
	status,
	proxy_scheme,
	proxy_host,
	proxy_port,
	proxy_username,
	proxy_password,
	fp_device,
	fp_locale,
	fp_timezone,
	session_ref,
	daily_limit,
	used_today,
	last_used_at,
	consecutive_failures,
	created_at,
	updated_at`

type WorkerRepository struct {
	pool db.Pool
}

func NewWorkerRepository(d *db.DB) *WorkerRepository {
	return &WorkerRepository{pool: d.Pool}
}

// NewWorkerRepositoryWithPool constructs a repository from an existing pool
// (primarily for testing).
func NewWorkerRepositoryWithPool(pool db.Pool) *WorkerRepository {
	return &WorkerRepository{pool: pool}
}

func (r *WorkerRepository) CreateWorker(ctx context.Context, w *model.Worker) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/CreateWorker")
	defer span.End()

	span.AddEvent("worker.context",
		trace.WithAttributes(attribute.String("worker_id", w.ID.String()), attribute.String("platform", string(w.Platform))),
	)

	_, err := r.pool.Exec(ctx, `
        INSERT INTO workers (
            id,
            platform,
            phone,
            status,
            proxy_scheme,
            proxy_host,
            proxy_port,
            proxy_username,
            proxy_password,
            fp_device,
            fp_locale,
            fp_timezone,
            session_ref,
            daily_limit,
            used_today,
            last_used_at,
            consecutive_failures,
            created_at,
            updated_at
        )
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
    `,
		w.ID,
		w.Platform,
		w.Phone,
		w.Status,
		w.Proxy.Scheme,
		w.Proxy.Host,
		w.Proxy.Port,
		w.Proxy.Username,
		w.Proxy.Password,
		w.Fingerprint.Device,
		w.Fingerprint.Locale,
		w.Fingerprint.Timezone,
		w.SessionRef,
		w.DailyLimit,
		w.UsedToday,
		w.LastUsedAt,
		w.ConsecutiveFailures,
		w.CreatedAt,
		w.UpdatedAt,
	)
	if err != nil {
		err = translateUniqueViolation(err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

// translateUniqueViolation maps the partial unique indexes on live workers to
// the domain error the caller can act on.
func translateUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	if strings.Contains(pgErr.ConstraintName, "fingerprint") {
		return fmt.Errorf("%w: %s", model.ErrDuplicateFingerprint, pgErr.ConstraintName)
	}
	return fmt.Errorf("%w: %s", model.ErrDuplicateIdentity, pgErr.ConstraintName)
}

func (r *WorkerRepository) GetWorkerByID(ctx context.Context, id string) (*model.Worker, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/GetWorker")
	defer span.End()

	row := r.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, id)
	w, err := scanWorker(row)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return w, nil
}

func (r *WorkerRepository) ListWorkers(ctx context.Context, platform model.Platform) ([]*model.Worker, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ListWorkers")
	defer span.End()

	var query string
	var args []any
	if platform == "" {
		query = `SELECT ` + workerColumns + ` FROM workers WHERE status <> 'destroyed' ORDER BY created_at, id`
	} else {
		query = `SELECT ` + workerColumns + ` FROM workers WHERE status <> 'destroyed' AND platform = $1 ORDER BY created_at, id`
		args = append(args, platform)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	var workers []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		workers = append(workers, w)
	}

	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return workers, nil
}

func (r *WorkerRepository) UpdateWorker(ctx context.Context, w *model.Worker) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/UpdateWorker")
	defer span.End()

	span.AddEvent("worker.context",
		trace.WithAttributes(attribute.String("worker_id", w.ID.String()), attribute.String("status", string(w.Status))),
	)

	_, err := r.pool.Exec(ctx, `
		UPDATE workers
		SET
			status         = $2,
			proxy_scheme   = $3,
			proxy_host     = $4,
			proxy_port     = $5,
			proxy_username = $6,
			proxy_password = $7,
			session_ref    = $8,
			daily_limit    = $9,
			updated_at     = $10
		WHERE id = $1
	`,
		w.ID,
		w.Status,
		w.Proxy.Scheme,
		w.Proxy.Host,
		w.Proxy.Port,
		w.Proxy.Username,
		w.Proxy.Password,
		w.SessionRef,
		w.DailyLimit,
		time.Now().UTC(),
	)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *WorkerRepository) UpdateStatus(ctx context.Context, id string, status model.WorkerStatus) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/UpdateWorkerStatus")
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`UPDATE workers SET status=$1, updated_at=$2 WHERE id=$3`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

// RecordUsage charges one validation against the worker's daily quota and
// stamps last_used_at. A successful use also clears the failure streak.
func (r *WorkerRepository) RecordUsage(ctx context.Context, id string) (*model.Worker, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/RecordUsage")
	defer span.End()

	row := r.pool.QueryRow(ctx, `
		UPDATE workers
		SET
			used_today           = used_today + 1,
			last_used_at         = $2,
			consecutive_failures = 0,
			updated_at           = $2
		WHERE id = $1
		RETURNING `+workerColumns+`
	`, id, time.Now().UTC())

	w, err := scanWorker(row)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return w, nil
}

// MarkFailure bumps the failure streak and flips an active worker into error
// once the streak crosses the threshold, all in one statement.
func (r *WorkerRepository) MarkFailure(ctx context.Context, id string, threshold int) (*model.Worker, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/MarkWorkerFailure")
	defer span.End()

	row := r.pool.QueryRow(ctx, `
		UPDATE workers
		SET
			consecutive_failures = consecutive_failures + 1,
			status = CASE
				WHEN consecutive_failures + 1 >= $2 AND status = 'active' THEN 'error'
				ELSE status
			END,
			updated_at = $3
		WHERE id = $1
		RETURNING `+workerColumns+`
	`, id, threshold, time.Now().UTC())

	w, err := scanWorker(row)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return w, nil
}

// ClearFailures zeroes the failure streak without charging usage. The
// supervisor calls this when a runtime recovers on its own.
func (r *WorkerRepository) ClearFailures(ctx context.Context, id string) (*model.Worker, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ClearWorkerFailures")
	defer span.End()

	row := r.pool.QueryRow(ctx, `
		UPDATE workers
		SET
			consecutive_failures = 0,
			updated_at           = $2
		WHERE id = $1
		RETURNING `+workerColumns+`
	`, id, time.Now().UTC())

	w, err := scanWorker(row)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return w, nil
}

// ResetDailyUsage zeroes the day's usage for every live worker and returns
// rate-limited workers to rotation. Runs at UTC midnight.
func (r *WorkerRepository) ResetDailyUsage(ctx context.Context) (int64, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ResetDailyUsage")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `
		UPDATE workers
		SET
			used_today = 0,
			status = CASE
				WHEN status = 'rate_limited' THEN 'active'
				ELSE status
			END,
			updated_at = $1
		WHERE status <> 'destroyed'
	`, time.Now().UTC())
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(row rowScanner) (*model.Worker, error) {
	var w model.Worker
	err := row.Scan(
		&w.ID,
		&w.Platform,
		&w.Phone,
		&w.Status,
		&w.Proxy.Scheme,
		&w.Proxy.Host,
		&w.Proxy.Port,
		&w.Proxy.Username,
		&w.Proxy.Password,
		&w.Fingerprint.Device,
		&w.Fingerprint.Locale,
		&w.Fingerprint.Timezone,
		&w.SessionRef,
		&w.DailyLimit,
		&w.UsedToday,
		&w.LastUsedAt,
		&w.ConsecutiveFailures,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
