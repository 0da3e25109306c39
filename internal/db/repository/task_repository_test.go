package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/dgurram/decoy/model"
)

func TestMarkTaskInflightClaimsPendingOnly(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rows    int64
		claimed bool
	}{
		{
			name:    "pending task claimed",
			rows:    1,
			claimed: true,
		},
		{
			name:    "already claimed elsewhere",
			rows:    0,
			claimed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			repo := NewTaskRepositoryWithPool(mock)
			jobID := uuid.New().String()
			workerID := uuid.New()

			mock.ExpectExec("UPDATE tasks").
				WithArgs(jobID, 2, workerID).
				WillReturnResult(pgxmock.NewResult("UPDATE", tt.rows))

			claimed, err := repo.MarkTaskInflight(context.Background(), jobID, 2, workerID)
			require.NoError(t, err)
			require.Equal(t, tt.claimed, claimed)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRequeueTaskReleasesAssignment(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTaskRepositoryWithPool(mock)
	jobID := uuid.New().String()

	mock.ExpectExec("UPDATE tasks").
		WithArgs(jobID, 5).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = repo.RequeueTask(context.Background(), jobID, 5)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetInflightTasksReturnsCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTaskRepositoryWithPool(mock)
	jobID := uuid.New().String()

	mock.ExpectExec("UPDATE tasks").
		WithArgs(jobID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := repo.ResetInflightTasks(context.Background(), jobID)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleTaskReturnsUpdatedJobCounters(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTaskRepositoryWithPool(mock)

	job, _ := newTestJob(2, model.PlatformWhatsApp, model.PlatformTelegram)
	job.Status = model.JobProcessing
	job.CompletedCount = 4
	job.SucceededCount = 3

	outcome := model.Outcome{
		Status:    model.OutcomeRegistered,
		CheckedBy: uuid.New(),
	}

	mock.ExpectQuery("WITH settled AS").
		WithArgs(
			job.ID.String(),
			1,
			outcome.Status,
			outcome.Detail,
			outcome.CheckedBy,
			pgxmock.AnyArg(),
			true,
		).
		WillReturnRows(jobRows(job))

	got, err := repo.SettleTask(context.Background(), job.ID.String(), 1, outcome, true)
	require.NoError(t, err)
	require.Equal(t, 4, got.CompletedCount)
	require.Equal(t, 3, got.SucceededCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListResultsKeepsSubmissionOrder(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTaskRepositoryWithPool(mock)
	jobID := uuid.New().String()
	checkedBy := uuid.New()
	settled := time.Now().UTC()
	detail := "account located"

	mock.ExpectQuery("SELECT").
		WithArgs(jobID).
		WillReturnRows(pgxmock.NewRows([]string{
			"idx", "number", "platform", "outcome_status", "outcome_detail", "checked_by", "settled_at",
		}).
			AddRow(0, "+14155550100", model.PlatformWhatsApp, model.OutcomeRegistered, &detail, &checkedBy, &settled).
			AddRow(1, "+14155550100", model.PlatformTelegram, model.OutcomeUnregistered, (*string)(nil), &checkedBy, &settled))

	results, err := repo.ListResults(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.Equal(t, 0, results[0].Index)
	require.Equal(t, model.OutcomeRegistered, results[0].Status)
	require.Equal(t, "account located", results[0].Detail)
	require.Equal(t, checkedBy.String(), results[0].CheckedBy)

	require.Equal(t, 1, results[1].Index)
	require.Equal(t, model.OutcomeUnregistered, results[1].Status)
	require.Empty(t, results[1].Detail)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingTasksOrdersByIndex(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewTaskRepositoryWithPool(mock)
	jobID := uuid.New()

	mock.ExpectQuery("SELECT").
		WithArgs(jobID.String()).
		WillReturnRows(pgxmock.NewRows([]string{
			"job_id", "idx", "number", "platform", "state", "attempt_count",
			"assigned_worker_id", "last_worker_id",
			"outcome_status", "outcome_detail", "checked_by", "settled_at",
		}).
			AddRow(jobID, 0, "+14155550100", model.PlatformWhatsApp, model.TaskPending, 0,
				(*uuid.UUID)(nil), (*uuid.UUID)(nil), (*string)(nil), (*string)(nil), (*uuid.UUID)(nil), (*time.Time)(nil)).
			AddRow(jobID, 1, "+14155550100", model.PlatformTelegram, model.TaskPending, 1,
				(*uuid.UUID)(nil), (*uuid.UUID)(nil), (*string)(nil), (*string)(nil), (*uuid.UUID)(nil), (*time.Time)(nil)))

	tasks, err := repo.ListPendingTasks(context.Background(), jobID.String())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, 0, tasks[0].Index)
	require.Equal(t, 1, tasks[1].Index)
	require.Nil(t, tasks[0].Outcome)
	require.Equal(t, 1, tasks[1].AttemptCount)
	require.NoError(t, mock.ExpectationsWereMet())
}
