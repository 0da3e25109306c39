//go:build integration
// +build integration

package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgurram/decoy/model"
	"github.com/dgurram/decoy/tests/integration_test/infra/db/repository"
)

func TestTaskRepository_ClaimAndRequeue(t *testing.T) {
	repository.TruncateJobsTables(t, pgPool)
	ctx := context.Background()
	repo := NewTaskRepository(testDB)

	job := seedJob(t, model.JobProcessing, []string{"+14155551001"}, []model.Platform{model.PlatformWhatsApp})
	worker := uuid.New()

	claimed, err := repo.MarkTaskInflight(ctx, job.ID.String(), 0, worker)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A second dispatcher pass loses the claim race.
	claimed, err = repo.MarkTaskInflight(ctx, job.ID.String(), 0, worker)
	require.NoError(t, err)
	assert.False(t, claimed)

	pending, err := repo.ListPendingTasks(ctx, job.ID.String())
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, repo.RequeueTask(ctx, job.ID.String(), 0))

	pending, err = repo.ListPendingTasks(ctx, job.ID.String())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].AttemptCount)
	assert.Nil(t, pending[0].AssignedWorkerID)

	// The retry remembers who just failed it.
	require.NotNil(t, pending[0].LastWorkerID)
	assert.Equal(t, worker, *pending[0].LastWorkerID)
}

func TestTaskRepository_ResetInflightTasks(t *testing.T) {
	repository.TruncateJobsTables(t, pgPool)
	ctx := context.Background()
	repo := NewTaskRepository(testDB)

	job := seedJob(t, model.JobProcessing,
		[]string{"+14155551101", "+14155551102", "+14155551103"},
		[]model.Platform{model.PlatformWhatsApp},
	)
	worker := uuid.New()

	for _, idx := range []int{0, 2} {
		claimed, err := repo.MarkTaskInflight(ctx, job.ID.String(), idx, worker)
		require.NoError(t, err)
		require.True(t, claimed)
	}

	reset, err := repo.ResetInflightTasks(ctx, job.ID.String())
	require.NoError(t, err)
	assert.EqualValues(t, 2, reset)

	pending, err := repo.ListPendingTasks(ctx, job.ID.String())
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, worker, *pending[0].LastWorkerID)
	assert.Nil(t, pending[1].LastWorkerID)
	assert.Equal(t, worker, *pending[2].LastWorkerID)
}

func TestTaskRepository_SettleTask(t *testing.T) {
	repository.TruncateJobsTables(t, pgPool)
	ctx := context.Background()
	repo := NewTaskRepository(testDB)

	job := seedJob(t, model.JobProcessing,
		[]string{"+14155551201", "+14155551202"},
		[]model.Platform{model.PlatformWhatsApp},
	)
	checker := uuid.New()

	claimed, err := repo.MarkTaskInflight(ctx, job.ID.String(), 0, checker)
	require.NoError(t, err)
	require.True(t, claimed)

	after, err := repo.SettleTask(ctx, job.ID.String(), 0,
		model.Outcome{Status: model.OutcomeRegistered, CheckedBy: checker}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, after.CompletedCount)
	assert.Equal(t, 1, after.SucceededCount)

	// Redelivered settles never double-count.
	after, err = repo.SettleTask(ctx, job.ID.String(), 0,
		model.Outcome{Status: model.OutcomeRegistered, CheckedBy: checker}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, after.CompletedCount)
	assert.Equal(t, 1, after.SucceededCount)

	// A task that never reached a worker settles with no checker.
	after, err = repo.SettleTask(ctx, job.ID.String(), 1,
		model.Outcome{Status: model.OutcomeError, Detail: "job cancelled"}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, after.CompletedCount)
	assert.Equal(t, 1, after.SucceededCount)
}

func TestTaskRepository_ListResults(t *testing.T) {
	repository.TruncateJobsTables(t, pgPool)
	ctx := context.Background()
	repo := NewTaskRepository(testDB)

	job := seedJob(t, model.JobProcessing,
		[]string{"+14155551301", "+14155551302", "+14155551303"},
		[]model.Platform{model.PlatformWhatsApp},
	)
	checker := uuid.New()

	// Settle out of order; results still come back by index.
	_, err := repo.SettleTask(ctx, job.ID.String(), 2,
		model.Outcome{Status: model.OutcomeUnregistered, CheckedBy: checker}, true)
	require.NoError(t, err)
	_, err = repo.SettleTask(ctx, job.ID.String(), 0,
		model.Outcome{Status: model.OutcomeRegistered, Detail: "profile visible", CheckedBy: checker}, true)
	require.NoError(t, err)

	results, err := repo.ListResults(ctx, job.ID.String())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, 0, results[0].Index)
	assert.Equal(t, "+14155551301", results[0].Number)
	assert.Equal(t, model.OutcomeRegistered, results[0].Status)
	assert.Equal(t, "profile visible", results[0].Detail)
	assert.Equal(t, checker.String(), results[0].CheckedBy)
	require.NotNil(t, results[0].CheckedAt)

	assert.Equal(t, 2, results[1].Index)
	assert.Equal(t, model.OutcomeUnregistered, results[1].Status)
}
