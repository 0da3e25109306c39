//go:build integration
// +build integration

package repository

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/dgurram/decoy/internal/db"
	"github.com/dgurram/decoy/model"
	tdb "github.com/dgurram/decoy/tests/integration_test/infra/db"
	"github.com/dgurram/decoy/tests/integration_test/infra/db/repository"
)

var (
	container    testcontainers.Container
	testDB       *db.DB
	pgPool       *pgxpool.Pool
	POSTGRES_URL string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, testDB, POSTGRES_URL = tdb.SetupContainer(ctx)
	pgPool = testDB.Pool
	if err := repository.ApplySchema(ctx, pgPool); err != nil {
		log.Fatalf("could not initialise schema: %v", err)
	}
	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func TestJobRepository_CreateJobWithTasks_And_GetJobByID(t *testing.T) {
	tests := []struct {
		name      string
		numbers   []string
		platforms []model.Platform
	}{
		{
			name:      "single number on one platform",
			numbers:   []string{"+14155550001"},
			platforms: []model.Platform{model.PlatformWhatsApp},
		},
		{
			name:      "numbers fan out across platforms",
			numbers:   []string{"+14155550002", "+14155550003"},
			platforms: []model.Platform{model.PlatformWhatsApp, model.PlatformTelegram},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repository.TruncateJobsTables(t, pgPool)
			ctx := context.Background()
			repo := NewJobRepository(testDB)

			job := seedJob(t, model.JobPending, tt.numbers, tt.platforms)

			got, err := repo.GetJobByID(ctx, job.ID.String())
			require.NoError(t, err)
			assert.Equal(t, job.ID, got.ID)
			assert.Equal(t, job.Status, got.Status)
			assert.Equal(t, job.Platforms, got.Platforms)
			assert.Equal(t, len(tt.numbers)*len(tt.platforms), got.TotalCount)

			tasks, err := NewTaskRepository(testDB).ListPendingTasks(ctx, job.ID.String())
			require.NoError(t, err)
			require.Len(t, tasks, got.TotalCount)
			for i, task := range tasks {
				assert.Equal(t, i, task.Index)
				assert.Equal(t, model.TaskPending, task.State)
				assert.Equal(t, tt.numbers[i/len(tt.platforms)], task.Number)
				assert.Equal(t, tt.platforms[i%len(tt.platforms)], task.Platform)
			}
		})
	}
}

func TestJobRepository_CreateJobWithTasks_RollsBackOnBadTask(t *testing.T) {
	repository.TruncateJobsTables(t, pgPool)
	ctx := context.Background()
	repo := NewJobRepository(testDB)

	now := time.Now().UTC()
	id, _ := uuid.NewV7()
	job := &model.Job{
		ID:         id,
		Owner:      "qa",
		Platforms:  []model.Platform{model.PlatformWhatsApp},
		Method:     model.MethodBasic,
		Status:     model.JobPending,
		TotalCount: 1,
		CreatedAt:  &now,
	}

	// The task points at a job that does not exist, so the bulk load
	// violates the foreign key and the whole transaction must unwind.
	orphan, _ := uuid.NewV7()
	tasks := []model.Task{{
		JobID:    orphan,
		Index:    0,
		Number:   "+14155550009",
		Platform: model.PlatformWhatsApp,
		State:    model.TaskPending,
	}}

	require.Error(t, repo.CreateJobWithTasks(ctx, job, tasks))

	_, err := repo.GetJobByID(ctx, job.ID.String())
	require.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestJobRepository_ListJobs(t *testing.T) {
	repository.TruncateJobsTables(t, pgPool)
	repo := NewJobRepository(testDB)

	// Spaced out so the v7 ids are strictly ordered for the keyset.
	var jobs []*model.Job
	for _, number := range []string{"+14155550101", "+14155550102", "+14155550103"} {
		jobs = append(jobs, seedJob(t, model.JobPending, []string{number}, []model.Platform{model.PlatformWhatsApp}))
		time.Sleep(5 * time.Millisecond)
	}

	tests := []struct {
		name   string
		offset string
		want   int
		first  uuid.UUID
	}{
		{
			name:   "first page newest first",
			offset: "",
			want:   3,
			first:  jobs[2].ID,
		},
		{
			name:   "keyset offset pages past newer jobs",
			offset: jobs[1].ID.String(),
			want:   1,
			first:  jobs[0].ID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := repo.ListJobs(context.Background(), tt.offset)
			require.NoError(t, err)
			require.Len(t, list, tt.want)
			assert.Equal(t, tt.first, list[0].ID)
		})
	}
}

func TestJobRepository_ListUnfinishedJobs(t *testing.T) {
	repository.TruncateJobsTables(t, pgPool)
	ctx := context.Background()
	repo := NewJobRepository(testDB)

	pending := seedJob(t, model.JobPending, []string{"+14155550201"}, []model.Platform{model.PlatformWhatsApp})
	time.Sleep(5 * time.Millisecond)
	processing := seedJob(t, model.JobProcessing, []string{"+14155550202"}, []model.Platform{model.PlatformWhatsApp})
	time.Sleep(5 * time.Millisecond)
	seedJob(t, model.JobCompleted, []string{"+14155550203"}, []model.Platform{model.PlatformWhatsApp})
	seedJob(t, model.JobCancelled, []string{"+14155550204"}, []model.Platform{model.PlatformWhatsApp})

	unfinished, err := repo.ListUnfinishedJobs(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 2)

	// Oldest first, so boot re-admission keeps submission order.
	assert.Equal(t, pending.ID, unfinished[0].ID)
	assert.Equal(t, processing.ID, unfinished[1].ID)
}

func TestJobRepository_MarkProcessing(t *testing.T) {
	repository.TruncateJobsTables(t, pgPool)
	ctx := context.Background()
	repo := NewJobRepository(testDB)

	job := seedJob(t, model.JobPending, []string{"+14155550301"}, []model.Platform{model.PlatformWhatsApp})

	require.NoError(t, repo.MarkProcessing(ctx, job.ID.String()))
	got, err := repo.GetJobByID(ctx, job.ID.String())
	require.NoError(t, err)
	assert.Equal(t, model.JobProcessing, got.Status)

	// A redelivered event marks again without complaint.
	require.NoError(t, repo.MarkProcessing(ctx, job.ID.String()))

	_, err = repo.MarkCancelled(ctx, job.ID.String())
	require.NoError(t, err)

	// A terminal job never re-enters processing.
	require.NoError(t, repo.MarkProcessing(ctx, job.ID.String()))
	got, err = repo.GetJobByID(ctx, job.ID.String())
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.Status)
}

func TestJobRepository_MarkCancelled(t *testing.T) {
	repository.TruncateJobsTables(t, pgPool)
	ctx := context.Background()
	repo := NewJobRepository(testDB)

	job := seedJob(t, model.JobPending, []string{"+14155550401"}, []model.Platform{model.PlatformWhatsApp})

	cancelled, err := repo.MarkCancelled(ctx, job.ID.String())
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, cancelled.Status)
	require.NotNil(t, cancelled.FinishedAt)

	_, err = repo.MarkCancelled(ctx, job.ID.String())
	require.ErrorIs(t, err, pgx.ErrNoRows)

	missing, _ := uuid.NewV7()
	_, err = repo.MarkCancelled(ctx, missing.String())
	require.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestJobRepository_FinalizeJob(t *testing.T) {
	repository.TruncateJobsTables(t, pgPool)
	ctx := context.Background()
	repo := NewJobRepository(testDB)

	job := seedJob(t, model.JobPending, []string{"+14155550501"}, []model.Platform{model.PlatformWhatsApp})
	artifact := "jobs/" + job.ID.String() + ".json"

	// Only a processing job can finalize.
	_, err := repo.FinalizeJob(ctx, job.ID.String(), model.JobCompleted, artifact)
	require.ErrorIs(t, err, pgx.ErrNoRows)

	require.NoError(t, repo.MarkProcessing(ctx, job.ID.String()))
	finalized, err := repo.FinalizeJob(ctx, job.ID.String(), model.JobCompleted, artifact)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, finalized.Status)
	assert.Equal(t, artifact, finalized.ArtifactPath)
	require.NotNil(t, finalized.FinishedAt)

	// A cancellation that raced in wins.
	second := seedJob(t, model.JobPending, []string{"+14155550502"}, []model.Platform{model.PlatformWhatsApp})
	require.NoError(t, repo.MarkProcessing(ctx, second.ID.String()))
	_, err = repo.MarkCancelled(ctx, second.ID.String())
	require.NoError(t, err)
	_, err = repo.FinalizeJob(ctx, second.ID.String(), model.JobCompleted, "")
	require.ErrorIs(t, err, pgx.ErrNoRows)
}

// seedJob inserts a job and its flat task expansion straight through the
// repository, the same shape the web layer produces.
func seedJob(t *testing.T, status model.JobStatus, numbers []string, platforms []model.Platform) *model.Job {
	t.Helper()

	now := time.Now().UTC()
	id, _ := uuid.NewV7()
	job := &model.Job{
		ID:         id,
		Owner:      "qa",
		Platforms:  platforms,
		Method:     model.MethodBasic,
		Status:     status,
		TotalCount: len(numbers) * len(platforms),
		CreatedAt:  &now,
	}

	tasks := make([]model.Task, 0, job.TotalCount)
	for ni, number := range numbers {
		for pi, platform := range platforms {
			tasks = append(tasks, model.Task{
				JobID:    job.ID,
				Index:    ni*len(platforms) + pi,
				Number:   number,
				Platform: platform,
				State:    model.TaskPending,
			})
		}
	}

	require.NoError(t, NewJobRepository(testDB).CreateJobWithTasks(context.Background(), job, tasks))
	return job
}
