package records_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/fleet-armada/internal/domain/task"
	"github.com/ahrav/fleet-armada/internal/domain/upload"
	"github.com/ahrav/fleet-armada/internal/infra/storage/records"
	"github.com/ahrav/fleet-armada/internal/infra/storage/records/memory"
)

func TestTaskRepository_SaveGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := records.NewTaskRepository(memory.NewStore())

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := task.NewRecord("init-1a2b3c4d", task.KindInit, "m-1", []string{"DOCKER", "NGINX"}, now)
	require.NoError(t, rec.Start(now))
	require.NoError(t, rec.StartItem("DOCKER", now))
	require.NoError(t, rec.CompleteItem("DOCKER", now))
	require.NoError(t, repo.Save(ctx, rec, time.Hour))

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.Equal(t, 50, got.Progress)
	require.Len(t, got.SubItems, 2)
	assert.Equal(t, task.StatusCompleted, got.SubItems[0].Status)
}

func TestTaskRepository_NotFound(t *testing.T) {
	t.Parallel()
	repo := records.NewTaskRepository(memory.NewStore())

	_, err := repo.Get(context.Background(), "init-deadbeef")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestTaskRepository_Expires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := memory.NewStore(memory.WithClock(func() time.Time { return now }))
	repo := records.NewTaskRepository(store)

	rec := task.NewRecord("portcheck-00000000", task.KindPortCheck, "m-1", nil, now)
	require.NoError(t, repo.Save(ctx, rec, time.Hour))

	now = now.Add(2 * time.Hour)
	_, err := repo.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestUploadRepository_SaveGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := records.NewUploadRepository(memory.NewStore())

	_, err := repo.Get(ctx, "feed")
	require.ErrorIs(t, err, upload.ErrSessionNotFound)

	s := upload.NewSession("feed", "app.zip", 1024, 3, time.Now())
	_, err = s.RecordChunk(1, time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, s))

	got, err := repo.Get(ctx, "feed")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, got.UploadedChunks)
	assert.Equal(t, upload.StatusUploading, got.Status)
}

func TestRepositories_ShareOneStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore()
	tasks := records.NewTaskRepository(store)
	uploads := records.NewUploadRepository(store)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := task.NewRecord("deploy-0badf00d", task.KindDeploy, "m-1", []string{"transfer", "verify", "done"}, now)
	require.NoError(t, tasks.Save(ctx, rec, time.Hour))

	s := upload.NewSession("deploy-0badf00d", "bundle.zip", 1024, 2, now)
	_, err := s.RecordChunk(0, now)
	require.NoError(t, err)
	require.NoError(t, uploads.Save(ctx, s))

	gotTask, err := tasks.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.KindDeploy, gotTask.Kind)
	assert.Len(t, gotTask.SubItems, 3)

	gotSession, err := uploads.Get(ctx, s.FileHash)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, gotSession.UploadedChunks)
}
