package upload

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_RecordChunkMaintainsPrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		total      int
		order      []int
		wantPrefix int
		wantSet    []int
	}{
		{name: "in order", total: 4, order: []int{0, 1, 2}, wantPrefix: 3, wantSet: []int{0, 1, 2}},
		{name: "gap at start", total: 4, order: []int{3, 1, 2}, wantPrefix: 0, wantSet: []int{1, 2, 3}},
		{name: "gap filled", total: 4, order: []int{2, 0, 3, 1}, wantPrefix: 4, wantSet: []int{0, 1, 2, 3}},
		{name: "duplicates ignored", total: 3, order: []int{1, 1, 0, 0}, wantPrefix: 2, wantSet: []int{0, 1}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewSession("abc", "app.zip", 1024, tt.total, time.Now())
			for _, idx := range tt.order {
				_, err := s.RecordChunk(idx, time.Now())
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantPrefix, s.ContiguousPrefix)
			assert.Equal(t, tt.wantSet, s.UploadedChunks)
			assert.Equal(t, StatusUploading, s.Status)
		})
	}
}

func TestSession_RecordChunkReportsDuplicates(t *testing.T) {
	t.Parallel()

	s := NewSession("abc", "app.zip", 1024, 2, time.Now())
	added, err := s.RecordChunk(1, time.Now())
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.RecordChunk(1, time.Now())
	require.NoError(t, err)
	assert.False(t, added)
}

func TestSession_RecordChunkOutOfRange(t *testing.T) {
	t.Parallel()

	s := NewSession("abc", "app.zip", 1024, 2, time.Now())
	_, err := s.RecordChunk(2, time.Now())

	var nameErr *ChunkNameError
	require.ErrorAs(t, err, &nameErr)
	assert.Empty(t, s.UploadedChunks)
}

func TestSession_ClosedRejectsChunks(t *testing.T) {
	t.Parallel()

	s := NewSession("abc", "app.zip", 1024, 1, time.Now())
	_, err := s.RecordChunk(0, time.Now())
	require.NoError(t, err)
	require.True(t, s.Complete())
	require.NoError(t, s.BeginMerge(time.Now()))

	_, err = s.RecordChunk(0, time.Now())
	assert.True(t, errors.Is(err, ErrSessionClosed))
}

func TestSession_LifecycleNeverReverses(t *testing.T) {
	t.Parallel()

	s := NewSession("abc", "app.zip", 1024, 1, time.Now())
	require.Error(t, s.BeginMerge(time.Now()), "merge requires recorded chunks")

	_, err := s.RecordChunk(0, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.BeginMerge(time.Now()))
	require.Error(t, s.BeginMerge(time.Now()), "merge fires once")

	require.NoError(t, s.MarkCompleted("/srv/project/app.zip", time.Now()))
	assert.Error(t, s.MarkFailed("late", time.Now()))
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, "/srv/project/app.zip", s.FilePath)
}

func TestSession_Progress(t *testing.T) {
	t.Parallel()

	s := NewSession("abc", "app.zip", 1024, 3, time.Now())
	assert.Equal(t, 0, s.Progress())

	_, _ = s.RecordChunk(2, time.Now())
	assert.Equal(t, 33, s.Progress())

	_, _ = s.RecordChunk(0, time.Now())
	assert.Equal(t, 67, s.Progress())

	snap := s.Snapshot()
	assert.Equal(t, []int{0, 2}, snap.UploadedChunks)
	assert.Equal(t, 1, snap.ContiguousPrefix)
	assert.Equal(t, 67, snap.Progress)
}

func TestSession_ChunkErrorClearedOnResend(t *testing.T) {
	t.Parallel()

	s := NewSession("abc", "app.zip", 1024, 2, time.Now())
	s.RecordChunkError(1, "disk full", time.Now())
	assert.Equal(t, "disk full", s.Snapshot().ChunkErrors[1])

	_, err := s.RecordChunk(1, time.Now())
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot().ChunkErrors)
}
