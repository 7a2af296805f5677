// Package upload models resumable chunked uploads: the session that tracks
// which chunks of an artifact have arrived and the rules for closing it.
package upload

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Session is the persisted state of one chunked upload, keyed by the
// artifact's SHA-256.
type Session struct {
	FileHash         string         `json:"file_hash"`
	FileName         string         `json:"file_name"`
	ChunkSize        int64          `json:"chunk_size"`
	TotalChunks      int            `json:"total_chunks"`
	UploadedChunks   []int          `json:"uploaded_chunks"`
	ContiguousPrefix int            `json:"contiguous_prefix"`
	Status           Status         `json:"status"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	ChunkErrors      map[int]string `json:"chunk_errors,omitempty"`
	FilePath         string         `json:"file_path,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// NewSession creates a session in Init with no recorded chunks.
func NewSession(fileHash, fileName string, chunkSize int64, totalChunks int, now time.Time) *Session {
	return &Session{
		FileHash:       fileHash,
		FileName:       fileName,
		ChunkSize:      chunkSize,
		TotalChunks:    totalChunks,
		UploadedChunks: []int{},
		Status:         StatusInit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// HasChunk reports whether index was already recorded.
func (s *Session) HasChunk(index int) bool {
	i := sort.SearchInts(s.UploadedChunks, index)
	return i < len(s.UploadedChunks) && s.UploadedChunks[i] == index
}

// RecordChunk adds index to the uploaded set, recomputes the contiguous
// prefix and moves the session to Uploading. It reports false when index was
// already present. The set never shrinks.
func (s *Session) RecordChunk(index int, now time.Time) (bool, error) {
	if s.Status.IsClosed() {
		return false, fmt.Errorf("%w: %s is %s", ErrSessionClosed, s.FileHash, s.Status)
	}
	if index < 0 || index >= s.TotalChunks {
		return false, &ChunkNameError{Name: strconv.Itoa(index) + ".part", Reason: "index out of range"}
	}
	if s.HasChunk(index) {
		return false, nil
	}
	i := sort.SearchInts(s.UploadedChunks, index)
	s.UploadedChunks = append(s.UploadedChunks, 0)
	copy(s.UploadedChunks[i+1:], s.UploadedChunks[i:])
	s.UploadedChunks[i] = index

	s.ContiguousPrefix = contiguousPrefix(s.UploadedChunks)
	s.Status = StatusUploading
	delete(s.ChunkErrors, index)
	s.UpdatedAt = now
	return true, nil
}

// contiguousPrefix returns the largest k such that 0..k-1 are all in sorted.
func contiguousPrefix(sorted []int) int {
	k := 0
	for _, idx := range sorted {
		if idx != k {
			break
		}
		k++
	}
	return k
}

// RecordChunkError notes a failed write for index. The chunk may be resent.
func (s *Session) RecordChunkError(index int, msg string, now time.Time) {
	if s.ChunkErrors == nil {
		s.ChunkErrors = make(map[int]string)
	}
	s.ChunkErrors[index] = msg
	s.UpdatedAt = now
}

// Complete reports whether every chunk has been recorded.
func (s *Session) Complete() bool { return len(s.UploadedChunks) == s.TotalChunks }

// BeginMerge moves a complete session to Merging.
func (s *Session) BeginMerge(now time.Time) error {
	if err := s.Status.validateTransition(StatusMerging); err != nil {
		return err
	}
	s.Status = StatusMerging
	s.UpdatedAt = now
	return nil
}

// MarkCompleted records the merged artifact path.
func (s *Session) MarkCompleted(filePath string, now time.Time) error {
	if err := s.Status.validateTransition(StatusCompleted); err != nil {
		return err
	}
	s.Status = StatusCompleted
	s.FilePath = filePath
	s.UpdatedAt = now
	return nil
}

// MarkFailed closes the session with msg.
func (s *Session) MarkFailed(msg string, now time.Time) error {
	if err := s.Status.validateTransition(StatusFailed); err != nil {
		return err
	}
	s.Status = StatusFailed
	s.ErrorMessage = msg
	s.UpdatedAt = now
	return nil
}

// Progress is the rounded percentage of recorded chunks.
func (s *Session) Progress() int {
	if s.TotalChunks <= 0 {
		return 0
	}
	return int(math.Round(float64(len(s.UploadedChunks)) / float64(s.TotalChunks) * 100))
}

// Snapshot is the externally visible state of a session.
type Snapshot struct {
	FileHash         string         `json:"file_hash"`
	FileName         string         `json:"file_name"`
	Status           Status         `json:"status"`
	Progress         int            `json:"progress"`
	ContiguousPrefix int            `json:"contiguous_prefix"`
	UploadedChunks   []int          `json:"uploaded_chunks"`
	TotalChunks      int            `json:"total_chunks"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	ChunkErrors      map[int]string `json:"chunk_errors,omitempty"`
	FilePath         string         `json:"file_path,omitempty"`
}

// Snapshot copies the session into a Snapshot.
func (s *Session) Snapshot() Snapshot {
	uploaded := make([]int, len(s.UploadedChunks))
	copy(uploaded, s.UploadedChunks)
	var chunkErrs map[int]string
	if len(s.ChunkErrors) > 0 {
		chunkErrs = make(map[int]string, len(s.ChunkErrors))
		for k, v := range s.ChunkErrors {
			chunkErrs[k] = v
		}
	}
	return Snapshot{
		FileHash:         s.FileHash,
		FileName:         s.FileName,
		Status:           s.Status,
		Progress:         s.Progress(),
		ContiguousPrefix: s.ContiguousPrefix,
		UploadedChunks:   uploaded,
		TotalChunks:      s.TotalChunks,
		ErrorMessage:     s.ErrorMessage,
		ChunkErrors:      chunkErrs,
		FilePath:         s.FilePath,
	}
}

// Repository persists upload sessions by file hash.
type Repository interface {
	// Get returns the session or an error wrapping ErrSessionNotFound.
	Get(ctx context.Context, fileHash string) (*Session, error)
	Save(ctx context.Context, s *Session) error
}
