package controlplane

import (
	"context"

	"github.com/ahrav/fleet-armada/internal/app/upload"
	domain "github.com/ahrav/fleet-armada/internal/domain/upload"
)

// InitUpload opens (or re-opens) a chunked upload session.
func (s *Service) InitUpload(ctx context.Context, req upload.InitRequest) error {
	return s.deps.Uploads.Init(ctx, req)
}

// UploadChunks accepts a batch of chunks and returns the indices that will be
// written. Writes complete in the background.
func (s *Service) UploadChunks(ctx context.Context, fileHash string, chunks []upload.Chunk) ([]int, error) {
	return s.deps.Uploads.UploadChunks(ctx, fileHash, chunks)
}

// GetUploadStatus reports the progress of an upload session.
func (s *Service) GetUploadStatus(ctx context.Context, fileHash string) (domain.Snapshot, error) {
	return s.deps.Uploads.Status(ctx, fileHash)
}
