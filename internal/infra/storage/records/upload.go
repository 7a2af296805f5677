package records

import (
	"context"
	"fmt"

	"github.com/ahrav/fleet-armada/internal/domain/upload"
)

const uploadKeyPrefix = "upload:"

var _ upload.Repository = (*UploadRepository)(nil)

// UploadRepository stores upload sessions under "upload:<fileHash>". Sessions
// do not expire.
type UploadRepository struct{ store Store }

// NewUploadRepository creates an UploadRepository backed by store.
func NewUploadRepository(store Store) *UploadRepository { return &UploadRepository{store: store} }

// Get loads the session for fileHash.
func (r *UploadRepository) Get(ctx context.Context, fileHash string) (*upload.Session, error) {
	var s upload.Session
	ok, err := r.store.Get(ctx, uploadKeyPrefix+fileHash, &s)
	if err != nil {
		return nil, fmt.Errorf("failed to load upload session %s: %w", fileHash, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", upload.ErrSessionNotFound, fileHash)
	}
	return &s, nil
}

// Save writes s.
func (r *UploadRepository) Save(ctx context.Context, s *upload.Session) error {
	if err := r.store.Set(ctx, uploadKeyPrefix+s.FileHash, s, 0); err != nil {
		return fmt.Errorf("failed to save upload session %s: %w", s.FileHash, err)
	}
	return nil
}
