// Package upload accepts large artifacts as independently retried chunks,
// stages them on disk and assembles the artifact once every chunk arrived.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	regexp "github.com/wasilibs/go-re2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	domain "github.com/ahrav/fleet-armada/internal/domain/upload"
	"github.com/ahrav/fleet-armada/pkg/common"
	"github.com/ahrav/fleet-armada/pkg/common/logger"
)

// Config locates the staging and output directories.
type Config struct {
	// TempDir holds one staging directory per file hash.
	TempDir string `mapstructure:"temp_dir" validate:"required"`
	// ProjectDir receives merged artifacts.
	ProjectDir string `mapstructure:"project_dir" validate:"required"`
	// MaxParallelWrites caps concurrent chunk writes across all sessions.
	MaxParallelWrites int64 `mapstructure:"max_parallel_writes"`
}

const defaultMaxParallelWrites = 16

var chunkName = regexp.MustCompile(`^(\d+)\.part$`)

// Coordinator runs the chunked upload protocol.
type Coordinator struct {
	cfg      Config
	repo     domain.Repository
	validate *validator.Validate
	metrics  CoordinatorMetrics

	writes *semaphore.Weighted
	locks  *common.KeyedMutex
	wg     sync.WaitGroup
	now    func() time.Time

	log    *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a Coordinator. A nil metrics disables instrumentation.
func NewCoordinator(
	cfg Config,
	repo domain.Repository,
	metrics CoordinatorMetrics,
	log *logger.Logger,
	tracer trace.Tracer,
) *Coordinator {
	if cfg.MaxParallelWrites <= 0 {
		cfg.MaxParallelWrites = defaultMaxParallelWrites
	}
	return &Coordinator{
		cfg:      cfg,
		repo:     repo,
		validate: newValidator(),
		metrics:  metrics,
		writes:   semaphore.NewWeighted(cfg.MaxParallelWrites),
		locks:    common.NewKeyedMutex(),
		now:      time.Now,
		log:      log.With("component", "upload"),
		tracer:   tracer,
	}
}

func (c *Coordinator) stagingDir(fileHash string) string { return filepath.Join(c.cfg.TempDir, fileHash) }

// Init opens a session for req. Re-initialising an existing session is a
// no-op.
func (c *Coordinator) Init(ctx context.Context, req InitRequest) error {
	ctx, span := c.tracer.Start(ctx, "upload.init", trace.WithAttributes(attribute.String("file_hash", req.FileHash)))
	defer span.End()

	if err := c.validate.Struct(req); err != nil {
		return fmt.Errorf("invalid upload init request: %w", err)
	}
	req.FileHash = strings.ToLower(req.FileHash)

	unlock := c.locks.Lock(req.FileHash)
	defer unlock()

	if _, err := c.repo.Get(ctx, req.FileHash); err == nil {
		c.log.Info(ctx, "upload session already initialised", "file_hash", req.FileHash)
		return nil
	} else if !errors.Is(err, domain.ErrSessionNotFound) {
		return err
	}

	if err := os.MkdirAll(c.stagingDir(req.FileHash), 0o755); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create staging dir")
		return fmt.Errorf("create staging dir: %w", err)
	}

	s := domain.NewSession(req.FileHash, req.FileName, req.ChunkSize, req.TotalChunks, c.now())
	if err := c.repo.Save(ctx, s); err != nil {
		return err
	}
	c.log.Info(ctx, "upload session initialised",
		"file_hash", req.FileHash,
		"file_name", req.FileName,
		"total_chunks", req.TotalChunks,
	)
	return nil
}

// parseChunkIndex extracts the index from "<index>.part".
func parseChunkIndex(name string, total int) (int, error) {
	m := chunkName.FindStringSubmatch(name)
	if m == nil {
		return 0, &domain.ChunkNameError{Name: name, Reason: `expected "<index>.part"`}
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, &domain.ChunkNameError{Name: name, Reason: err.Error()}
	}
	if idx >= total {
		return 0, &domain.ChunkNameError{Name: name, Reason: fmt.Sprintf("index out of range [0,%d)", total)}
	}
	return idx, nil
}

// UploadChunks validates the batch and starts writing every chunk not yet
// recorded. It returns the accepted indices without waiting for the writes;
// progress is observed through Status. An invalid name rejects the batch.
// A closed session rejects the batch only if it carries a new chunk.
func (c *Coordinator) UploadChunks(ctx context.Context, fileHash string, chunks []Chunk) ([]int, error) {
	fileHash = strings.ToLower(fileHash)
	ctx, span := c.tracer.Start(ctx, "upload.upload_chunks",
		trace.WithAttributes(attribute.String("file_hash", fileHash), attribute.Int("chunks", len(chunks))))
	defer span.End()

	s, err := c.repo.Get(ctx, fileHash)
	if err != nil {
		return nil, err
	}
	indices := make([]int, len(chunks))
	for i, ch := range chunks {
		idx, err := parseChunkIndex(ch.Name, s.TotalChunks)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid chunk batch")
			return nil, err
		}
		indices[i] = idx
	}

	// Resent chunks that are already recorded are dropped in every state.
	var fresh []int
	seen := make(map[int]struct{}, len(chunks))
	for i, idx := range indices {
		if _, dup := seen[idx]; dup || s.HasChunk(idx) {
			continue
		}
		seen[idx] = struct{}{}
		fresh = append(fresh, i)
	}
	if len(fresh) > 0 && s.Status.IsClosed() {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrSessionClosed, fileHash, s.Status)
	}

	accepted := make([]int, 0, len(fresh))
	bg := context.WithoutCancel(ctx)
	for _, i := range fresh {
		idx := indices[i]
		accepted = append(accepted, idx)

		c.wg.Add(1)
		go c.ingest(bg, fileHash, idx, chunks[i].Data)
	}

	span.SetAttributes(attribute.Int("accepted", len(accepted)))
	return accepted, nil
}

func (c *Coordinator) ingest(ctx context.Context, fileHash string, idx int, data []byte) {
	defer c.wg.Done()

	if err := c.writes.Acquire(ctx, 1); err != nil {
		c.log.Error(ctx, "failed to acquire chunk write slot", "file_hash", fileHash, "chunk", idx, "error", err)
		return
	}
	err := c.writeChunk(fileHash, idx, data)
	c.writes.Release(1)

	if err != nil {
		if c.metrics != nil {
			c.metrics.IncChunkErrors(ctx)
		}
		c.log.Error(ctx, "failed to write chunk", "file_hash", fileHash, "chunk", idx, "error", err)
		c.recordChunkError(ctx, fileHash, idx, err)
		return
	}
	if c.metrics != nil {
		c.metrics.IncChunksWritten(ctx, len(data))
	}

	merge, err := c.recordChunk(ctx, fileHash, idx)
	if err != nil {
		c.log.Error(ctx, "failed to record chunk", "file_hash", fileHash, "chunk", idx, "error", err)
		return
	}
	if merge != nil {
		c.merge(ctx, merge)
	}
}

// writeChunk stages data via a temp file renamed into place so a reader never
// sees a partial chunk.
func (c *Coordinator) writeChunk(fileHash string, idx int, data []byte) error {
	dir := c.stagingDir(fileHash)
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%d-*.tmp", idx))
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, strconv.Itoa(idx))); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// recordChunk adds idx to the session. It returns the session when this
// update completed the set and moved it to Merging; exactly one caller sees
// that.
func (c *Coordinator) recordChunk(ctx context.Context, fileHash string, idx int) (*domain.Session, error) {
	unlock := c.locks.Lock(fileHash)
	defer unlock()

	s, err := c.repo.Get(ctx, fileHash)
	if err != nil {
		return nil, err
	}
	if _, err := s.RecordChunk(idx, c.now()); err != nil {
		return nil, err
	}

	var merge *domain.Session
	if s.Complete() {
		if err := s.BeginMerge(c.now()); err != nil {
			return nil, err
		}
		merge = s
	}
	if err := c.repo.Save(ctx, s); err != nil {
		return nil, err
	}
	return merge, nil
}

func (c *Coordinator) recordChunkError(ctx context.Context, fileHash string, idx int, cause error) {
	unlock := c.locks.Lock(fileHash)
	defer unlock()

	s, err := c.repo.Get(ctx, fileHash)
	if err != nil {
		return
	}
	s.RecordChunkError(idx, cause.Error(), c.now())
	if err := c.repo.Save(ctx, s); err != nil {
		c.log.Error(ctx, "failed to save chunk error", "file_hash", fileHash, "chunk", idx, "error", err)
	}
}

// merge concatenates the staged chunks into the project directory, hashing
// in the same pass, and closes the session.
func (c *Coordinator) merge(ctx context.Context, s *domain.Session) {
	ctx, span := c.tracer.Start(ctx, "upload.merge",
		trace.WithAttributes(
			attribute.String("file_hash", s.FileHash),
			attribute.Int("total_chunks", s.TotalChunks),
		))
	defer span.End()

	c.log.Info(ctx, "merging upload", "file_hash", s.FileHash, "file_name", s.FileName)
	outPath := filepath.Join(c.cfg.ProjectDir, s.FileName)
	computed, err := c.concatenate(s, outPath)
	if err == nil && !strings.EqualFold(computed, s.FileHash) {
		err = &domain.IntegrityError{Expected: s.FileHash, Computed: computed}
	}

	outcome := "completed"
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, "merge failed")
		c.log.Error(ctx, "upload merge failed", "file_hash", s.FileHash, "error", err)
	}
	if c.metrics != nil {
		c.metrics.IncMerges(ctx, outcome)
	}

	unlock := c.locks.Lock(s.FileHash)
	defer unlock()
	cur, getErr := c.repo.Get(ctx, s.FileHash)
	if getErr != nil {
		c.log.Error(ctx, "failed to reload session after merge", "file_hash", s.FileHash, "error", getErr)
		return
	}
	if err != nil {
		_ = cur.MarkFailed(err.Error(), c.now())
	} else {
		_ = cur.MarkCompleted(outPath, c.now())
	}
	if saveErr := c.repo.Save(ctx, cur); saveErr != nil {
		c.log.Error(ctx, "failed to save merged session", "file_hash", s.FileHash, "error", saveErr)
		return
	}

	if err == nil {
		c.log.Info(ctx, "upload merged and verified", "file_hash", s.FileHash, "path", outPath)
		c.wg.Add(1)
		go c.cleanup(ctx, s.FileHash)
	}
}

func (c *Coordinator) concatenate(s *domain.Session, outPath string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	defer out.Close()

	h := sha256.New()
	w := io.MultiWriter(out, h)
	dir := c.stagingDir(s.FileHash)
	for i := 0; i < s.TotalChunks; i++ {
		if err := appendChunk(w, filepath.Join(dir, strconv.Itoa(i))); err != nil {
			return "", fmt.Errorf("append chunk %d: %w", i, err)
		}
	}
	if err := out.Sync(); err != nil {
		return "", fmt.Errorf("sync artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func appendChunk(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (c *Coordinator) cleanup(ctx context.Context, fileHash string) {
	defer c.wg.Done()
	if err := os.RemoveAll(c.stagingDir(fileHash)); err != nil {
		c.log.Warn(ctx, "failed to remove staging dir", "file_hash", fileHash, "error", err)
	}
}

// Status returns a snapshot of the session for fileHash.
func (c *Coordinator) Status(ctx context.Context, fileHash string) (domain.Snapshot, error) {
	s, err := c.repo.Get(ctx, strings.ToLower(fileHash))
	if err != nil {
		return domain.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Session returns the full session for fileHash.
func (c *Coordinator) Session(ctx context.Context, fileHash string) (*domain.Session, error) {
	return c.repo.Get(ctx, strings.ToLower(fileHash))
}

// Wait blocks until every in-flight chunk write, merge and cleanup returns.
func (c *Coordinator) Wait() { c.wg.Wait() }
