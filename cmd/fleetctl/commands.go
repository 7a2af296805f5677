package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/ahrav/fleet-armada/internal/app/controlplane"
	"github.com/ahrav/fleet-armada/internal/app/upload"
	"github.com/ahrav/fleet-armada/internal/config"
	domain "github.com/ahrav/fleet-armada/internal/domain/provisioning"
	"github.com/ahrav/fleet-armada/internal/domain/task"
	"github.com/ahrav/fleet-armada/internal/infra/storage"
	"github.com/ahrav/fleet-armada/pkg/common/logger"
)

type execFunc func(ctx context.Context, cfg *config.Config, log *logger.Logger) error

type command struct {
	name    string
	summary string
	// setup registers the command's flags and returns its runner.
	setup func(fs *pflag.FlagSet) execFunc
}

var commands = []command{
	{name: "install", summary: "install services on a machine", setup: installCmd},
	{name: "progress", summary: "show task progress", setup: progressCmd},
	{name: "cancel", summary: "cancel a running task", setup: cancelCmd},
	{name: "portcheck", summary: "check service port reachability", setup: portCheckCmd},
	{name: "port", summary: "check a single port", setup: portCmd},
	{name: "upload", summary: "upload an artifact in chunks", setup: uploadCmd},
	{name: "status", summary: "show upload session status", setup: statusCmd},
	{name: "deploy", summary: "deploy an uploaded artifact", setup: deployCmd},
	{name: "test", summary: "test the connection to a machine", setup: testCmd},
	{name: "detect", summary: "detect a machine's operating system", setup: detectCmd},
	{name: "migrate", summary: "apply postgres record store migrations", setup: migrateCmd},
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// withService builds the control plane, runs fn and tears everything down.
func withService(fn func(ctx context.Context, svc *controlplane.Service) error) execFunc {
	return func(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(ctx))
		return fn(ctx, a.svc)
	}
}

func required(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("--%s is required", name)
	}
	return nil
}

const pollInterval = time.Second

// submitted prints the task id and, when wait is set, polls until the task
// reaches a terminal state.
func submitted(ctx context.Context, svc *controlplane.Service, taskID string, wait bool) error {
	if !wait {
		return printJSON(map[string]string{"task_id": taskID})
	}
	rec, err := awaitTask(ctx, svc, taskID)
	if err != nil {
		return err
	}
	if err := printJSON(rec); err != nil {
		return err
	}
	if rec.Status == task.StatusFailed {
		return fmt.Errorf("task %s failed: %s", taskID, rec.ErrorMessage)
	}
	return nil
}

func awaitTask(ctx context.Context, svc *controlplane.Service, taskID string) (*task.Record, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		rec, err := svc.GetTaskProgress(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if rec.Status.IsTerminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func installCmd(fs *pflag.FlagSet) execFunc {
	machine := fs.String("machine", "", "machine id")
	services := fs.StringSlice("services", nil, "services to install")
	wait := fs.Bool("wait", false, "wait for the task to finish")

	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		if err := required("machine", *machine); err != nil {
			return err
		}
		list, err := domain.ParseServiceList(*services)
		if err != nil {
			return err
		}
		id, err := svc.SubmitInstallTask(ctx, *machine, list)
		if err != nil {
			return err
		}
		return submitted(ctx, svc, id, *wait)
	})
}

func progressCmd(fs *pflag.FlagSet) execFunc {
	taskID := fs.String("task", "", "task id")

	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		if err := required("task", *taskID); err != nil {
			return err
		}
		rec, err := svc.GetTaskProgress(ctx, *taskID)
		if err != nil {
			return err
		}
		return printJSON(rec)
	})
}

func cancelCmd(fs *pflag.FlagSet) execFunc {
	taskID := fs.String("task", "", "task id")

	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		if err := required("task", *taskID); err != nil {
			return err
		}
		return svc.CancelTask(ctx, *taskID)
	})
}

func portCheckCmd(fs *pflag.FlagSet) execFunc {
	machine := fs.String("machine", "", "machine id")
	services := fs.StringSlice("services", nil, "services whose ports to check")
	wait := fs.Bool("wait", false, "wait for the task and print the result")

	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		if err := required("machine", *machine); err != nil {
			return err
		}
		list, err := domain.ParseServiceList(*services)
		if err != nil {
			return err
		}
		id, err := svc.SubmitPortCheck(ctx, *machine, list)
		if err != nil {
			return err
		}
		if !*wait {
			return submitted(ctx, svc, id, false)
		}
		rec, err := awaitTask(ctx, svc, id)
		if err != nil {
			return err
		}
		if rec.Status != task.StatusCompleted {
			return fmt.Errorf("port check %s ended %s: %s", id, rec.Status, rec.ErrorMessage)
		}
		res, err := svc.GetPortCheckResult(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}

func portCmd(fs *pflag.FlagSet) execFunc {
	machine := fs.String("machine", "", "machine id")
	port := fs.Int("port", 0, "tcp port")

	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		if err := required("machine", *machine); err != nil {
			return err
		}
		ok, err := svc.CheckSinglePort(ctx, *machine, *port)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"machine": *machine, "port": *port, "reachable": ok})
	})
}

const defaultChunkSize = 5 << 20

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func uploadCmd(fs *pflag.FlagSet) execFunc {
	file := fs.String("file", "", "local file to upload")
	chunkSize := fs.Int64("chunk-size", defaultChunkSize, "chunk size in bytes")
	batch := fs.Int("batch", 4, "chunks sent per request")

	return func(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
		if err := required("file", *file); err != nil {
			return err
		}
		if *batch < 1 {
			return errors.New("--batch must be positive")
		}
		hash, size, err := hashFile(*file)
		if err != nil {
			return fmt.Errorf("hashing %s: %w", *file, err)
		}
		total := int((size + *chunkSize - 1) / *chunkSize)
		if total == 0 {
			return errors.New("cannot upload an empty file")
		}

		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(ctx))

		if err := a.svc.InitUpload(ctx, upload.InitRequest{
			FileHash:    hash,
			FileName:    filepath.Base(*file),
			TotalChunks: total,
			ChunkSize:   *chunkSize,
		}); err != nil {
			return err
		}

		f, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer f.Close()

		pending := make([]upload.Chunk, 0, *batch)
		flush := func() error {
			if len(pending) == 0 {
				return nil
			}
			accepted, err := a.svc.UploadChunks(ctx, hash, pending)
			if err != nil {
				return err
			}
			log.Debug(ctx, "chunks accepted", "file_hash", hash, "accepted", len(accepted))
			pending = pending[:0]
			return nil
		}
		for idx := 0; idx < total; idx++ {
			buf := make([]byte, *chunkSize)
			n, err := io.ReadFull(f, buf)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("reading chunk %d: %w", idx, err)
			}
			pending = append(pending, upload.Chunk{Name: fmt.Sprintf("%d.part", idx), Data: buf[:n]})
			if len(pending) == *batch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := flush(); err != nil {
			return err
		}

		// Writes and the merge run in the background.
		a.svc.Wait()
		snap, err := a.svc.GetUploadStatus(ctx, hash)
		if err != nil {
			return err
		}
		return printJSON(snap)
	}
}

func statusCmd(fs *pflag.FlagSet) execFunc {
	hash := fs.String("hash", "", "sha256 of the artifact")

	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		if err := required("hash", *hash); err != nil {
			return err
		}
		snap, err := svc.GetUploadStatus(ctx, *hash)
		if err != nil {
			return err
		}
		return printJSON(snap)
	})
}

func deployCmd(fs *pflag.FlagSet) execFunc {
	machine := fs.String("machine", "", "machine id")
	hash := fs.String("hash", "", "sha256 of a completed upload")
	dir := fs.String("dir", "", "absolute remote directory")
	wait := fs.Bool("wait", false, "wait for the task to finish")

	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		if err := errors.Join(
			required("machine", *machine),
			required("hash", *hash),
			required("dir", *dir),
		); err != nil {
			return err
		}
		id, err := svc.SubmitDeploy(ctx, *machine, *hash, *dir)
		if err != nil {
			return err
		}
		return submitted(ctx, svc, id, *wait)
	})
}

func testCmd(fs *pflag.FlagSet) execFunc {
	machine := fs.String("machine", "", "machine id")

	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		if err := required("machine", *machine); err != nil {
			return err
		}
		if err := svc.TestConnection(ctx, *machine); err != nil {
			return err
		}
		return printJSON(map[string]any{"machine": *machine, "connected": true})
	})
}

func detectCmd(fs *pflag.FlagSet) execFunc {
	machine := fs.String("machine", "", "machine id")

	return withService(func(ctx context.Context, svc *controlplane.Service) error {
		if err := required("machine", *machine); err != nil {
			return err
		}
		desc, err := svc.DetectOS(ctx, *machine)
		if err != nil {
			return err
		}
		return printJSON(desc)
	})
}

func migrateCmd(fs *pflag.FlagSet) execFunc {
	source := fs.String("migrations", storage.MigrationsPath(), "migration source url")

	return func(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
		if cfg.Store.Driver != config.StoreDriverPostgres {
			return fmt.Errorf("migrations require the postgres store driver, have %q", cfg.Store.Driver)
		}
		pool, err := openPostgres(ctx, log, cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := storage.RunMigrations(pool, *source); err != nil {
			return err
		}
		log.Info(ctx, "migrations applied", "source", *source)
		return nil
	}
}
