package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/fleet-armada/internal/domain/remote"
)

// TransferFile uploads localPath to remotePath over sftp, creating missing
// parent directories, and verifies the remote size afterwards.
func (c *Channel) TransferFile(ctx context.Context, localPath, remotePath string) error {
	ctx, span := c.tracer.Start(ctx, "ssh.channel.transfer_file",
		trace.WithAttributes(
			attribute.String("machine_id", c.target.MachineID),
			attribute.String("local_path", localPath),
			attribute.String("remote_path", remotePath),
		))
	defer span.End()

	if err := c.transferFile(ctx, localPath, remotePath); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transfer failed")
		return c.transferError(localPath, remotePath, err)
	}
	return nil
}

func (c *Channel) transferFile(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening local file: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat local file: %w", err)
	}

	client, err := c.sftp(ctx)
	if err != nil {
		return err
	}

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return fmt.Errorf("creating remote directory %s: %w", dir, err)
		}
	}

	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("creating remote file: %w", err)
	}
	written, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil {
		return fmt.Errorf("writing remote file: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing remote file: %w", closeErr)
	}

	remoteInfo, err := client.Stat(remotePath)
	if err != nil {
		return fmt.Errorf("verifying remote file: %w", err)
	}
	if remoteInfo.Size() != info.Size() {
		return fmt.Errorf("verification failed: remote size %d, local size %d (wrote %d)",
			remoteInfo.Size(), info.Size(), written)
	}

	c.log.Debug(ctx, "file transferred", "remote_path", remotePath, "bytes", written)
	return nil
}

// TransferDirectory copies localDir into remoteDir by archiving it locally,
// uploading the archive, extracting it remotely and removing both archives.
func (c *Channel) TransferDirectory(ctx context.Context, localDir, remoteDir string) error {
	ctx, span := c.tracer.Start(ctx, "ssh.channel.transfer_directory",
		trace.WithAttributes(
			attribute.String("machine_id", c.target.MachineID),
			attribute.String("local_dir", localDir),
			attribute.String("remote_dir", remoteDir),
		))
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, "directory transfer failed")
		return c.transferError(localDir, remoteDir, err)
	}

	archive, err := createArchive(localDir)
	if err != nil {
		return fail(fmt.Errorf("creating local archive: %w", err))
	}
	defer os.Remove(archive)

	remoteArchive := path.Join(c.cfg.RemoteTempDir, filepath.Base(archive))
	if err := c.transferFile(ctx, archive, remoteArchive); err != nil {
		return fail(fmt.Errorf("uploading archive: %w", err))
	}
	defer func() {
		if _, err := c.run(ctx, "rm -f "+shellQuote(remoteArchive), 0); err != nil {
			c.log.Warn(ctx, "removing remote archive failed", "remote_path", remoteArchive, "error", err)
		}
	}()

	steps := []string{
		"mkdir -p " + shellQuote(remoteDir),
		"tar -xzf " + shellQuote(remoteArchive) + " -C " + shellQuote(remoteDir),
	}
	for _, cmd := range steps {
		if _, err := c.run(ctx, cmd, 0); err != nil {
			return fail(fmt.Errorf("remote extract: %w", err))
		}
	}

	c.log.Info(ctx, "directory transferred", "local_dir", localDir, "remote_dir", remoteDir)
	return nil
}

func (c *Channel) transferError(local, remotePath string, err error) error {
	return &remote.TransferError{MachineID: c.target.MachineID, LocalPath: local, RemotePath: remotePath, Err: err}
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
