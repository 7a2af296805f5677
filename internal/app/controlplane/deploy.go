package controlplane

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/fleet-armada/internal/app/taskengine"
	"github.com/ahrav/fleet-armada/internal/domain/remote"
	domain "github.com/ahrav/fleet-armada/internal/domain/upload"
)

// Deploy subitems, in execution order.
const (
	deployStepTransfer = "transfer"
	deployStepVerify   = "verify"
	deployStepDone     = "done"
)

// ErrUploadNotCompleted is returned when deploying an artifact whose upload
// has not been merged and verified.
var ErrUploadNotCompleted = errors.New("upload not completed")

// SubmitDeploy copies the merged artifact of fileHash into remoteDir on
// machineID. The upload must be Completed.
func (s *Service) SubmitDeploy(ctx context.Context, machineID, fileHash, remoteDir string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "controlplane.submit_deploy",
		trace.WithAttributes(attribute.String("machine_id", machineID), attribute.String("file_hash", fileHash)))
	defer span.End()

	if !path.IsAbs(remoteDir) {
		return "", fmt.Errorf("submit deploy: remote dir %q must be absolute", remoteDir)
	}
	sess, err := s.deps.Uploads.Session(ctx, fileHash)
	if err != nil {
		return "", fmt.Errorf("submit deploy: %w", err)
	}
	if sess.Status != domain.StatusCompleted {
		return "", fmt.Errorf("submit deploy: %w: %s is %s", ErrUploadNotCompleted, sess.FileHash, sess.Status)
	}

	local := sess.FilePath
	remotePath := path.Join(remoteDir, sess.FileName)

	return s.deps.DeployTasks.Submit(ctx, taskengine.SubmitRequest{
		MachineID: machineID,
		SubItems:  []string{deployStepTransfer, deployStepVerify, deployStepDone},
		Work: func(ctx context.Context, h *taskengine.Handle) error {
			return s.deploy(ctx, h, local, remotePath)
		},
	})
}

func (s *Service) deploy(ctx context.Context, h *taskengine.Handle, local, remotePath string) error {
	target, err := s.deps.Credentials.Lookup(ctx, h.MachineID())
	if err != nil {
		return fmt.Errorf("resolving credentials for machine %s: %w", h.MachineID(), err)
	}
	ch, err := s.deps.Channels.Borrow(ctx, target)
	if err != nil {
		return err
	}
	broken := false
	defer func() {
		if broken || !ch.IsOpen() {
			s.deps.Channels.Invalidate(target, ch)
			return
		}
		s.deps.Channels.Return(target, ch)
	}()

	steps := []struct {
		name string
		run  func() error
	}{
		{deployStepTransfer, func() error { return ch.TransferFile(ctx, local, remotePath) }},
		{deployStepVerify, func() error {
			_, err := ch.Execute(ctx, "ls -l "+quote(remotePath), remote.DefaultValidationTimeout)
			return err
		}},
		{deployStepDone, func() error { return nil }},
	}

	for _, step := range steps {
		if err := h.StartItem(ctx, step.name); err != nil {
			if stopped(err) {
				return nil
			}
			return err
		}
		if stepErr := step.run(); stepErr != nil {
			var cmdErr *remote.CommandError
			if errors.As(stepErr, &cmdErr) && cmdErr.BreaksChannel() {
				broken = true
			}
			s.log.Warn(ctx, "deploy step failed", "task_id", h.TaskID(), "step", step.name, "error", stepErr)
			if err := h.FailItem(ctx, step.name, stepErr); err != nil && !stopped(err) {
				return err
			}
			// Later steps depend on this one.
			return fmt.Errorf("deploy step %s failed: %w", step.name, stepErr)
		}
		if err := h.CompleteItem(ctx, step.name); err != nil {
			if stopped(err) {
				return nil
			}
			return err
		}
	}
	s.log.Info(ctx, "artifact deployed", "task_id", h.TaskID(), "machine_id", h.MachineID(), "path", remotePath)
	return nil
}

// quote wraps s in single quotes for a POSIX shell.
func quote(s string) string { return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'" }

// TestConnection opens an unpooled channel to machineID and runs a trivial
// command. Failures are returned as *remote.ConnectionError.
func (s *Service) TestConnection(ctx context.Context, machineID string) error {
	ctx, span := s.tracer.Start(ctx, "controlplane.test_connection", trace.WithAttributes(attribute.String("machine_id", machineID)))
	defer span.End()

	target, err := s.deps.Credentials.Lookup(ctx, machineID)
	if err != nil {
		return err
	}

	ch, err := s.deps.Opener.Open(ctx, target)
	if err != nil {
		var connErr *remote.ConnectionError
		if errors.As(err, &connErr) {
			return connErr
		}
		return remote.NewConnectionError(target, err)
	}
	defer ch.Close()

	res, err := ch.Execute(ctx, "echo ok", remote.DefaultValidationTimeout)
	if err != nil {
		return remote.NewConnectionError(target, err)
	}
	if strings.TrimSpace(res.Stdout) != "ok" {
		return remote.NewConnectionError(target, fmt.Errorf("protocol: unexpected probe output %q", res.Stdout))
	}
	s.log.Info(ctx, "connection test passed", "machine_id", machineID)
	return nil
}
