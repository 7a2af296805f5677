package controlplane

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/fleet-armada/internal/app/provisioning"
	"github.com/ahrav/fleet-armada/internal/app/taskengine"
	domain "github.com/ahrav/fleet-armada/internal/domain/provisioning"
)

// SubmitInstallTask starts installing services on machineID and returns the
// task id at once. Each service is one subitem; a failed install is local to
// its subitem. Failing to reach or classify the machine fails the task.
func (s *Service) SubmitInstallTask(ctx context.Context, machineID string, services []domain.ServiceType) (string, error) {
	ctx, span := s.tracer.Start(ctx, "controlplane.submit_install",
		trace.WithAttributes(attribute.String("machine_id", machineID), attribute.Int("services", len(services))))
	defer span.End()

	names, err := subItemNames(services)
	if err != nil {
		return "", fmt.Errorf("submit install: %w", err)
	}
	services = append([]domain.ServiceType(nil), services...)

	return s.deps.InitTasks.Submit(ctx, taskengine.SubmitRequest{
		MachineID: machineID,
		SubItems:  names,
		Work: func(ctx context.Context, h *taskengine.Handle) error {
			return s.install(ctx, h, services)
		},
	})
}

func (s *Service) install(ctx context.Context, h *taskengine.Handle, services []domain.ServiceType) error {
	arena := provisioning.NewArena(s.deps.Credentials, s.deps.Channels, s.deps.Classifier)
	defer arena.Release()

	mh, err := arena.Acquire(ctx, h.MachineID())
	if err != nil {
		return err
	}
	s.log.Info(ctx, "installing services",
		"task_id", h.TaskID(),
		"machine_id", h.MachineID(),
		"os", mh.OS.String(),
	)

	for _, svc := range services {
		if h.Cancelled(ctx) {
			return nil
		}
		name := subItemName(svc)
		if err := h.StartItem(ctx, name); err != nil {
			if stopped(err) {
				return nil
			}
			return err
		}

		outcome, installErr := s.deps.Installer.Install(ctx, mh.Channel, mh.OS.Family, svc)
		mh.Observe(installErr)
		if installErr != nil {
			s.log.Warn(ctx, "service install failed",
				"task_id", h.TaskID(),
				"service", svc,
				"error", installErr,
			)
			err = h.FailItem(ctx, name, installErr)
		} else {
			s.log.Info(ctx, "service ready", "task_id", h.TaskID(), "service", svc, "outcome", outcome)
			err = h.CompleteItem(ctx, name)
		}
		if err != nil {
			if stopped(err) {
				return nil
			}
			return err
		}
	}
	return nil
}

// DetectOS classifies machineID over a pooled channel. Results are cached
// per machine.
func (s *Service) DetectOS(ctx context.Context, machineID string) (domain.OSDescriptor, error) {
	ctx, span := s.tracer.Start(ctx, "controlplane.detect_os", trace.WithAttributes(attribute.String("machine_id", machineID)))
	defer span.End()

	arena := provisioning.NewArena(s.deps.Credentials, s.deps.Channels, s.deps.Classifier)
	defer arena.Release()

	mh, err := arena.Acquire(ctx, machineID)
	if err != nil {
		return domain.OSDescriptor{}, err
	}
	return mh.OS, nil
}
