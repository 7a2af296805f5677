// Package controlplane is the operation surface of the fleet control plane.
// It composes the task engines, provisioning, reachability scanning and the
// upload coordinator behind one transport-agnostic Service.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/fleet-armada/internal/app/provisioning"
	"github.com/ahrav/fleet-armada/internal/app/reachability"
	"github.com/ahrav/fleet-armada/internal/app/taskengine"
	"github.com/ahrav/fleet-armada/internal/app/upload"
	domain "github.com/ahrav/fleet-armada/internal/domain/provisioning"
	"github.com/ahrav/fleet-armada/internal/domain/remote"
	"github.com/ahrav/fleet-armada/internal/domain/task"
	"github.com/ahrav/fleet-armada/pkg/common/logger"
)

// Deps are the collaborators a Service drives. Every field is required.
type Deps struct {
	Credentials remote.CredentialLookup
	// Channels lends pooled channels; *channelpool.Pool satisfies it.
	Channels provisioning.ChannelSource
	// Opener opens unpooled channels for connection tests.
	Opener     remote.Opener
	Classifier *provisioning.Classifier
	Installer  *provisioning.Installer
	Scanner    *reachability.Scanner
	Uploads    *upload.Coordinator

	InitTasks      *taskengine.Engine
	PortCheckTasks *taskengine.Engine
	DeployTasks    *taskengine.Engine
}

func (d Deps) validate() error {
	switch {
	case d.Credentials == nil:
		return errors.New("credentials lookup is required")
	case d.Channels == nil:
		return errors.New("channel source is required")
	case d.Opener == nil:
		return errors.New("channel opener is required")
	case d.Classifier == nil:
		return errors.New("classifier is required")
	case d.Installer == nil:
		return errors.New("installer is required")
	case d.Scanner == nil:
		return errors.New("scanner is required")
	case d.Uploads == nil:
		return errors.New("upload coordinator is required")
	case d.InitTasks == nil || d.PortCheckTasks == nil || d.DeployTasks == nil:
		return errors.New("init, portcheck and deploy task engines are required")
	}
	return nil
}

// Service implements every control plane operation.
type Service struct {
	deps    Deps
	engines []*taskengine.Engine

	log    *logger.Logger
	tracer trace.Tracer
}

// New creates a Service.
func New(deps Deps, log *logger.Logger, tracer trace.Tracer) (*Service, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("controlplane: %w", err)
	}
	return &Service{
		deps:    deps,
		engines: []*taskengine.Engine{deps.InitTasks, deps.PortCheckTasks, deps.DeployTasks},
		log:     log.With("component", "controlplane"),
		tracer:  tracer,
	}, nil
}

// engineFor routes a task id to the engine whose kind prefixes it.
func (s *Service) engineFor(taskID string) (*taskengine.Engine, error) {
	for _, e := range s.engines {
		if e.Owns(taskID) {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, taskID)
}

// GetTaskProgress returns the record of any task kind.
func (s *Service) GetTaskProgress(ctx context.Context, taskID string) (*task.Record, error) {
	e, err := s.engineFor(taskID)
	if err != nil {
		return nil, err
	}
	return e.Get(ctx, taskID)
}

// CancelTask cooperatively cancels any task kind.
func (s *Service) CancelTask(ctx context.Context, taskID string) error {
	e, err := s.engineFor(taskID)
	if err != nil {
		return err
	}
	return e.Cancel(ctx, taskID)
}

// Wait blocks until every background task and chunk write has finished.
func (s *Service) Wait() {
	for _, e := range s.engines {
		e.Wait()
	}
	s.deps.Uploads.Wait()
}

// subItemName is the subitem a service is tracked under.
func subItemName(svc domain.ServiceType) string { return strings.ToUpper(svc.String()) }

func subItemNames(services []domain.ServiceType) ([]string, error) {
	if len(services) == 0 {
		return nil, errors.New("at least one service is required")
	}
	names := make([]string, len(services))
	for i, svc := range services {
		if _, ok := svc.Ports(); !ok {
			return nil, fmt.Errorf("unknown service type %q", svc)
		}
		names[i] = subItemName(svc)
	}
	return names, nil
}

// stopped reports whether err means the task was cancelled underneath the
// worker, in which case the worker should return quietly.
func stopped(err error) bool { return errors.Is(err, task.ErrTaskTerminal) }
