package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/fleet-armada/internal/app/reachability"
	"github.com/ahrav/fleet-armada/internal/app/taskengine"
	domain "github.com/ahrav/fleet-armada/internal/domain/provisioning"
	"github.com/ahrav/fleet-armada/internal/domain/task"
)

// PortCheckResult maps each requested service to its reachability.
type PortCheckResult map[domain.ServiceType]reachability.ServiceResult

// SubmitPortCheck starts probing the ports of services on machineID and
// returns the task id at once. Unreachable ports are a result, not a failure.
func (s *Service) SubmitPortCheck(ctx context.Context, machineID string, services []domain.ServiceType) (string, error) {
	ctx, span := s.tracer.Start(ctx, "controlplane.submit_portcheck",
		trace.WithAttributes(attribute.String("machine_id", machineID), attribute.Int("services", len(services))))
	defer span.End()

	names, err := subItemNames(services)
	if err != nil {
		return "", fmt.Errorf("submit port check: %w", err)
	}
	services = append([]domain.ServiceType(nil), services...)

	return s.deps.PortCheckTasks.Submit(ctx, taskengine.SubmitRequest{
		MachineID: machineID,
		SubItems:  names,
		Work: func(ctx context.Context, h *taskengine.Handle) error {
			return s.portCheck(ctx, h, services)
		},
	})
}

func (s *Service) portCheck(ctx context.Context, h *taskengine.Handle, services []domain.ServiceType) error {
	target, err := s.deps.Credentials.Lookup(ctx, h.MachineID())
	if err != nil {
		return fmt.Errorf("resolving credentials for machine %s: %w", h.MachineID(), err)
	}

	var (
		mu     sync.Mutex
		result = make(PortCheckResult, len(services))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			name := subItemName(svc)
			if err := h.StartItem(gctx, name); err != nil {
				return err
			}
			res := s.deps.Scanner.ScanService(gctx, target.Host, svc)
			mu.Lock()
			result[svc] = res
			mu.Unlock()
			return h.CompleteItem(gctx, name)
		})
	}
	if err := g.Wait(); err != nil {
		if stopped(err) {
			return nil
		}
		return err
	}

	if err := h.SetResult(ctx, result); err != nil && !stopped(err) {
		return err
	}
	return nil
}

// GetPortCheckResult returns the per-service result of a port check task.
// It returns nil until the task has Completed.
func (s *Service) GetPortCheckResult(ctx context.Context, taskID string) (PortCheckResult, error) {
	rec, err := s.deps.PortCheckTasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if rec.Status != task.StatusCompleted || len(rec.Result) == 0 {
		return nil, nil
	}
	var out PortCheckResult
	if err := json.Unmarshal(rec.Result, &out); err != nil {
		return nil, fmt.Errorf("decode port check result for %s: %w", taskID, err)
	}
	return out, nil
}

// CheckSinglePort probes one port on machineID synchronously.
func (s *Service) CheckSinglePort(ctx context.Context, machineID string, port int) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "controlplane.check_port",
		trace.WithAttributes(attribute.String("machine_id", machineID), attribute.Int("port", port)))
	defer span.End()

	if port < 1 || port > 65535 {
		return false, fmt.Errorf("port %d out of range [1,65535]", port)
	}
	target, err := s.deps.Credentials.Lookup(ctx, machineID)
	if err != nil {
		return false, err
	}
	return s.deps.Scanner.CheckPort(ctx, target.Host, port), nil
}
