// Package reachability checks whether a machine's service ports get through
// the network path between the control plane and the machine. A refused
// connection counts as reachable: only silently dropped traffic does not.
package reachability

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	domain "github.com/ahrav/fleet-armada/internal/domain/provisioning"
	"github.com/ahrav/fleet-armada/pkg/common"
	"github.com/ahrav/fleet-armada/pkg/common/logger"
)

// Config tunes probe fan-out.
type Config struct {
	// MaxInFlight caps concurrent probes within one range or set scan.
	MaxInFlight int
	// ProbesPerSecond paces probe starts across the scanner; 0 disables pacing.
	ProbesPerSecond float64
	// Burst is the number of probes that may start back to back.
	Burst int
}

// DefaultConfig returns the production fan-out settings.
func DefaultConfig() Config {
	return Config{MaxInFlight: 128, ProbesPerSecond: 1000, Burst: 128}
}

// Scanner dispatches service port checks by probe policy.
type Scanner struct {
	cfg     Config
	prober  Prober
	limiter *common.RateLimiter
	metrics ScannerMetrics

	log    *logger.Logger
	tracer trace.Tracer
}

// NewScanner creates a Scanner. A nil metrics disables instrumentation.
func NewScanner(cfg Config, prober Prober, metrics ScannerMetrics, log *logger.Logger, tracer trace.Tracer) *Scanner {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultConfig().MaxInFlight
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.MaxInFlight
	}
	return &Scanner{
		cfg:     cfg,
		prober:  prober,
		limiter: common.NewRateLimiter(cfg.ProbesPerSecond, cfg.Burst),
		metrics: metrics,
		log:     log.With("component", "reachability"),
		tracer:  tracer,
	}
}

func (s *Scanner) probe(ctx context.Context, host string, port int) ProbeState {
	state := s.prober.Probe(ctx, host, port)
	if s.metrics != nil {
		s.metrics.IncProbes(ctx, state)
	}
	return state
}

// errUnreachable stops a fast-fail scan at the first filtered port.
var errUnreachable = errors.New("port unreachable")

// FastFailRange reports whether every port is reachable. The first filtered
// port cancels the remaining probes and the scan reports false.
func (s *Scanner) FastFailRange(ctx context.Context, host string, ports []int) bool {
	ctx, span := s.tracer.Start(ctx, "reachability.fast_fail_range",
		trace.WithAttributes(attribute.String("host", host), attribute.Int("ports", len(ports))))
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxInFlight)

	for _, port := range ports {
		if gctx.Err() != nil {
			break
		}
		port := port
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				return err
			}
			state := s.probe(gctx, host, port)
			// A probe that finished after cancellation may have observed a
			// half-torn-down context; its answer is not trusted.
			if err := gctx.Err(); err != nil {
				return err
			}
			if !state.Reachable() {
				s.log.Debug(gctx, "range port filtered", "host", host, "port", port)
				return errUnreachable
			}
			return nil
		})
	}

	ok := g.Wait() == nil
	span.SetAttributes(attribute.Bool("reachable", ok))
	return ok
}

// ParallelPorts probes every port to completion and returns the results in
// the order of ports.
func (s *Scanner) ParallelPorts(ctx context.Context, host string, ports []int) PortMap {
	ctx, span := s.tracer.Start(ctx, "reachability.parallel_ports",
		trace.WithAttributes(attribute.String("host", host), attribute.Int("ports", len(ports))))
	defer span.End()

	out := make(PortMap, len(ports))
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxInFlight)

	for i, port := range ports {
		i, port := i, port
		out[i].Port = port
		g.Go(func() error {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
			out[i].Reachable = s.probe(ctx, host, port).Reachable()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// CheckPort reports whether a single port is reachable.
func (s *Scanner) CheckPort(ctx context.Context, host string, port int) bool {
	ctx, span := s.tracer.Start(ctx, "reachability.check_port",
		trace.WithAttributes(attribute.String("host", host), attribute.Int("port", port)))
	defer span.End()

	if err := s.limiter.Wait(ctx); err != nil {
		return false
	}
	ok := s.probe(ctx, host, port).Reachable()
	span.SetAttributes(attribute.Bool("reachable", ok))
	return ok
}

// ScanService checks one service according to its probe policy.
func (s *Scanner) ScanService(ctx context.Context, host string, service domain.ServiceType) ServiceResult {
	spec, ok := service.Ports()
	if !ok {
		return ServiceResult{}
	}
	switch spec.Policy {
	case domain.ProbeRange:
		return ServiceResult{Reachable: s.FastFailRange(ctx, host, spec.Expand())}
	case domain.ProbeSet:
		pm := s.ParallelPorts(ctx, host, spec.Expand())
		return ServiceResult{Reachable: pm.AllReachable(), Ports: pm}
	default:
		ports := spec.Expand()
		if len(ports) == 0 {
			return ServiceResult{}
		}
		return ServiceResult{Reachable: s.CheckPort(ctx, host, ports[0])}
	}
}

// ScanServices checks every service concurrently.
func (s *Scanner) ScanServices(ctx context.Context, host string, services []domain.ServiceType) map[domain.ServiceType]ServiceResult {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[domain.ServiceType]ServiceResult, len(services))
	)
	for _, svc := range services {
		wg.Add(1)
		go func(svc domain.ServiceType) {
			defer wg.Done()
			res := s.ScanService(ctx, host, svc)
			mu.Lock()
			out[svc] = res
			mu.Unlock()
		}(svc)
	}
	wg.Wait()
	return out
}
