package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	domain "github.com/ahrav/fleet-armada/internal/domain/provisioning"
	"github.com/ahrav/fleet-armada/internal/domain/remote"
	"github.com/ahrav/fleet-armada/pkg/common/logger"
)

// Classifier detects a machine's operating system in two steps and caches the
// result per machine id for the life of the process.
type Classifier struct {
	registry *StrategyRegistry
	log      *logger.Logger
	tracer   trace.Tracer

	mu    sync.RWMutex
	cache map[string]domain.OSDescriptor
	group singleflight.Group
}

// NewClassifier creates a Classifier using the strategies in registry.
func NewClassifier(registry *StrategyRegistry, log *logger.Logger, tracer trace.Tracer) *Classifier {
	return &Classifier{
		registry: registry,
		log:      log,
		tracer:   tracer,
		cache:    make(map[string]domain.OSDescriptor),
	}
}

// Cached returns a previously classified descriptor.
func (c *Classifier) Cached(machineID string) (domain.OSDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.cache[machineID]
	return d, ok
}

// Forget drops the cached descriptor for machineID, e.g. after a reinstall.
func (c *Classifier) Forget(machineID string) {
	c.mu.Lock()
	delete(c.cache, machineID)
	c.mu.Unlock()
}

// Classify returns the cached descriptor for machineID or detects it over ch.
// Concurrent first-time calls for one machine share a single detection run.
func (c *Classifier) Classify(ctx context.Context, machineID string, ch remote.Channel) (domain.OSDescriptor, error) {
	if d, ok := c.Cached(machineID); ok {
		return d, nil
	}

	v, err, _ := c.group.Do(machineID, func() (any, error) {
		if d, ok := c.Cached(machineID); ok {
			return d, nil
		}
		d, err := c.detect(ctx, machineID, ch)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[machineID] = d
		c.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return domain.OSDescriptor{}, err
	}
	return v.(domain.OSDescriptor), nil
}

func (c *Classifier) detect(ctx context.Context, machineID string, ch remote.Channel) (domain.OSDescriptor, error) {
	ctx, span := c.tracer.Start(ctx, "provisioning.classifier.detect",
		trace.WithAttributes(attribute.String("machine_id", machineID)))
	defer span.End()

	fail := func(err error) (domain.OSDescriptor, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification failed")
		return domain.OSDescriptor{}, err
	}

	probe, err := runAllowingExitStatus(ctx, ch, familyProbeCommand)
	if err != nil {
		return fail(fmt.Errorf("probing os family: %w", err))
	}

	kind, ok := selectStrategy(probe)
	if !ok {
		return fail(&domain.ClassificationError{MachineID: machineID, Stage: "family probe", Raw: strings.TrimSpace(probe)})
	}
	strategy, err := c.registry.Lookup(kind)
	if err != nil {
		return fail(err)
	}

	out, err := runAllowingExitStatus(ctx, ch, strategy.DetectCommand())
	if err != nil {
		return fail(fmt.Errorf("running %s detection: %w", kind, err))
	}

	d, ok := strategy.Parse(out)
	if !ok {
		return fail(&domain.ClassificationError{MachineID: machineID, Stage: string(kind) + " detection", Raw: strings.TrimSpace(out)})
	}

	span.SetAttributes(
		attribute.String("os.family", d.Family.String()),
		attribute.String("os.version", d.Version),
	)
	c.log.Info(ctx, "os classified", "machine_id", machineID, "family", d.Family, "os", d.String())
	return d, nil
}

// runAllowingExitStatus returns whatever the command printed. A non-zero exit
// is tolerated because "a || b" fallbacks still print useful output when the
// last alternative fails; transport failures and timeouts are returned.
func runAllowingExitStatus(ctx context.Context, ch remote.Channel, command string) (string, error) {
	res, err := ch.Execute(ctx, command, 0)
	if err == nil {
		return res.Stdout, nil
	}
	var cmdErr *remote.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Kind == remote.KindNonZeroExit {
		return res.Stdout + res.Stderr, nil
	}
	return "", err
}
