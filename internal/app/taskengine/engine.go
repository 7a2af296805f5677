// Package taskengine runs long-lived background operations and tracks them as
// task records that callers poll. Each use site owns one Engine with its own
// id prefix and retention window.
package taskengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ahrav/fleet-armada/internal/domain/task"
	"github.com/ahrav/fleet-armada/pkg/common"
	"github.com/ahrav/fleet-armada/pkg/common/logger"
)

// WorkFunc is the body of a task. It reports subitem progress through h and
// returns an error to fail the whole task.
type WorkFunc func(ctx context.Context, h *Handle) error

// SubmitRequest describes a task to start.
type SubmitRequest struct {
	MachineID string
	SubItems  []string
	Work      WorkFunc
}

// Engine persists task records and runs their workers.
type Engine struct {
	cfg       Config
	repo      task.Repository
	publisher task.EventPublisher
	metrics   EngineMetrics

	sem   *semaphore.Weighted
	locks *common.KeyedMutex
	wg    sync.WaitGroup

	now   func() time.Time
	newID func(task.Kind) string

	log    *logger.Logger
	tracer trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher emits a task.Event on every status change.
func WithPublisher(p task.EventPublisher) Option { return func(e *Engine) { e.publisher = p } }

// WithMetrics records engine activity.
func WithMetrics(m EngineMetrics) Option { return func(e *Engine) { e.metrics = m } }

// WithClock overrides the time source stamped into records.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an Engine for the use site described by cfg.
func New(cfg Config, repo task.Repository, log *logger.Logger, tracer trace.Tracer, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:    cfg,
		repo:   repo,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		locks:  common.NewKeyedMutex(),
		now:    time.Now,
		newID:  newTaskID,
		log:    log.With("component", "taskengine", "kind", cfg.Kind.String()),
		tracer: tracer,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func newTaskID(kind task.Kind) string {
	return kind.String() + "-" + uuid.NewString()[:8]
}

// Kind returns the kind prefix of ids issued by e.
func (e *Engine) Kind() task.Kind { return e.cfg.Kind }

// Owns reports whether id was issued by an engine of this kind.
func (e *Engine) Owns(id string) bool { return strings.HasPrefix(id, e.cfg.Kind.String()+"-") }

// Submit persists a Pending record and starts its worker. It returns as soon
// as the record is stored.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	ctx, span := e.tracer.Start(ctx, "taskengine.submit",
		trace.WithAttributes(
			attribute.String("kind", e.cfg.Kind.String()),
			attribute.String("machine_id", req.MachineID),
			attribute.Int("sub_items", len(req.SubItems)),
		))
	defer span.End()

	if req.Work == nil {
		return "", errors.New("submit task: work func is required")
	}
	if err := uniqueNames(req.SubItems); err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}

	id := e.newID(e.cfg.Kind)
	span.SetAttributes(attribute.String("task_id", id))

	rec := task.NewRecord(id, e.cfg.Kind, req.MachineID, req.SubItems, e.now())
	if err := e.repo.Save(ctx, rec, e.cfg.Retention); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist task")
		return "", fmt.Errorf("submit task: %w", err)
	}
	e.publish(ctx, rec)
	if e.metrics != nil {
		e.metrics.IncTasksSubmitted(ctx, e.cfg.Kind)
	}

	e.wg.Add(1)
	go e.run(context.WithoutCancel(ctx), id, req.MachineID, req.Work)

	e.log.Info(ctx, "task submitted", "task_id", id, "machine_id", req.MachineID)
	return id, nil
}

func uniqueNames(names []string) error {
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			return fmt.Errorf("duplicate subitem %q", n)
		}
		seen[n] = struct{}{}
	}
	return nil
}

func (e *Engine) run(ctx context.Context, id, machineID string, work WorkFunc) {
	defer e.wg.Done()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.log.Error(ctx, "failed to acquire worker slot", "task_id", id, "error", err)
		return
	}
	defer e.sem.Release(1)

	ctx, span := e.tracer.Start(ctx, "taskengine.run",
		trace.WithAttributes(
			attribute.String("task_id", id),
			attribute.String("machine_id", machineID),
		))
	defer span.End()

	if _, err := e.update(ctx, id, func(rec *task.Record) error { return rec.Start(e.now()) }); err != nil {
		if errors.Is(err, task.ErrTaskTerminal) {
			e.log.Info(ctx, "task cancelled before start", "task_id", id)
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start task")
		e.log.Error(ctx, "failed to start task", "task_id", id, "error", err)
		return
	}

	h := &Handle{engine: e, taskID: id, machineID: machineID}
	var workErr error
	track := func() { workErr = e.invoke(ctx, work, h) }
	if e.metrics != nil {
		e.metrics.TrackTask(ctx, e.cfg.Kind, track)
	} else {
		track()
	}
	if workErr != nil {
		span.RecordError(workErr)
		span.SetStatus(codes.Error, "task work failed")
	}

	rec, err := e.update(ctx, id, func(rec *task.Record) error {
		now := e.now()
		switch {
		case workErr != nil:
			return rec.Fail(now, workErr.Error())
		case rec.FailureSummary() != "":
			return rec.Fail(now, rec.FailureSummary())
		default:
			return rec.Complete(now)
		}
	})
	if err != nil {
		if errors.Is(err, task.ErrTaskTerminal) {
			e.log.Info(ctx, "task finished after cancellation; result discarded", "task_id", id)
			return
		}
		e.log.Error(ctx, "failed to finish task", "task_id", id, "error", err)
		return
	}

	if e.metrics != nil {
		e.metrics.IncTasksFinished(ctx, e.cfg.Kind, rec.Status)
	}
	e.log.Info(ctx, "task finished",
		"task_id", id,
		"status", rec.Status.String(),
		"progress", rec.Progress,
		"error", rec.ErrorMessage,
	)
}

// invoke runs work, converting a panic into a task failure.
func (e *Engine) invoke(ctx context.Context, work WorkFunc, h *Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error(ctx, "task worker panicked", "task_id", h.taskID, "panic", r)
			err = fmt.Errorf("task worker panicked: %v", r)
		}
	}()
	return work(ctx, h)
}

// update applies mutate to the stored record under the task's lock and
// persists the result with a refreshed retention window.
func (e *Engine) update(ctx context.Context, id string, mutate func(*task.Record) error) (*task.Record, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	rec, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := rec.Status
	if err := mutate(rec); err != nil {
		return nil, err
	}
	if err := e.repo.Save(ctx, rec, e.cfg.Retention); err != nil {
		return nil, err
	}
	if rec.Status != prev {
		e.publish(ctx, rec)
	}
	return rec, nil
}

func (e *Engine) publish(ctx context.Context, rec *task.Record) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishTaskEvent(ctx, task.NewEvent(rec, e.now())); err != nil {
		if e.metrics != nil {
			e.metrics.IncEventPublishErrors(ctx, e.cfg.Kind)
		}
		e.log.Warn(ctx, "failed to publish task event", "task_id", rec.ID, "status", rec.Status.String(), "error", err)
	}
}

// Get returns the current record for id.
func (e *Engine) Get(ctx context.Context, id string) (*task.Record, error) {
	return e.repo.Get(ctx, id)
}

// Cancel marks the task Cancelled along with its unstarted subitems. The
// worker is not interrupted; its later updates are rejected. Cancelling a
// finished task does nothing.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "taskengine.cancel", trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	var alreadyTerminal bool
	_, err := e.update(ctx, id, func(rec *task.Record) error {
		if rec.Status.IsTerminal() {
			alreadyTerminal = true
			return errNoChange
		}
		return rec.Cancel(e.now())
	})
	if alreadyTerminal {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to cancel task")
		return fmt.Errorf("cancel task %s: %w", id, err)
	}

	if e.metrics != nil {
		e.metrics.IncTasksCancelled(ctx, e.cfg.Kind)
	}
	e.log.Info(ctx, "task cancelled", "task_id", id)
	return nil
}

var errNoChange = errors.New("no change")

// Wait blocks until every worker started by e has returned.
func (e *Engine) Wait() { e.wg.Wait() }
