package taskengine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/fleet-armada/internal/domain/task"
)

// EngineMetrics records task engine activity.
type EngineMetrics interface {
	IncTasksSubmitted(ctx context.Context, kind task.Kind)
	IncTasksFinished(ctx context.Context, kind task.Kind, status task.Status)
	IncTasksCancelled(ctx context.Context, kind task.Kind)
	IncEventPublishErrors(ctx context.Context, kind task.Kind)
	TrackTask(ctx context.Context, kind task.Kind, f func())
}

type engineMetrics struct {
	tasksSubmitted     metric.Int64Counter
	tasksFinished      metric.Int64Counter
	tasksCancelled     metric.Int64Counter
	eventPublishErrors metric.Int64Counter
	activeTasks        metric.Int64UpDownCounter
	taskDuration       metric.Float64Histogram
}

const namespace = "taskengine"

// NewEngineMetrics creates the task engine instruments on mp.
func NewEngineMetrics(mp metric.MeterProvider) (*engineMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(engineMetrics)
	var err error

	if m.tasksSubmitted, err = meter.Int64Counter(
		"tasks_submitted_total",
		metric.WithDescription("Total number of tasks submitted"),
	); err != nil {
		return nil, err
	}

	if m.tasksFinished, err = meter.Int64Counter(
		"tasks_finished_total",
		metric.WithDescription("Total number of tasks that reached a terminal state"),
	); err != nil {
		return nil, err
	}

	if m.tasksCancelled, err = meter.Int64Counter(
		"tasks_cancelled_total",
		metric.WithDescription("Total number of cancel requests that stopped a task"),
	); err != nil {
		return nil, err
	}

	if m.eventPublishErrors, err = meter.Int64Counter(
		"task_event_publish_errors_total",
		metric.WithDescription("Total number of task events that could not be published"),
	); err != nil {
		return nil, err
	}

	if m.activeTasks, err = meter.Int64UpDownCounter(
		"active_tasks",
		metric.WithDescription("Number of task workers currently running"),
	); err != nil {
		return nil, err
	}

	if m.taskDuration, err = meter.Float64Histogram(
		"task_duration_seconds",
		metric.WithDescription("Time taken by a task worker"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func kindAttr(kind task.Kind) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("kind", kind.String()))
}

func (m *engineMetrics) IncTasksSubmitted(ctx context.Context, kind task.Kind) {
	m.tasksSubmitted.Add(ctx, 1, kindAttr(kind))
}

func (m *engineMetrics) IncTasksFinished(ctx context.Context, kind task.Kind, status task.Status) {
	m.tasksFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.String("status", status.String()),
	))
}

func (m *engineMetrics) IncTasksCancelled(ctx context.Context, kind task.Kind) {
	m.tasksCancelled.Add(ctx, 1, kindAttr(kind))
}

func (m *engineMetrics) IncEventPublishErrors(ctx context.Context, kind task.Kind) {
	m.eventPublishErrors.Add(ctx, 1, kindAttr(kind))
}

func (m *engineMetrics) TrackTask(ctx context.Context, kind task.Kind, f func()) {
	m.activeTasks.Add(ctx, 1, kindAttr(kind))
	defer m.activeTasks.Add(ctx, -1, kindAttr(kind))

	start := time.Now()
	f()
	m.taskDuration.Record(ctx, time.Since(start).Seconds(), kindAttr(kind))
}
