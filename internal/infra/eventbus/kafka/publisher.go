package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/fleet-armada/internal/domain/task"
	"github.com/ahrav/fleet-armada/pkg/common/logger"
)

var _ task.EventPublisher = (*TaskEventPublisher)(nil)

// TaskEventPublisher writes task events to one topic keyed by task id.
type TaskEventPublisher struct {
	producer   sarama.SyncProducer
	topic      string
	propagator propagation.TextMapPropagator

	log     *logger.Logger
	metrics PublisherMetrics
	tracer  trace.Tracer
}

// NewTaskEventPublisher wraps producer. The global otel propagator injects
// trace context into message headers. A nil metrics disables counting.
func NewTaskEventPublisher(
	producer sarama.SyncProducer,
	topic string,
	log *logger.Logger,
	metrics PublisherMetrics,
	tracer trace.Tracer,
) *TaskEventPublisher {
	return &TaskEventPublisher{
		producer:   producer,
		topic:      topic,
		propagator: otel.GetTextMapPropagator(),
		log:        log,
		metrics:    metrics,
		tracer:     tracer,
	}
}

// PublishTaskEvent sends evt and waits for the broker acknowledgement.
func (p *TaskEventPublisher) PublishTaskEvent(ctx context.Context, evt task.Event) error {
	ctx, span := p.tracer.Start(ctx, "kafka.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", p.topic),
			attribute.String("messaging.operation", "publish"),
			attribute.String("task_id", evt.TaskID),
			attribute.String("status", evt.Status.String()),
		))
	defer span.End()

	value, err := encodeTaskEvent(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode event")
		p.incError(ctx)
		return fmt.Errorf("failed to encode task event %s: %w", evt.TaskID, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(evt.TaskID),
		Value: sarama.ByteEncoder(value),
	}
	p.propagator.Inject(ctx, headerCarrier{msg: msg})

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		p.incError(ctx)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", p.topic, err)
	}

	if p.metrics != nil {
		p.metrics.IncMessagePublished(ctx, p.topic)
	}
	p.log.Debug(ctx, "published task event",
		"topic", p.topic,
		"partition", partition,
		"offset", offset,
		"task_id", evt.TaskID,
		"status", evt.Status,
	)
	return nil
}

func (p *TaskEventPublisher) incError(ctx context.Context) {
	if p.metrics != nil {
		p.metrics.IncPublishError(ctx, p.topic)
	}
}

// Close flushes and closes the producer.
func (p *TaskEventPublisher) Close() error { return p.producer.Close() }
