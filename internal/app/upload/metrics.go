package upload

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CoordinatorMetrics records chunk ingestion and merge activity.
type CoordinatorMetrics interface {
	IncChunksWritten(ctx context.Context, bytes int)
	IncChunkErrors(ctx context.Context)
	IncMerges(ctx context.Context, outcome string)
}

type coordinatorMetrics struct {
	chunksWritten metric.Int64Counter
	chunkBytes    metric.Int64Counter
	chunkErrors   metric.Int64Counter
	merges        metric.Int64Counter
}

// NewCoordinatorMetrics creates the upload instruments on mp.
func NewCoordinatorMetrics(mp metric.MeterProvider) (*coordinatorMetrics, error) {
	meter := mp.Meter("upload", metric.WithInstrumentationVersion("v0.1.0"))

	m := new(coordinatorMetrics)
	var err error

	if m.chunksWritten, err = meter.Int64Counter(
		"upload_chunks_written_total",
		metric.WithDescription("Total number of chunks staged to disk"),
	); err != nil {
		return nil, err
	}

	if m.chunkBytes, err = meter.Int64Counter(
		"upload_chunk_bytes_total",
		metric.WithDescription("Total bytes of staged chunks"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.chunkErrors, err = meter.Int64Counter(
		"upload_chunk_errors_total",
		metric.WithDescription("Total number of chunks that failed to stage"),
	); err != nil {
		return nil, err
	}

	if m.merges, err = meter.Int64Counter(
		"upload_merges_total",
		metric.WithDescription("Total number of merges by outcome"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *coordinatorMetrics) IncChunksWritten(ctx context.Context, bytes int) {
	m.chunksWritten.Add(ctx, 1)
	m.chunkBytes.Add(ctx, int64(bytes))
}

func (m *coordinatorMetrics) IncChunkErrors(ctx context.Context) { m.chunkErrors.Add(ctx, 1) }

func (m *coordinatorMetrics) IncMerges(ctx context.Context, outcome string) {
	m.merges.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
