package reachability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScannerMetrics records probe outcomes.
type ScannerMetrics interface {
	IncProbes(ctx context.Context, state ProbeState)
}

type scannerMetrics struct {
	probes metric.Int64Counter
}

// NewScannerMetrics creates the probe instruments on mp.
func NewScannerMetrics(mp metric.MeterProvider) (*scannerMetrics, error) {
	meter := mp.Meter("reachability", metric.WithInstrumentationVersion("v0.1.0"))

	m := new(scannerMetrics)
	var err error
	if m.probes, err = meter.Int64Counter(
		"port_probes_total",
		metric.WithDescription("Total number of TCP port probes by outcome"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *scannerMetrics) IncProbes(ctx context.Context, state ProbeState) {
	m.probes.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state.String())))
}
