package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all relay metric instruments.
type Metrics struct {
	ReconcilesTotal  metric.Int64Counter
	InvalidEvents    metric.Int64Counter
	ArtifactsSkipped metric.Int64Counter
	EventsPublished  metric.Int64Counter
	Subscribers      metric.Int64UpDownCounter
	HostCallDuration metric.Float64Histogram
	StoreErrors      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ReconcilesTotal, err = meter.Int64Counter("relayd.reconcile.total",
		metric.WithDescription("Task events reconciled into the store"),
	)
	if err != nil {
		return nil, err
	}

	m.InvalidEvents, err = meter.Int64Counter("relayd.reconcile.invalid",
		metric.WithDescription("Task events rejected as malformed"),
	)
	if err != nil {
		return nil, err
	}

	m.ArtifactsSkipped, err = meter.Int64Counter("relayd.reconcile.artifacts_skipped",
		metric.WithDescription("Malformed artifact entries skipped during reconciliation"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsPublished, err = meter.Int64Counter("relayd.bus.published",
		metric.WithDescription("Domain events published to the fan-out bus"),
	)
	if err != nil {
		return nil, err
	}

	m.Subscribers, err = meter.Int64UpDownCounter("relayd.ws.subscribers",
		metric.WithDescription("Currently connected websocket viewers"),
	)
	if err != nil {
		return nil, err
	}

	m.HostCallDuration, err = meter.Float64Histogram("relayd.host.duration",
		metric.WithDescription("Outbound host call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreErrors, err = meter.Int64Counter("relayd.store.errors",
		metric.WithDescription("Persistence failures surfaced to callers"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
