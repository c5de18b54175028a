package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "advisorygate"

// Metrics holds all gateway metric instruments.
type Metrics struct {
	RequestsSubmitted metric.Int64Counter
	RequestsReplayed  metric.Int64Counter
	RequestsRejected  metric.Int64Counter
	Dispatches        metric.Int64Counter
	Deliveries        metric.Int64Counter
	Fallbacks         metric.Int64Counter
	BreakerTrips      metric.Int64Counter
	CasesOpened       metric.Int64Counter
	SLABreaches       metric.Int64Counter
	BackendLatency    metric.Float64Histogram
	ResolveLatency    metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RequestsSubmitted, err = meter.Int64Counter("advisorygate.requests.submitted",
		metric.WithDescription("Number of advisory requests accepted"))
	if err != nil {
		return nil, err
	}

	m.RequestsReplayed, err = meter.Int64Counter("advisorygate.requests.replayed",
		metric.WithDescription("Number of idempotent replays served"))
	if err != nil {
		return nil, err
	}

	m.RequestsRejected, err = meter.Int64Counter("advisorygate.requests.rejected",
		metric.WithDescription("Number of submissions rejected (validation, contract, rate limit)"))
	if err != nil {
		return nil, err
	}

	m.Dispatches, err = meter.Int64Counter("advisorygate.dispatches",
		metric.WithDescription("Number of requests dispatched to the advisory backend"))
	if err != nil {
		return nil, err
	}

	m.Deliveries, err = meter.Int64Counter("advisorygate.deliveries",
		metric.WithDescription("Number of advisory responses delivered (push and pull)"))
	if err != nil {
		return nil, err
	}

	m.Fallbacks, err = meter.Int64Counter("advisorygate.fallbacks",
		metric.WithDescription("Number of requests resolved by the fallback table"))
	if err != nil {
		return nil, err
	}

	m.BreakerTrips, err = meter.Int64Counter("advisorygate.breaker.trips",
		metric.WithDescription("Number of circuit breaker open transitions"))
	if err != nil {
		return nil, err
	}

	m.CasesOpened, err = meter.Int64Counter("advisorygate.cases.opened",
		metric.WithDescription("Number of approval cases opened"))
	if err != nil {
		return nil, err
	}

	m.SLABreaches, err = meter.Int64Counter("advisorygate.cases.sla_breaches",
		metric.WithDescription("Number of SLA deadline breaches (escalations and expiries)"))
	if err != nil {
		return nil, err
	}

	m.BackendLatency, err = meter.Float64Histogram("advisorygate.backend.latency_seconds",
		metric.WithDescription("Advisory backend response latency in seconds"))
	if err != nil {
		return nil, err
	}

	m.ResolveLatency, err = meter.Float64Histogram("advisorygate.resolve.latency_seconds",
		metric.WithDescription("Submit-to-resolution latency in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
