package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/WoodrowLove/advisorygate/internal/adapter/ws"
	"github.com/WoodrowLove/advisorygate/internal/domain/decision"
	"github.com/WoodrowLove/advisorygate/internal/port/backend"
	"github.com/WoodrowLove/advisorygate/internal/port/database"
	"github.com/WoodrowLove/advisorygate/internal/ratelimit"
	"github.com/WoodrowLove/advisorygate/internal/resilience"
)

// latencyWindow bounds the resolve-latency sample ring.
const latencyWindow = 512

// LatencySummary is the percentile digest of recent resolve latencies.
type LatencySummary struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
	P99   float64 `json:"p99_seconds"`
}

// HealthReport is the payload of the health endpoint.
type HealthReport struct {
	Status          string              `json:"status"`
	UptimeSeconds   float64             `json:"uptime_seconds"`
	Breaker         resilience.Snapshot `json:"breaker"`
	RateUtilization float64             `json:"rate_utilization"`
	OpenCases       int                 `json:"open_cases"`
	NextSLADeadline *time.Time          `json:"next_sla_deadline,omitempty"`
	QueueConnected  bool                `json:"queue_connected"`
	BackendHealthy  bool                `json:"backend_healthy"`
	WSConnections   int                 `json:"ws_connections"`
	PolicyVersion   int                 `json:"policy_version"`
	SLACompliance   float64             `json:"sla_compliance"`
	ResolveLatency  LatencySummary      `json:"resolve_latency"`
}

// HealthService aggregates component state for the health endpoint and
// keeps a bounded ring of resolve latencies for percentile reporting.
type HealthService struct {
	store     database.Store
	breaker   *resilience.Breaker
	limiter   *ratelimit.Limiter
	rules     *decision.Store
	hub       *ws.Hub
	client    backend.Client
	connected func() bool
	startedAt time.Time
	now       func() time.Time

	mu            sync.Mutex
	samples       []float64
	next          int
	filled        bool
	casesResolved int
	casesBreached int
}

// NewHealthService creates the health aggregator. connected probes queue
// connectivity; nil means the queue is reported as down.
func NewHealthService(store database.Store, breaker *resilience.Breaker, limiter *ratelimit.Limiter, rules *decision.Store, hub *ws.Hub, client backend.Client, connected func() bool) *HealthService {
	return &HealthService{
		store:     store,
		breaker:   breaker,
		limiter:   limiter,
		rules:     rules,
		hub:       hub,
		client:    client,
		connected: connected,
		startedAt: time.Now(),
		now:       time.Now,
		samples:   make([]float64, latencyWindow),
	}
}

// ObserveResolveLatency records one submit-to-resolve duration.
func (h *HealthService) ObserveResolveLatency(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples[h.next] = d.Seconds()
	h.next++
	if h.next == len(h.samples) {
		h.next = 0
		h.filled = true
	}
}

// ObserveCaseOutcome records whether a terminal approval case stayed inside
// its original SLA window.
func (h *HealthService) ObserveCaseOutcome(breached bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.casesResolved++
	if breached {
		h.casesBreached++
	}
}

// SLACompliance returns the share of terminal cases decided in window.
// No terminal cases yet reads as full compliance.
func (h *HealthService) SLACompliance() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.casesResolved == 0 {
		return 1
	}
	return float64(h.casesResolved-h.casesBreached) / float64(h.casesResolved)
}

// Latency returns the percentile summary over the current sample window.
func (h *HealthService) Latency() LatencySummary {
	h.mu.Lock()
	n := h.next
	if h.filled {
		n = len(h.samples)
	}
	sorted := make([]float64, n)
	copy(sorted, h.samples[:n])
	h.mu.Unlock()

	if n == 0 {
		return LatencySummary{}
	}
	sort.Float64s(sorted)
	return LatencySummary{
		Count: n,
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}
}

// Report assembles the full health view. Store or queue trouble degrades
// the status rather than erroring, so the endpoint stays useful during an
// outage.
func (h *HealthService) Report(ctx context.Context) HealthReport {
	rep := HealthReport{
		Status:          "ok",
		UptimeSeconds:   h.now().Sub(h.startedAt).Seconds(),
		Breaker:         h.breaker.Health(),
		RateUtilization: h.limiter.Utilization(),
		PolicyVersion:   h.rules.Current().Version,
		SLACompliance:   h.SLACompliance(),
		ResolveLatency:  h.Latency(),
	}

	if h.hub != nil {
		rep.WSConnections = h.hub.ConnectionCount()
	}
	if h.connected != nil {
		rep.QueueConnected = h.connected()
	}
	if h.client != nil {
		rep.BackendHealthy = h.client.Healthy(ctx)
	}

	if open, err := h.store.ListOpenCases(ctx); err == nil {
		rep.OpenCases = len(open)
		if len(open) > 0 {
			// Open cases are deadline-ordered.
			d := open[0].SLADeadline
			rep.NextSLADeadline = &d
		}
	} else {
		rep.Status = "degraded"
	}

	if rep.Breaker.State == resilience.StateOpen || !rep.QueueConnected {
		rep.Status = "degraded"
	}
	return rep
}

// percentile reads the p-quantile from an ascending sample slice using
// nearest-rank.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
