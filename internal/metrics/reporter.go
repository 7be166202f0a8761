// Package metrics aggregates counters and latencies emitted by the
// dispatcher and the admission pipeline. Counters are atomic so recording
// never serializes the dispatch path. Each counter is mirrored into an
// OpenTelemetry instrument so deployments can attach an OTLP pipeline
// without touching this package.
package metrics

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"workflow-gateway/backend/pkg/models"
)

const latencyWindow = 1024

// Reporter collects dispatch and admission telemetry.
type Reporter struct {
	counters sync.Map // string -> *atomic.Int64
	started  time.Time

	latMu   sync.Mutex
	samples [latencyWindow]time.Duration
	written int

	otelDispatch metric.Int64Counter
	otelLatency  metric.Float64Histogram
	otelStages   metric.Int64Counter
}

// NewReporter creates a Reporter bound to the global otel meter provider.
func NewReporter() *Reporter {
	meter := otel.Meter("workflow-gateway/backend")
	dispatch, _ := meter.Int64Counter("gateway.dispatch.total")
	latency, _ := meter.Float64Histogram("gateway.dispatch.duration",
		metric.WithUnit("ms"))
	stages, _ := meter.Int64Counter("gateway.admission.stage.total")

	return &Reporter{
		started:      time.Now(),
		otelDispatch: dispatch,
		otelLatency:  latency,
		otelStages:   stages,
	}
}

// RecordDispatch records the outcome and latency of one dispatch call.
func (r *Reporter) RecordDispatch(channel models.Channel, success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.inc("dispatch_total", 1)
	r.inc("dispatch_"+outcome+"_total", 1)
	r.inc("dispatch_channel_"+string(channel)+"_total", 1)

	r.latMu.Lock()
	r.samples[r.written%latencyWindow] = d
	r.written++
	r.latMu.Unlock()

	if r.otelDispatch != nil {
		ctx := context.Background()
		attrs := metric.WithAttributes(
			attribute.String("channel", string(channel)),
			attribute.String("outcome", outcome),
		)
		r.otelDispatch.Add(ctx, 1, attrs)
		r.otelLatency.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
	}
}

// RecordStage records one admission stage evaluation.
func (r *Reporter) RecordStage(stage string, allowed bool) {
	outcome := "allow"
	if !allowed {
		outcome = "deny"
	}
	r.inc("admission_"+stage+"_"+outcome+"_total", 1)
	if r.otelStages != nil {
		r.otelStages.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("outcome", outcome),
		))
	}
}

// RecordCache records a response-cache lookup outcome.
func (r *Reporter) RecordCache(hit bool) {
	if hit {
		r.inc("cache_hit_total", 1)
	} else {
		r.inc("cache_miss_total", 1)
	}
}

// RecordError records a surfaced error by kind.
func (r *Reporter) RecordError(kind models.Kind) {
	r.inc("error_"+string(kind)+"_total", 1)
}

// Snapshot is a point-in-time aggregation.
type Snapshot struct {
	UptimeSeconds int64            `json:"uptime_seconds"`
	Counters      map[string]int64 `json:"counters"`
	LatencyMsP50  float64          `json:"latency_ms_p50"`
	LatencyMsP90  float64          `json:"latency_ms_p90"`
	LatencyMsP99  float64          `json:"latency_ms_p99"`
}

// Snapshot returns current counters and latency percentiles.
func (r *Reporter) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds: int64(time.Since(r.started).Seconds()),
		Counters:      map[string]int64{},
	}
	r.counters.Range(func(k, v any) bool {
		snap.Counters[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})

	r.latMu.Lock()
	n := r.written
	if n > latencyWindow {
		n = latencyWindow
	}
	window := make([]time.Duration, n)
	copy(window, r.samples[:n])
	r.latMu.Unlock()

	if n > 0 {
		sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
		snap.LatencyMsP50 = ms(window[n*50/100])
		snap.LatencyMsP90 = ms(window[n*90/100])
		snap.LatencyMsP99 = ms(window[n*99/100])
	}
	return snap
}

// WriteTo renders the snapshot in a line-oriented exposition format, one
// "gateway_<name> <value>" pair per line with names sorted.
func (r *Reporter) WriteTo(w io.Writer) (int64, error) {
	snap := r.Snapshot()

	names := make([]string, 0, len(snap.Counters))
	for name := range snap.Counters {
		names = append(names, name)
	}
	sort.Strings(names)

	var total int64
	write := func(format string, args ...any) error {
		n, err := fmt.Fprintf(w, format, args...)
		total += int64(n)
		return err
	}

	if err := write("gateway_uptime_seconds %d\n", snap.UptimeSeconds); err != nil {
		return total, err
	}
	for _, name := range names {
		if err := write("gateway_%s %d\n", name, snap.Counters[name]); err != nil {
			return total, err
		}
	}
	if err := write("gateway_dispatch_latency_ms_p50 %.3f\n", snap.LatencyMsP50); err != nil {
		return total, err
	}
	if err := write("gateway_dispatch_latency_ms_p90 %.3f\n", snap.LatencyMsP90); err != nil {
		return total, err
	}
	err := write("gateway_dispatch_latency_ms_p99 %.3f\n", snap.LatencyMsP99)
	return total, err
}

func (r *Reporter) inc(name string, delta int64) {
	v, ok := r.counters.Load(name)
	if !ok {
		v, _ = r.counters.LoadOrStore(name, &atomic.Int64{})
	}
	v.(*atomic.Int64).Add(delta)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
