// Package metrics wires prometheus/client_golang into the engine: a per-
// tick lateness histogram (spec.md §4.4.5 p95/p99), look-ahead depth
// gauges (spec.md §8 property 6), PAT/PMT and slow-consumer-detach
// counters, and a horizon-exhaustion counter.
//
// The teacher's go.mod declares client_golang but the retrieved
// snapshot never registers a collector with it; this is the concrete
// component SPEC_FULL.md gives that dependency a home in.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry groups every collector the engine exports.
type Registry struct {
	TickLatenessMS     prometheus.Histogram
	LookaheadDepth      *prometheus.GaugeVec
	PatPmtEmitted       prometheus.Counter
	SlowConsumerDetach  prometheus.Counter
	HorizonExhaustion   prometheus.Counter
	UnderflowTotal      *prometheus.CounterVec
}

// NewRegistry constructs and registers every collector against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		TickLatenessMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "retrovue",
			Subsystem: "pipeline",
			Name:      "tick_lateness_ms",
			Help:      "Per-tick scheduling lateness relative to its monotonic deadline.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		LookaheadDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "retrovue",
			Subsystem: "lookahead",
			Name:      "depth",
			Help:      "Current look-ahead buffer depth by kind (video/audio).",
		}, []string{"kind"}),
		PatPmtEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "retrovue",
			Subsystem: "tsmux",
			Name:      "pat_pmt_emitted_total",
			Help:      "Total PAT+PMT resend cycles emitted.",
		}),
		SlowConsumerDetach: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "retrovue",
			Subsystem: "egress",
			Name:      "slow_consumer_detach_total",
			Help:      "Total sink detaches caused by queue overflow.",
		}),
		HorizonExhaustion: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "retrovue",
			Subsystem: "pipeline",
			Name:      "horizon_exhaustion_total",
			Help:      "Total ticks emitted with an empty block queue at fence.",
		}),
		UnderflowTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retrovue",
			Subsystem: "lookahead",
			Name:      "underflow_total",
			Help:      "Total buffer underflow events by kind (video/audio).",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.TickLatenessMS, m.LookaheadDepth, m.PatPmtEmitted, m.SlowConsumerDetach, m.HorizonExhaustion, m.UnderflowTotal)
	return m
}

// TickLatenessQuantile estimates the q-th quantile (e.g. 0.95, 0.99) of
// per-tick lateness in milliseconds by linear interpolation across the
// histogram's bucket boundaries, the same estimation PromQL's
// histogram_quantile performs server-side -- done locally here so
// Health() (spec.md §6) can surface p95/p99 without a separate Summary
// collector or a round-trip through a scraper.
func (m *Registry) TickLatenessQuantile(q float64) float64 {
	var metric dto.Metric
	if err := m.TickLatenessMS.Write(&metric); err != nil {
		return 0
	}
	h := metric.GetHistogram()
	if h == nil || h.GetSampleCount() == 0 {
		return 0
	}
	target := q * float64(h.GetSampleCount())

	var prevCount float64
	var prevBound float64
	for _, b := range h.GetBucket() {
		count := float64(b.GetCumulativeCount())
		bound := b.GetUpperBound()
		if count >= target {
			if count == prevCount {
				return bound
			}
			frac := (target - prevCount) / (count - prevCount)
			return prevBound + frac*(bound-prevBound)
		}
		prevCount = count
		prevBound = bound
	}
	return prevBound
}

// CounterValue reads the current value of a single (non-vector) counter,
// for surfacing SlowConsumerDetach/HorizonExhaustion totals in Health()
// without exposing the prometheus Registerer to callers that just want a
// number.
func CounterValue(c prometheus.Counter) float64 {
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}
