package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistryRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.PatPmtEmitted.Inc()
	m.HorizonExhaustion.Inc()
	m.LookaheadDepth.WithLabelValues("video").Set(4)
	m.UnderflowTotal.WithLabelValues("audio").Inc()
	m.SlowConsumerDetach.Inc()
	m.TickLatenessMS.Observe(1.5)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family after recording observations")
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"retrovue_pipeline_tick_lateness_ms",
		"retrovue_lookahead_depth",
		"retrovue_tsmux_pat_pmt_emitted_total",
		"retrovue_egress_slow_consumer_detach_total",
		"retrovue_pipeline_horizon_exhaustion_total",
		"retrovue_lookahead_underflow_total",
	} {
		if !names[want] {
			t.Errorf("missing registered metric family %q", want)
		}
	}
}

func TestDoubleRegisterPanicsOrErrorsOnSameRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRegistry(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected registering the same collectors twice against one Registerer to panic")
		}
	}()
	NewRegistry(reg)
}
