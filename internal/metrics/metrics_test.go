package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.Registry() == nil {
		t.Error("Registry() returned nil")
	}

	// Everything registers against the private registry, nothing global.
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	m.IncSent("live")
	m.IncFailed("surface")
	m.IncRateHold()

	families, err = m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{
		"zapdrip_messages_sent_total",
		"zapdrip_messages_failed_total",
		"zapdrip_rate_holds_total",
	} {
		if !found[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestNilSafety(t *testing.T) {
	var m *Metrics

	// None of these may panic on a nil instance.
	m.IncSent("live")
	m.IncFailed("surface")
	m.IncRateHold()
	m.IncLongPause()
	m.IncHumanHoursHold()
	m.IncRunAborted()
	m.AddActiveRun(1)
	m.SetScheduledWakes(2)
	m.AddEventsRelayed(3)
	m.IncFlushFailed()
	m.SetEventQueueDepth(4)
	m.ObserveAPIRequest("GET", "/health", "200", 0.01)
}

func TestCounterValues(t *testing.T) {
	m := New()

	m.IncSent("dry_run")
	m.IncSent("dry_run")
	m.IncSent("live")

	if got := counterValue(t, m.MessagesSentTotal.WithLabelValues("dry_run")); got != 2 {
		t.Errorf("dry_run sent = %v, want 2", got)
	}
	if got := counterValue(t, m.MessagesSentTotal.WithLabelValues("live")); got != 1 {
		t.Errorf("live sent = %v, want 1", got)
	}

	m.SetEventQueueDepth(17)
	if got := gaugeValue(t, m.EventQueueDepth); got != 17 {
		t.Errorf("queue depth = %v, want 17", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var metric dto.Metric
	if err := g.Write(&metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return metric.GetGauge().GetValue()
}
