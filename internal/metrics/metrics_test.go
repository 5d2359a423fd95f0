package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// family gathers the registry and returns the named metric family, nil when
// absent (vectors without observations are not exported).
func family(t *testing.T, c *Collector, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := c.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func gaugeValue(t *testing.T, c *Collector, name string) float64 {
	t.Helper()
	mf := family(t, c, name)
	if mf == nil {
		t.Fatalf("metric %s not found", name)
	}
	return mf.GetMetric()[0].GetGauge().GetValue()
}

func counterValue(t *testing.T, c *Collector, name string) float64 {
	t.Helper()
	mf := family(t, c, name)
	if mf == nil {
		return 0
	}
	total := 0.0
	for _, m := range mf.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}

func histogramSampleCount(t *testing.T, c *Collector, name string) uint64 {
	t.Helper()
	mf := family(t, c, name)
	if mf == nil {
		t.Fatalf("metric %s not found", name)
	}
	return mf.GetMetric()[0].GetHistogram().GetSampleCount()
}

func TestIndependentRegistries(t *testing.T) {
	// Two collectors must not clash; each data source owns its own registry.
	a := New()
	b := New()
	a.PoolExhausted()
	if got := counterValue(t, a, "myriad_pool_exhausted_total"); got != 1 {
		t.Errorf("a exhausted = %v", got)
	}
	if got := counterValue(t, b, "myriad_pool_exhausted_total"); got != 0 {
		t.Errorf("b exhausted = %v, want 0", got)
	}
}

func TestUpdatePoolStats(t *testing.T) {
	c := New()
	c.UpdatePoolStats(2, 3, 5, 1, 4)

	cases := map[string]float64{
		"myriad_connections_idle":   2,
		"myriad_connections_in_use": 3,
		"myriad_connections_total":  5,
		"myriad_acquire_waiting":    1,
		"myriad_pool_sizing_target": 4,
	}
	for name, want := range cases {
		if got := gaugeValue(t, c, name); got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
}

func TestObserveAcquire(t *testing.T) {
	c := New()
	c.ObserveAcquire(5*time.Millisecond, "")
	c.ObserveAcquire(10*time.Millisecond, "timeout")

	if got := histogramSampleCount(t, c, "myriad_acquire_duration_seconds"); got != 2 {
		t.Errorf("acquire samples = %d, want 2", got)
	}
	if got := counterValue(t, c, "myriad_acquire_errors_total"); got != 1 {
		t.Errorf("acquire errors = %v, want 1", got)
	}
}

func TestBreakerMetrics(t *testing.T) {
	c := New()
	c.SetBreakerState(1)
	c.BreakerTripped()
	if got := gaugeValue(t, c, "myriad_breaker_state"); got != 1 {
		t.Errorf("breaker state = %v", got)
	}
	if got := counterValue(t, c, "myriad_breaker_trips_total"); got != 1 {
		t.Errorf("trips = %v", got)
	}
}
