package cache

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, store string) float64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(store).Write(&m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, store string) float64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(store).Write(&m); err != nil {
		t.Fatalf("failed to read gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()

	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}
	if err := NewMetrics().Register(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if got := len(m.Collectors()); got != 6 {
		t.Errorf("expected 6 collectors, got %d", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.hit("x")
	m.miss("x")
	m.evicted("x")
	m.expired("x", 1)
	m.invalidated("x", 1)
	m.setSize("x", 1)
}

func TestStore_RecordsMetrics(t *testing.T) {
	m := NewMetrics()
	clock := newFakeClock()
	s := New(Options[string]{Name: "search", MaxSize: 1, Now: clock.Now, Metrics: m})

	s.Set("a", "1", time.Minute)
	s.Get("a")
	s.Get("missing")
	s.Set("b", "2", time.Minute) // evicts a
	clock.Advance(2 * time.Minute)
	s.Get("b") // expired

	s.Set("c", "3", time.Minute)
	s.InvalidatePrefix("c")

	tests := []struct {
		name string
		vec  *prometheus.CounterVec
		want float64
	}{
		{"hits", m.hits, 1},
		{"misses", m.misses, 2},
		{"evictions", m.evictions, 1},
		{"expirations", m.expirations, 1},
		{"invalidations", m.invalidations, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := counterValue(t, tt.vec, "search"); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
			}
		})
	}

	if got := gaugeValue(t, m.entries, "search"); got != 0 {
		t.Errorf("expected entries gauge 0, got %v", got)
	}
}
