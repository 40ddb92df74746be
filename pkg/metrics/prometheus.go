package metrics

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink fans MetricValue reports out to registered gauge/counter
// vectors, registering new metric names lazily on first use so the engine
// never has to pre-declare every name with the registry.
type PrometheusSink struct {
	reg *prometheus.Registry

	mu       sync.Mutex
	gauges   map[string]prometheus.Gauge
	counters map[string]prometheus.Counter
}

// NewPrometheusSink wraps reg (or a fresh private registry if reg is nil).
func NewPrometheusSink(reg *prometheus.Registry) *PrometheusSink {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &PrometheusSink{
		reg:      reg,
		gauges:   map[string]prometheus.Gauge{},
		counters: map[string]prometheus.Counter{},
	}
}

// Registry exposes the underlying registry so main can serve /metrics
// with promhttp.
func (s *PrometheusSink) Registry() *prometheus.Registry { return s.reg }

func (s *PrometheusSink) Send(_ context.Context, m *Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range m.Values {
		switch v.Type {
		case GAUGE:
			g, ok := s.gauges[v.Name]
			if !ok {
				g = prometheus.NewGauge(prometheus.GaugeOpts{Name: v.Name})
				if err := s.reg.Register(g); err != nil {
					return fmt.Errorf("cdc: registering gauge %s: %w", v.Name, err)
				}
				s.gauges[v.Name] = g
			}
			g.Set(v.Value)
		case COUNTER:
			c, ok := s.counters[v.Name]
			if !ok {
				c = prometheus.NewCounter(prometheus.CounterOpts{Name: v.Name})
				if err := s.reg.Register(c); err != nil {
					return fmt.Errorf("cdc: registering counter %s: %w", v.Name, err)
				}
				s.counters[v.Name] = c
			}
			c.Add(v.Value)
		default:
			return fmt.Errorf("cdc: unknown metric type for %s", v.Name)
		}
	}
	return nil
}
