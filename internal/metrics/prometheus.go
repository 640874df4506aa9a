package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus records step events as Prometheus metrics on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	stepsStarted  *prometheus.CounterVec
	stepsFinished *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepsInFlight prometheus.Gauge

	mu      sync.Mutex
	started map[string]time.Time
	now     func() time.Time
}

// NewPrometheus creates a Prometheus sink. Metric names are prefixed with
// namespace. When withRuntime is set, Go runtime and process collectors are
// registered as well.
func NewPrometheus(namespace string, withRuntime bool) *Prometheus {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		stepsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_dispatches_total",
				Help:      "Total number of step dispatches",
			},
			[]string{"step"},
		),
		stepsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_outcomes_total",
				Help:      "Total number of finished step dispatches by outcome",
			},
			[]string{"step", "outcome"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Step dispatch duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"step"},
		),
		stepsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "steps_in_flight",
				Help:      "Number of steps currently dispatched",
			},
		),
		started: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Registry returns the registry holding the sink's collectors.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Prometheus) OnStepStart(stepID string) {
	p.mu.Lock()
	p.started[stepID] = p.now()
	p.mu.Unlock()

	p.stepsStarted.WithLabelValues(stepID).Inc()
	p.stepsInFlight.Inc()
}

func (p *Prometheus) OnStepEnd(stepID string, success bool, _ string) {
	p.mu.Lock()
	start, ok := p.started[stepID]
	delete(p.started, stepID)
	p.mu.Unlock()

	outcome := "failure"
	if success {
		outcome = "success"
	}
	p.stepsFinished.WithLabelValues(stepID, outcome).Inc()
	if ok {
		p.stepDuration.WithLabelValues(stepID).Observe(p.now().Sub(start).Seconds())
		p.stepsInFlight.Dec()
	}
}
