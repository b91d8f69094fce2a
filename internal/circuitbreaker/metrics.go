package circuitbreaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "probe_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probe_circuit_breaker_requests_total",
			Help: "Requests passed through a circuit breaker",
		},
		[]string{"name", "service", "state", "result"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probe_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)
)

// MetricsCollector tracks registered breakers and mirrors their state into Prometheus.
type MetricsCollector struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{breakers: make(map[string]*CircuitBreaker)}
}

// Register hooks state changes of cb into the gauges. Must be called before cb is shared.
func (mc *MetricsCollector) Register(name, service string, cb *CircuitBreaker) {
	mc.mu.Lock()
	mc.breakers[service+":"+name] = cb
	mc.mu.Unlock()

	prev := cb.config.OnStateChange
	cb.config.OnStateChange = func(cbName string, from, to State) {
		if prev != nil {
			prev(cbName, from, to)
		}
		breakerStateChanges.WithLabelValues(name, service, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name, service).Set(float64(to))
	}
	breakerState.WithLabelValues(name, service).Set(float64(StateClosed))
}

// RecordRequest records a request outcome.
func (mc *MetricsCollector) RecordRequest(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, service, state.String(), result).Inc()
}

// Breaker returns a registered breaker, if any.
func (mc *MetricsCollector) Breaker(service, name string) (*CircuitBreaker, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	cb, ok := mc.breakers[service+":"+name]
	return cb, ok
}

// GlobalMetricsCollector is shared by every wrapper in the process.
var GlobalMetricsCollector = NewMetricsCollector()
