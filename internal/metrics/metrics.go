// Package metrics holds the Prometheus collectors shared by the
// provisioning components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AddressAllocations counts allocation attempts by result
	// (allocated, released, race_lost, no_capacity, no_subnet).
	AddressAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netprov_address_allocations_total",
		Help: "Address pool operations by result",
	}, []string{"result"})

	// Activations counts finished sagas by type and terminal status
	Activations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netprov_activations_total",
		Help: "Finished activations by type and status",
	}, []string{"type", "status"})

	// StepDuration tracks saga step latency
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netprov_saga_step_duration_seconds",
		Help:    "Saga step duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	}, []string{"step", "phase"})

	// DeviceCommands counts device commands by vendor, verb and result
	DeviceCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netprov_device_commands_total",
		Help: "Device commands by vendor, verb and result",
	}, []string{"vendor", "verb", "result"})

	// RetryOperations counts retry queue transitions by result
	RetryOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netprov_retry_operations_total",
		Help: "Retry queue operations by result",
	}, []string{"result"})
)

// Handler returns the scrape handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
