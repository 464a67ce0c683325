// Package metrics exposes client activity as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smartvend"

// Recorder holds the collectors for one client process.
type Recorder struct {
	registry *prometheus.Registry

	lockAttempts *prometheus.CounterVec
	purchases    *prometheus.CounterVec
	dispensed    prometheus.Counter
	polls        *prometheus.CounterVec
	offline      *prometheus.GaugeVec
	remaining    *prometheus.GaugeVec
	alerts       *prometheus.CounterVec
}

// New creates a Recorder with its own registry, so tests and several
// recorders never collide on the default registerer.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		lockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_attempts_total",
			Help:      "Lock-by-code attempts by outcome.",
		}, []string{"outcome"}),
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_total",
			Help:      "Finished purchases by final state and failure class.",
		}, []string{"state", "class"}),
		dispensed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_dispensed_total",
			Help:      "Units dispensed by completed purchases.",
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_polls_total",
			Help:      "Machine status polls by result.",
		}, []string{"result"}),
		offline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "machine_offline",
			Help:      "1 while a viewed machine is considered offline.",
		}, []string{"machine_id"}),
		remaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lease_remaining_seconds",
			Help:      "Seconds left on the lease this client holds.",
		}, []string{"machine_id"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised by class.",
		}, []string{"class"}),
	}
	r.registry.MustRegister(
		r.lockAttempts, r.purchases, r.dispensed, r.polls,
		r.offline, r.remaining, r.alerts,
		collectors.NewGoCollector(),
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// LockAttempt counts one lock attempt. outcome is "locked", "busy" or
// "failed".
func (r *Recorder) LockAttempt(outcome string) {
	if r == nil {
		return
	}
	r.lockAttempts.WithLabelValues(outcome).Inc()
}

// PurchaseFinished counts a purchase that reached a terminal state. class is
// empty for a completed purchase.
func (r *Recorder) PurchaseFinished(state, class string, dispensed int) {
	if r == nil {
		return
	}
	if class == "" {
		class = "none"
	}
	r.purchases.WithLabelValues(state, class).Inc()
	if dispensed > 0 {
		r.dispensed.Add(float64(dispensed))
	}
}

// Poll records one status poll of machineID.
func (r *Recorder) Poll(machineID string, failed, offline bool) {
	if r == nil {
		return
	}
	result := "ok"
	if failed {
		result = "error"
	}
	r.polls.WithLabelValues(result).Inc()
	if offline {
		r.offline.WithLabelValues(machineID).Set(1)
	} else {
		r.offline.WithLabelValues(machineID).Set(0)
	}
}

// LeaseRemaining sets the countdown gauge for machineID.
func (r *Recorder) LeaseRemaining(machineID string, seconds int) {
	if r == nil {
		return
	}
	r.remaining.WithLabelValues(machineID).Set(float64(seconds))
}

// Alert counts an alert of the given class.
func (r *Recorder) Alert(class string) {
	if r == nil {
		return
	}
	r.alerts.WithLabelValues(class).Inc()
}
