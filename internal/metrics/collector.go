// Package stunmetrics implements internal/loop.Recorder against
// Prometheus, the dispatch core's sole concrete metrics backend.
package stunmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gostun/gostun/internal/role"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gostun"
	subsystem = "dispatch"
)

// Label names for dispatch metrics.
const (
	labelRole   = "role"
	labelReason = "reason"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Dispatch Metrics
// -------------------------------------------------------------------------

// Collector holds every Prometheus metric the dispatch loop emits and
// implements internal/loop.Recorder, so any Loop can be wired
// straight to a Collector via loop.WithRecorder without the loop
// package ever importing Prometheus itself.
//
//   - RequestsReceived / ResponsesSent track accepted traffic per role.
//   - RequestsDropped tracks every silent-drop reason: "empty",
//     "rate_limited", "parse_rejected", "handler_error",
//     "send_failed".
//   - RateLimiterAdmitted / RateLimiterRejected track the limiter's
//     own admit/deny split, independent of why a later stage might
//     also drop an admitted datagram.
//   - RotationIndex observes the fair-rotation socket selection as
//     a single live gauge shared by every loop using this Collector.
type Collector struct {
	// RequestsReceived counts datagrams that parsed successfully, per
	// the role they arrived on.
	RequestsReceived *prometheus.CounterVec

	// ResponsesSent counts responses emitted, per the role they were
	// sent from.
	ResponsesSent *prometheus.CounterVec

	// RequestsDropped counts every drop, labeled by reason.
	RequestsDropped *prometheus.CounterVec

	// RateLimiterAdmittedTotal counts datagrams the rate limiter
	// allowed through.
	RateLimiterAdmittedTotal prometheus.Counter

	// RateLimiterRejectedTotal counts datagrams the rate limiter
	// denied.
	RateLimiterRejectedTotal prometheus.Counter

	// RotationIndex is the last rotation index a multi-socket loop
	// reported; since several Loop instances may share one
	// Collector, this gauge reflects whichever loop reported most
	// recently, which is sufficient to observe that rotation is
	// advancing rather than stuck.
	RotationIndex prometheus.Gauge
}

// NewCollector creates a Collector with every dispatch metric
// registered against the provided prometheus.Registerer. If reg is
// nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.RequestsReceived,
		c.ResponsesSent,
		c.RequestsDropped,
		c.RateLimiterAdmittedTotal,
		c.RateLimiterRejectedTotal,
		c.RotationIndex,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	roleLabels := []string{labelRole}
	reasonLabels := []string{labelReason}

	return &Collector{
		RequestsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_received_total",
			Help:      "Total STUN requests successfully parsed, by receiving role.",
		}, roleLabels),

		ResponsesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "responses_sent_total",
			Help:      "Total STUN responses transmitted, by sending role.",
		}, roleLabels),

		RequestsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_dropped_total",
			Help:      "Total datagrams dropped without a response, by reason.",
		}, reasonLabels),

		RateLimiterAdmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rate_limiter_admitted_total",
			Help:      "Total datagrams the rate limiter allowed through.",
		}),

		RateLimiterRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rate_limiter_rejected_total",
			Help:      "Total datagrams the rate limiter denied.",
		}),

		RotationIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rotation_index",
			Help:      "Last socket-selection rotation index reported by a multi-socket dispatch loop.",
		}),
	}
}

// -------------------------------------------------------------------------
// loop.Recorder implementation
// -------------------------------------------------------------------------

// RequestReceived implements loop.Recorder.
func (c *Collector) RequestReceived(recvRole role.Role) {
	c.RequestsReceived.WithLabelValues(recvRole.String()).Inc()
}

// ResponseSent implements loop.Recorder.
func (c *Collector) ResponseSent(sendRole role.Role) {
	c.ResponsesSent.WithLabelValues(sendRole.String()).Inc()
}

// Dropped implements loop.Recorder.
func (c *Collector) Dropped(reason string) {
	c.RequestsDropped.WithLabelValues(reason).Inc()
}

// RateLimiterAdmitted implements loop.Recorder.
func (c *Collector) RateLimiterAdmitted() {
	c.RateLimiterAdmittedTotal.Inc()
}

// RateLimiterRejected implements loop.Recorder.
func (c *Collector) RateLimiterRejected() {
	c.RateLimiterRejectedTotal.Inc()
}

// Rotation implements loop.Recorder.
func (c *Collector) Rotation(index int) {
	c.RotationIndex.Set(float64(index))
}
