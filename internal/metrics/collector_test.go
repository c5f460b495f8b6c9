package stunmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	stunmetrics "github.com/gostun/gostun/internal/metrics"
	"github.com/gostun/gostun/internal/role"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := stunmetrics.NewCollector(reg)

	if c.RequestsReceived == nil {
		t.Error("RequestsReceived is nil")
	}
	if c.ResponsesSent == nil {
		t.Error("ResponsesSent is nil")
	}
	if c.RequestsDropped == nil {
		t.Error("RequestsDropped is nil")
	}
	if c.RateLimiterAdmittedTotal == nil {
		t.Error("RateLimiterAdmittedTotal is nil")
	}
	if c.RateLimiterRejectedTotal == nil {
		t.Error("RateLimiterRejectedTotal is nil")
	}
	if c.RotationIndex == nil {
		t.Error("RotationIndex is nil")
	}

	// Verify all metrics are registered by gathering them.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestRequestReceivedAndResponseSent(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := stunmetrics.NewCollector(reg)

	c.RequestReceived(role.PP)
	c.RequestReceived(role.PP)
	c.RequestReceived(role.AA)

	if got := counterValue(t, c.RequestsReceived, "PP"); got != 2 {
		t.Errorf("RequestsReceived[PP] = %v, want 2", got)
	}
	if got := counterValue(t, c.RequestsReceived, "AA"); got != 1 {
		t.Errorf("RequestsReceived[AA] = %v, want 1", got)
	}

	c.ResponseSent(role.AP)

	if got := counterValue(t, c.ResponsesSent, "AP"); got != 1 {
		t.Errorf("ResponsesSent[AP] = %v, want 1", got)
	}
}

func TestDropped(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := stunmetrics.NewCollector(reg)

	c.Dropped("rate_limited")
	c.Dropped("rate_limited")
	c.Dropped("parse_rejected")

	if got := counterValue(t, c.RequestsDropped, "rate_limited"); got != 2 {
		t.Errorf("RequestsDropped[rate_limited] = %v, want 2", got)
	}
	if got := counterValue(t, c.RequestsDropped, "parse_rejected"); got != 1 {
		t.Errorf("RequestsDropped[parse_rejected] = %v, want 1", got)
	}
}

func TestRateLimiterCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := stunmetrics.NewCollector(reg)

	c.RateLimiterAdmitted()
	c.RateLimiterAdmitted()
	c.RateLimiterRejected()

	if got := simpleCounterValue(t, c.RateLimiterAdmittedTotal); got != 2 {
		t.Errorf("RateLimiterAdmittedTotal = %v, want 2", got)
	}
	if got := simpleCounterValue(t, c.RateLimiterRejectedTotal); got != 1 {
		t.Errorf("RateLimiterRejectedTotal = %v, want 1", got)
	}
}

func TestRotation(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := stunmetrics.NewCollector(reg)

	c.Rotation(0)
	c.Rotation(3)

	m := &dto.Metric{}
	if err := c.RotationIndex.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 3 {
		t.Errorf("RotationIndex = %v, want 3", got)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}

// simpleCounterValue reads the current value of a bare prometheus.Counter.
func simpleCounterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
