package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveEvent("text", "ok", 0.01)
	m.ObserveEvent("text", "ok", 0.02)
	m.ObserveRoute("book_appointment")
	m.ObserveValidationFailure("national_id")
	m.ObserveLookup("found")
	m.ObserveRecord("appointment", "delivered")
	m.ObserveSend("text", "sent")
	m.ObserveExpiry()
	m.ObserveDuplicateInbound()

	if got := testutil.ToFloat64(m.eventsTotal.WithLabelValues("text", "ok")); got != 2 {
		t.Fatalf("events_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.recordsTotal.WithLabelValues("appointment", "delivered")); got != 1 {
		t.Fatalf("records_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.expiredTotal); got != 1 {
		t.Fatalf("sessions_expired_total = %v, want 1", got)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveEvent("button", "error", 0.1)
	m.ObserveRoute("root")
	m.ObserveValidationFailure("birth_date")
	m.ObserveLookup("error")
	m.ObserveRecord("exam", "failed")
	m.ObserveSend("choice", "failed")
	m.ObserveExpiry()
	m.ObserveDuplicateInbound()
}

func TestMetricsDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	New(reg)
}
