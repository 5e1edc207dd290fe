package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectionOpened("tcp")
	m.ConnectionOpened("websocket")
	m.ConnectionClosed()
	if got := testutil.ToFloat64(m.ConnectionsActive); got != 1 {
		t.Errorf("ConnectionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("tcp")); got != 1 {
		t.Errorf("ConnectionsTotal{tcp} = %v, want 1", got)
	}

	m.AuthResult("ok")
	m.AuthResult("invalid_credentials")
	m.AuthResult("ok")
	if got := testutil.ToFloat64(m.AuthAttempts.WithLabelValues("ok")); got != 2 {
		t.Errorf("AuthAttempts{ok} = %v, want 2", got)
	}

	m.Relayed("client_to_vm", 100)
	m.Relayed("client_to_vm", 0)
	if got := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("client_to_vm")); got != 100 {
		t.Errorf("BytesRelayed = %v, want 100", got)
	}

	m.ObserveSweep(0.2)
	m.ObserveSweep(0.4)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var sweep *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "svmp_proxy_reclaim_sweep_duration_seconds" {
			sweep = f
		}
	}
	if sweep == nil {
		t.Fatal("reclaim sweep histogram not gathered")
	}
	if got := sweep.GetMetric()[0].GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("sweep sample count = %d, want 2", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened("tcp")
	m.ConnectionClosed()
	m.AuthResult("ok")
	m.Transition("PROXY_READY")
	m.Relayed("vm_to_client", 10)
	m.SessionExpired()
	m.ParseError()
	m.Reclaimed("destroyed")
	m.ObserveSweep(1)
	m.Provisioned("ok")
	m.ObserveHandshake(1)
}
