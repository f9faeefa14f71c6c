package adminchat

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.setState(StateConnected)
	m.reconnectAttempt()
	m.hubEvent("x")
	m.observeInvoke("x", 1)
	m.bestEffortFailure("x")
	m.messageApplied("x")
	m.staleResponse()
	m.setOnline(1)
	m.setUnread(1)
}

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	store := NewMessageStore(10, m)
	gen := store.ResetContext(StringPtr("u1"))
	store.ResetContext(StringPtr("u2"))
	store.ApplyPage(gen, nil, Cursor{}, true)
	if got := counterValue(t, reg, "adminchat_stale_responses_total"); got != 1 {
		t.Fatalf("expected 1 stale response, got %v", got)
	}

	m.setState(StateReconnecting)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "adminchat_hub_state" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			want := 0.0
			if metric.GetLabel()[0].GetValue() == string(StateReconnecting) {
				want = 1
			}
			if metric.GetGauge().GetValue() != want {
				t.Fatalf("state %s: expected %v, got %v", metric.GetLabel()[0].GetValue(), want, metric.GetGauge().GetValue())
			}
		}
	}
}
