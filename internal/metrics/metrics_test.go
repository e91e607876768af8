package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range metrics {
		if mf.GetName() == name {
			var total float64
			for _, m := range mf.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			return total
		}
	}

	t.Fatalf("%s metric not found", name)
	return 0
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestConnectionGauge_TracksOpenAndClose は接続数ゲージの増減を検証する。
func TestConnectionGauge_TracksOpenAndClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range metrics {
		if mf.GetName() == "chatgate_active_connections" {
			found = true
			val := mf.GetMetric()[0].GetGauge().GetValue()
			if val != 1 {
				t.Errorf("active_connections = %v, want 1", val)
			}
		}
	}
	if !found {
		t.Error("chatgate_active_connections metric not found")
	}
}

// TestRecordBroadcast_CountsRelaysAndDeliveries はブロードキャスト件数と配送数の両方が記録されることを検証する。
func TestRecordBroadcast_CountsRelaysAndDeliveries(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBroadcast(3)
	c.RecordBroadcast(2)

	if val := counterValue(t, reg, "chatgate_broadcasts_relayed_total"); val != 2 {
		t.Errorf("broadcasts_relayed_total = %v, want 2", val)
	}
	if val := counterValue(t, reg, "chatgate_messages_delivered_total"); val != 5 {
		t.Errorf("messages_delivered_total = %v, want 5", val)
	}
}

// TestRecordAuthFailure_LabelsByCause は検証失敗が原因ラベル付きで記録されることを検証する。
func TestRecordAuthFailure_LabelsByCause(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAuthFailure("expired")
	c.RecordAuthFailure("expired")
	c.RecordAuthFailure("signature")

	if val := counterValue(t, reg, "chatgate_auth_failures_total"); val != 3 {
		t.Errorf("auth_failures_total = %v, want 3", val)
	}
}

// TestHandler_ServesGatheredMetrics は/metricsハンドラーが登録済みメトリクスを出力することを検証する。
func TestHandler_ServesGatheredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordHandshakeRejected()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "chatgate_handshake_rejected_total") {
		t.Error("exposition should contain chatgate_handshake_rejected_total")
	}
}
