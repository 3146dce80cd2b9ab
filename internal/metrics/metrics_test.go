package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistersAllCollectorsWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ClientsTotal.Inc()
	m.RPCCallsTotal.WithLabelValues("/foo", "0").Inc()
	m.RegulatorDrops.WithLabelValues("oversize").Inc()
}

func TestHandlerServesExposedMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ClientsActive.Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "vsoa_clients_active 3") {
		t.Fatalf("body missing vsoa_clients_active gauge: %s", body)
	}
}

func TestCollectorSamplesWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	c := NewCollector(m, 0)
	c.sample()
	if m.GoroutinesActive.Desc() == nil {
		t.Fatalf("goroutines gauge not initialized")
	}
}
