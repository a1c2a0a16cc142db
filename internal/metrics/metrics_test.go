package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesRecordedSeries(t *testing.T) {
	m := New()
	m.ObserveRequest("GET", "/md/orderbook", "ok", 25*time.Millisecond)
	m.APIError(11001)
	m.ToolCall("place_order", "error")
	m.ScaleTable(true, map[string]int{"inverse": 3})
	m.StreamMessage("orderbook")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	for _, want := range []string{
		`phemex_tools_rest_requests_total{`,
		`code="11001"`,
		`tool="place_order"`,
		`phemex_tools_scale_table_loaded{`,
		`market="inverse"`,
		`channel="orderbook"`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, text)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("GET", "/", "ok", time.Second)
	m.APIError(1)
	m.ToolCall("x", "ok")
	m.ScaleTable(false, nil)
	m.StreamMessage("trade")
	if m.Registry() != nil {
		t.Fatalf("Registry() on nil = non-nil")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("nil Handler status = %d, want 404", rec.Code)
	}
}
