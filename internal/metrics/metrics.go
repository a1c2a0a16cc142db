package metrics

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "phemex_tools"

// Metrics owns a private registry so the exporter only shows this
// process's series. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	apiErrors      *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	scaleSymbols   *prometheus.GaugeVec
	scaleLoaded    prometheus.Gauge
	streamMessages *prometheus.CounterVec
}

func New() *Metrics {
	hostname, _ := os.Hostname()
	constLabels := prometheus.Labels{"hostname": hostname}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rest_requests_total",
			Help:        "REST calls to the exchange by method, path and outcome.",
			ConstLabels: constLabels,
		}, []string{"method", "path", "outcome"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "rest_request_seconds",
			Help:        "REST call latency.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "path"}),
		apiErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "api_errors_total",
			Help:        "Exchange-reported error codes.",
			ConstLabels: constLabels,
		}, []string{"code"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "tool_calls_total",
			Help:        "Tool invocations by tool and result.",
			ConstLabels: constLabels,
		}, []string{"tool", "result"}),
		scaleSymbols: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "scale_table_symbols",
			Help:        "Listed symbols in the scale table per market type.",
			ConstLabels: constLabels,
		}, []string{"market"}),
		scaleLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "scale_table_loaded",
			Help:        "1 when product metadata loaded at startup.",
			ConstLabels: constLabels,
		}),
		streamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "stream_messages_total",
			Help:        "WebSocket messages received by channel.",
			ConstLabels: constLabels,
		}, []string{"channel"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.requestLatency,
		m.apiErrors,
		m.toolCalls,
		m.scaleSymbols,
		m.scaleLoaded,
		m.streamMessages,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method, path, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.With(prometheus.Labels{"method": method, "path": path, "outcome": outcome}).Inc()
	m.requestLatency.With(prometheus.Labels{"method": method, "path": path}).Observe(d.Seconds())
}

func (m *Metrics) APIError(code int64) {
	if m == nil {
		return
	}
	m.apiErrors.With(prometheus.Labels{"code": strconv.FormatInt(code, 10)}).Inc()
}

func (m *Metrics) ToolCall(tool, result string) {
	if m == nil {
		return
	}
	m.toolCalls.With(prometheus.Labels{"tool": tool, "result": result}).Inc()
}

func (m *Metrics) ScaleTable(loaded bool, symbolsPerMarket map[string]int) {
	if m == nil {
		return
	}
	if loaded {
		m.scaleLoaded.Set(1)
	} else {
		m.scaleLoaded.Set(0)
	}
	for market, n := range symbolsPerMarket {
		m.scaleSymbols.With(prometheus.Labels{"market": market}).Set(float64(n))
	}
}

func (m *Metrics) StreamMessage(channel string) {
	if m == nil {
		return
	}
	m.streamMessages.With(prometheus.Labels{"channel": channel}).Inc()
}
