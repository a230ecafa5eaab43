package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	// Traffic: общее кол-во запросов
	RequestsTotal *prometheus.CounterVec

	// Latency: сколько времени заняла обработка
	RequestDuration *prometheus.HistogramVec

	// Events: сколько событий прошло через шину, по типам
	EventsEmitted *prometheus.CounterVec

	// Saturation: события, выброшенные из переполненных очередей подписчиков
	EventsDropped prometheus.Counter

	// Активные SSE/WebSocket подписчики
	Subscribers prometheus.Gauge

	// Неудачные сбросы зеркала метрик на диск/в БД
	FlushFailures prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewMetrics регистрирует коллекторы в reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "failsafe_http_requests_total",
			Help: "Total number of processed HTTP requests.",
		}, []string{"method", "route", "status"}),

		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "failsafe_http_request_duration_seconds",
			Help:    "Histogram of request latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route"}),

		EventsEmitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "failsafe_events_emitted_total",
			Help: "Total number of events emitted on the bus.",
		}, []string{"type"}),

		EventsDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "failsafe_events_dropped_total",
			Help: "Events dropped from full subscriber queues (oldest first).",
		}),

		Subscribers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "failsafe_sse_subscribers",
			Help: "Current number of streaming subscribers.",
		}),

		FlushFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "failsafe_metrics_flush_failures_total",
			Help: "Failed attempts to persist daily metrics.",
		}),

		gatherer: reg,
	}
}

// RegisterRuntime добавляет стандартные Go/process коллекторы.
func RegisterRuntime(reg *prometheus.Registry) {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler отдаёт экспозицию в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware считает запросы и латентность по шаблону маршрута chi.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// routePattern не даёт кардинальности взорваться на 404 и параметрах пути.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
