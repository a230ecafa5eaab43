package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/console/handler"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/events"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/health"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/metrics"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/requestlog"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/telemetry"
)

// Plugin - набор маршрутов сервера. Плагин, реализующий health.Probe,
// автоматически попадает в проверки здоровья.
type Plugin interface {
	Name() string
	Mount(r chi.Router)
}

// Deps - подсистемы, из которых собирается сервер. Создаются один раз в main.
type Deps struct {
	Requests  *requestlog.Logger
	Metrics   *metrics.Store
	Bus       *events.Bus
	Health    *health.Reporter
	Telemetry *telemetry.Metrics

	Heartbeat time.Duration
}

type ObservabilityServer struct {
	router  *chi.Mux
	logger  *zap.Logger
	plugins []Plugin
}

// New собирает роутер: встроенные плагины (requests, metrics, events, health)
// и дополнительные, в порядке регистрации.
func New(deps Deps, logger *zap.Logger, extra ...Plugin) *ObservabilityServer {
	var prom http.Handler
	if deps.Telemetry != nil {
		prom = deps.Telemetry.Handler()
	}

	s := &ObservabilityServer{
		router: chi.NewRouter(),
		logger: logger.With(zap.String("mod", "server")),
		plugins: append([]Plugin{
			handler.NewRequestsHandler(deps.Requests),
			handler.NewMetricsHandler(deps.Metrics, prom),
			handler.NewEventsHandler(deps.Bus, deps.Heartbeat, logger),
			handler.NewHealthHandler(deps.Health),
		}, extra...),
	}

	s.routes(deps)
	return s
}

func (s *ObservabilityServer) routes(deps Deps) {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if deps.Telemetry != nil {
		r.Use(deps.Telemetry.Middleware)
	}

	// --- 2. Хуки наблюдаемости: суточные счётчики и журнал запросов ---
	r.Use(deps.Metrics.Middleware)
	r.Use(deps.Requests.Middleware)

	r.NotFound(handler.NotFound)
	r.MethodNotAllowed(handler.MethodNotAllowed)

	// --- 3. Плагины ---
	for _, p := range s.plugins {
		p.Mount(r)
		if probe, ok := p.(health.Probe); ok {
			deps.Health.AddProbe(probe)
		}
		s.logger.Debug("plugin mounted", zap.String("plugin", p.Name()))
	}
}

// Plugins - имена подключённых плагинов в порядке регистрации.
func (s *ObservabilityServer) Plugins() []string {
	names := make([]string, 0, len(s.plugins))
	for _, p := range s.plugins {
		names = append(names, p.Name())
	}
	return names
}

// ServeHTTP позволяет использовать ObservabilityServer как стандартный http.Handler
func (s *ObservabilityServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
