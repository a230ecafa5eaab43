package health

/*
Reporter собирает вердикт здоровья по запросу и ничего не хранит между вызовами.

- Проверки плагинов (Probe) и пользовательские проверки (CheckFunc) выполняются
  параллельно, каждая со своим таймаутом.
- Паника или ошибка проверки превращается в unhealthy с текстом в details,
  эндпоинт при этом не падает.
- Итог unhealthy, если unhealthy хотя бы одна проверка.
- Параллельные вызовы Detailed схлопываются через singleflight.
*/

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/domain"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/infra"
)

var errCheckTimeout = errors.New("health check timed out")

// Probe - проверка, которую отдаёт подсистема (шина, метрики, relay, база).
type Probe interface {
	HealthCheck(ctx context.Context) domain.HealthCheckResult
}

// CheckFunc - пользовательская проверка: nil - healthy, ошибка - unhealthy.
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name string
	fn   CheckFunc
}

type Reporter struct {
	mu     sync.RWMutex
	probes []Probe
	checks []namedCheck

	version string
	started time.Time
	timeout time.Duration

	group  singleflight.Group
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Reporter)

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// NewReporter создаёт репортер со встроенной проверкой памяти.
func NewReporter(cfg infra.HealthConfig, version string, logger *zap.Logger, opts ...Option) *Reporter {
	r := &Reporter{
		version: version,
		timeout: cfg.CheckTimeout,
		logger:  logger.With(zap.String("mod", "health")),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.timeout <= 0 {
		r.timeout = 2 * time.Second
	}
	r.started = r.now()
	if cfg.MemoryThresholdMB > 0 {
		r.AddCheck("memory", MemoryCheck(cfg.MemoryThresholdMB))
	}
	return r
}

func (r *Reporter) AddProbe(p Probe) {
	r.mu.Lock()
	r.probes = append(r.probes, p)
	r.mu.Unlock()
}

func (r *Reporter) AddCheck(name string, fn CheckFunc) {
	r.mu.Lock()
	r.checks = append(r.checks, namedCheck{name: name, fn: fn})
	r.mu.Unlock()
}

// Simple - liveness: без проверок, всегда ok.
func (r *Reporter) Simple() domain.SimpleHealth {
	return domain.SimpleHealth{Status: "ok", Timestamp: r.now().UTC().Format(time.RFC3339Nano)}
}

// Detailed выполняет все проверки и агрегирует вердикт.
func (r *Reporter) Detailed(ctx context.Context) domain.HealthResponse {
	// контекст первого вызывающего разделяется с остальными - отвязываем от отмены
	v, _, _ := r.group.Do("detailed", func() (any, error) {
		return r.detailed(context.WithoutCancel(ctx)), nil
	})
	return v.(domain.HealthResponse)
}

func (r *Reporter) detailed(ctx context.Context) domain.HealthResponse {
	start := time.Now()

	r.mu.RLock()
	probes := append([]Probe(nil), r.probes...)
	checks := append([]namedCheck(nil), r.checks...)
	r.mu.RUnlock()

	server := r.serverInfo()
	results := make([]domain.HealthCheckResult, 1+len(probes)+len(checks))
	results[0] = domain.HealthCheckResult{Name: "server", Status: domain.StatusHealthy, Details: server}

	var g errgroup.Group
	for i, p := range probes {
		i, p := i, p
		g.Go(func() error {
			results[1+i] = r.runProbe(ctx, p)
			return nil
		})
	}
	for i, c := range checks {
		i, c := i, c
		g.Go(func() error {
			results[1+len(probes)+i] = r.runCheck(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	status := domain.StatusHealthy
	for _, res := range results {
		if res.Status != domain.StatusHealthy {
			status = domain.StatusUnhealthy
			r.logger.Warn("health check failed", zap.String("check", res.Name), zap.Any("details", res.Details))
		}
	}

	return domain.HealthResponse{
		Status:       status,
		Timestamp:    server.Timestamp,
		Version:      r.version,
		ResponseTime: float64(time.Since(start).Microseconds()) / 1000,
		Server:       server,
		Checks:       results,
	}
}

func (r *Reporter) runProbe(ctx context.Context, p Probe) domain.HealthCheckResult {
	name := fmt.Sprintf("%T", p)
	res, err := r.guard(ctx, func(ctx context.Context) (domain.HealthCheckResult, error) {
		return p.HealthCheck(ctx), nil
	})
	if err != nil {
		return unhealthy(name, err)
	}
	if res.Status == "" {
		res.Status = domain.StatusUnhealthy
	}
	return res
}

func (r *Reporter) runCheck(ctx context.Context, c namedCheck) domain.HealthCheckResult {
	_, err := r.guard(ctx, func(ctx context.Context) (domain.HealthCheckResult, error) {
		return domain.HealthCheckResult{}, c.fn(ctx)
	})
	if err != nil {
		return unhealthy(c.name, err)
	}
	return domain.HealthCheckResult{Name: c.name, Status: domain.StatusHealthy}
}

// guard выполняет проверку с таймаутом и перехватом паники.
func (r *Reporter) guard(ctx context.Context, fn func(context.Context) (domain.HealthCheckResult, error)) (domain.HealthCheckResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		res domain.HealthCheckResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("check panicked: %v", p)}
			}
		}()
		res, err := fn(ctx)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return domain.HealthCheckResult{}, errCheckTimeout
	}
}

func (r *Reporter) serverInfo() domain.ServerInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	now := r.now()
	return domain.ServerInfo{
		Uptime: now.Sub(r.started).Seconds(),
		Memory: domain.MemoryInfo{
			HeapAlloc:  ms.HeapAlloc,
			HeapSys:    ms.HeapSys,
			Sys:        ms.Sys,
			NumGC:      ms.NumGC,
			HeapUsedMB: ms.HeapAlloc / (1 << 20),
		},
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  now.UTC().Format(time.RFC3339Nano),
	}
}

// MemoryCheck - мягкий сигнал давления: heap выше порога в МБ.
func MemoryCheck(thresholdMB uint64) CheckFunc {
	return func(context.Context) error {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if used := ms.HeapAlloc / (1 << 20); used > thresholdMB {
			return fmt.Errorf("heap usage %dMB exceeds %dMB", used, thresholdMB)
		}
		return nil
	}
}

func unhealthy(name string, err error) domain.HealthCheckResult {
	return domain.HealthCheckResult{
		Name:    name,
		Status:  domain.StatusUnhealthy,
		Details: map[string]any{"error": err.Error()},
	}
}
