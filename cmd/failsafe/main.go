package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/console/server"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/events"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/health"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/infra"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/metrics"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/repository/postgres"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/requestlog"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/telemetry"
)

// version проставляется при сборке: -ldflags "-X main.version=1.2.3"
var version string

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./failsafe.yaml or ./configs/failsafe.yaml)")
	flag.Parse()

	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if version != "" {
		cfg.Server.Version = version
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("failsafe server failed", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст для управления жизненным циклом фоновых горутин
	// При SIGINT/SIGTERM отмена запускает shutdown и останавливает relay
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Метрики Prometheus
	reg := prometheus.NewRegistry()
	telemetry.RegisterRuntime(reg)
	tm := telemetry.NewMetrics(reg)

	// 2. Подсистемы наблюдаемости
	bus := events.NewBus(cfg.Events.RecentSize, cfg.Events.SubscriberBuffer, logger, events.WithMetrics(tm))
	reqLog := requestlog.New(requestlog.OptionsFromConfig(cfg.Requests), logger)
	reporter := health.NewReporter(cfg.Health, cfg.Server.Version, logger)

	mirror, closeMirror, err := openMirror(appCtx, cfg, logger, reporter)
	if err != nil {
		return err
	}
	defer closeMirror()

	store := metrics.NewStore(metrics.OptionsFromConfig(cfg.Metrics), mirror, logger, metrics.WithMetrics(tm))
	store.Load(appCtx)
	store.Start()
	defer func() { _ = store.Close() }() // повторный Close - no-op

	// 3. Relay событий через Redis (опционально)
	var wg sync.WaitGroup
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		relay := events.NewRelay(rdb, bus, cfg.Redis, logger)
		reporter.AddProbe(relay)
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Run(appCtx)
		}()
	}

	// 4. HTTP
	srv := server.New(server.Deps{
		Requests:  reqLog,
		Metrics:   store,
		Bus:       bus,
		Health:    reporter,
		Telemetry: tm,
		Heartbeat: cfg.Events.HeartbeatInterval,
	}, logger)

	ln, port, err := infra.BindListener(cfg.Server.Host, cfg.Server.Port, cfg.Server.MaxPortAttempts, logger)
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}

	httpSrv := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	logger.Info("failsafe server started",
		zap.String("url", fmt.Sprintf("http://%s", net.JoinHostPort(cfg.Server.Host, fmt.Sprint(port)))),
		zap.Strings("plugins", srv.Plugins()),
		zap.String("version", cfg.Server.Version),
	)

	serve(appCtx, httpSrv, ln, bus, cfg.Server.ShutdownTimeout, logger)

	// при ошибке Serve сигнала не было: гасим relay явно
	stop()
	wg.Wait()
	if err := store.Close(); err != nil {
		logger.Error("final metrics flush failed", zap.Error(err))
	}
	logger.Info("failsafe server exited properly")
	return nil
}

// serve обслуживает ln до отмены ctx или ошибки сервера, затем делает graceful shutdown.
// Запросы живут в собственном базовом контексте: сигнал не отменяет их во время drain,
// контекст отменяется только после возврата Shutdown.
func serve(ctx context.Context, httpSrv *http.Server, ln net.Listener, bus *events.Bus, shutdownTimeout time.Duration, logger *zap.Logger) {
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpSrv.BaseContext = func(net.Listener) context.Context { return baseCtx }

	serveErr := make(chan error, 1)
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}
	logger.Info("failsafe server stopping...")

	// Graceful Shutdown: сначала закрываем шину, чтобы SSE-стримы завершились
	bus.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
}

// openMirror выбирает хранилище суточных метрик по конфигу.
func openMirror(ctx context.Context, cfg *infra.Config, logger *zap.Logger, reporter *health.Reporter) (metrics.Mirror, func(), error) {
	switch cfg.Metrics.Storage {
	case infra.StoragePostgres:
		repo, err := postgres.NewMetricsRepo(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		// Проверяем соединение с таймаутом
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := repo.Ping(pingCtx); err != nil {
			repo.Close()
			return nil, nil, fmt.Errorf("database unreachable: %w", err)
		}
		if err := repo.EnsureSchema(pingCtx); err != nil {
			repo.Close()
			return nil, nil, err
		}
		reporter.AddProbe(repo)
		logger.Info("metrics storage: postgres")
		return repo, repo.Close, nil
	default:
		logger.Info("metrics storage: file", zap.String("path", cfg.Metrics.File))
		return metrics.NewFileMirror(cfg.Metrics.File), func() {}, nil
	}
}
