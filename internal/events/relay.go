package events

/*
Relay связывает шину событий с каналом Redis Pub/Sub, чтобы внешние
коллабораторы (валидатор, движок правил, трекер задач в других процессах)
могли публиковать события в дашборд и читать их.

- Исходящие: локальные события (Origin == "") публикуются конвертом {origin, event}.
  Публикация идёт через rate limiter, circuit breaker и ретраи, шину не блокирует:
  relay читает её как обычный подписчик с ограниченной очередью.
- Входящие: конверты чужих origin эмитятся локально с заполненным Origin
  и обратно не публикуются (нет петель между инстансами).
- Подписка переживает обрывы Redis: переподключение в цикле.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/domain"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/infra"
)

// ExternalOrigin - origin для голых событий без конверта.
const ExternalOrigin = "external"

type envelope struct {
	Origin string                `json:"origin"`
	Event  *domain.FailSafeEvent `json:"event,omitempty"`
}

type Relay struct {
	rdb     *redis.Client
	bus     *Bus
	channel string
	origin  string
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger

	reconnectDelay time.Duration
}

func NewRelay(rdb *redis.Client, bus *Bus, cfg infra.RedisConfig, logger *zap.Logger) *Relay {
	logger = logger.With(zap.String("mod", "relay"))

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "failsafe-relay",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("relay breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	limit := rate.Limit(cfg.PublishRate)
	if cfg.PublishRate <= 0 {
		limit = rate.Inf
	}
	burst := cfg.PublishBurst
	if burst <= 0 {
		burst = 1
	}

	channel := cfg.Channel
	if channel == "" {
		channel = infra.RedisChanEvents
	}

	return &Relay{
		rdb:            rdb,
		bus:            bus,
		channel:        channel,
		origin:         uuid.NewString(),
		cb:             cb,
		limiter:        rate.NewLimiter(limit, burst),
		logger:         logger,
		reconnectDelay: 5 * time.Second,
	}
}

// Origin - идентификатор этого процесса в конвертах.
func (r *Relay) Origin() string {
	return r.origin
}

// Run блокирует до отмены ctx.
func (r *Relay) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.bus.Listen(ctx, "", func(ev domain.FailSafeEvent) {
			if ev.Origin != "" {
				return // пришло снаружи - назад не отдаём
			}
			r.publish(ctx, ev)
		})
	}()
	go func() {
		defer wg.Done()
		r.listen(ctx)
	}()
	r.logger.Info("relay started", zap.String("channel", r.channel), zap.String("origin", r.origin))
	wg.Wait()
	r.logger.Info("relay stopped")
}

func (r *Relay) publish(ctx context.Context, ev domain.FailSafeEvent) {
	payload, err := encodeEnvelope(r.origin, ev)
	if err != nil {
		r.logger.Error("relay encode failed", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}

	// 1. Rate Limiter
	if err := r.limiter.Wait(ctx); err != nil {
		return
	}

	// 2. Circuit Breaker + ретраи внутри
	_, err = r.cb.Execute(func() (interface{}, error) {
		rt := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			retry.DelayType(retry.BackOffDelay),
		)
		return nil, rt.Do(func() error {
			return r.rdb.Publish(ctx, r.channel, payload).Err()
		})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.logger.Debug("relay publish skipped: breaker open", zap.String("event_id", ev.ID))
			return
		}
		r.logger.Warn("relay publish failed", zap.String("event_id", ev.ID), zap.Error(err))
	}
}

// listen - живучая подписка на канал с переподключением.
func (r *Relay) listen(ctx context.Context) {
	for {
		pubsub := r.rdb.Subscribe(ctx, r.channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("failed to subscribe", zap.String("chan", r.channel), zap.Error(err))
			if !sleepCtx(ctx, r.reconnectDelay) {
				return
			}
			continue
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				r.handleMessage(msg.Payload)
			}
		}

		_ = pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func (r *Relay) handleMessage(payload string) {
	origin, ev, err := decodeEnvelope([]byte(payload))
	if err != nil {
		r.logger.Error("invalid relay payload", zap.String("payload", payload), zap.Error(err))
		return
	}
	if origin == r.origin {
		return
	}
	ev.Origin = origin
	r.bus.Emit(ev)
}

// HealthCheck - доступность Redis и состояние предохранителя.
func (r *Relay) HealthCheck(ctx context.Context) domain.HealthCheckResult {
	state := r.cb.State()
	details := map[string]any{
		"channel": r.channel,
		"breaker": state.String(),
	}
	status := domain.StatusHealthy
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		status = domain.StatusUnhealthy
		details["error"] = err.Error()
	}
	if state == gobreaker.StateOpen {
		status = domain.StatusUnhealthy
	}
	return domain.HealthCheckResult{Name: "relay", Status: status, Details: details}
}

func encodeEnvelope(origin string, ev domain.FailSafeEvent) ([]byte, error) {
	return json.Marshal(envelope{Origin: origin, Event: &ev})
}

// decodeEnvelope принимает и конверт, и голое событие (origin = external).
func decodeEnvelope(payload []byte) (string, domain.FailSafeEvent, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", domain.FailSafeEvent{}, fmt.Errorf("relay: decode envelope: %w", err)
	}
	if env.Event != nil {
		origin := env.Origin
		if origin == "" {
			origin = ExternalOrigin
		}
		return origin, *env.Event, nil
	}

	var ev domain.FailSafeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", domain.FailSafeEvent{}, fmt.Errorf("relay: decode event: %w", err)
	}
	if ev.Type == "" && ev.Data == nil {
		return "", domain.FailSafeEvent{}, errors.New("relay: payload carries no event")
	}
	return ExternalOrigin, ev, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
