package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/domain"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/telemetry"
)

// Bus - внутрипроцессный pub/sub для событий FailSafe.
// Хранит ограниченный буфер последних событий для replay новым подписчикам
// и раздаёт каждое событие всем подписчикам без блокировки (drop-oldest на подписчика).
type Bus struct {
	mu         sync.Mutex
	recent     []domain.FailSafeEvent
	recentSize int
	subs       map[*Subscription]struct{}
	bufSize    int
	closed     bool

	logger  *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

type Option func(*Bus)

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// NewBus создаёт шину. recentSize - глубина replay-буфера, bufSize - очередь подписчика.
func NewBus(recentSize, bufSize int, logger *zap.Logger, opts ...Option) *Bus {
	if recentSize <= 0 {
		recentSize = 100
	}
	if bufSize <= 0 {
		bufSize = 64
	}
	b := &Bus{
		recent:     make([]domain.FailSafeEvent, 0, recentSize),
		recentSize: recentSize,
		subs:       make(map[*Subscription]struct{}),
		bufSize:    bufSize,
		logger:     logger.With(zap.String("mod", "events")),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = telemetry.NewMetrics(nil)
	}
	return b
}

// Emit дополняет событие (id, timestamp, severity), приводит неизвестный тип к system,
// кладёт его в буфер последних и раздаёт подписчикам. Событие никогда не отбрасывается
// из-за ошибки валидации.
func (b *Bus) Emit(ev domain.FailSafeEvent) domain.FailSafeEvent {
	ev = b.normalize(ev)

	b.mu.Lock()
	b.recent = append(b.recent, ev)
	if len(b.recent) > b.recentSize {
		b.recent = b.recent[len(b.recent)-b.recentSize:]
	}
	dropped := 0
	for sub := range b.subs {
		if !sub.matches(ev) {
			continue
		}
		if sub.push(ev) {
			dropped++
		}
	}
	b.mu.Unlock()

	b.metrics.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()
	if dropped > 0 {
		b.metrics.EventsDropped.Add(float64(dropped))
		b.logger.Debug("slow subscribers lost oldest events",
			zap.String("event_id", ev.ID), zap.Int("subscribers", dropped))
	}
	return ev
}

func (b *Bus) normalize(ev domain.FailSafeEvent) domain.FailSafeEvent {
	if ev.Type == "" && ev.Data != nil {
		ev.Type = ev.Data.EventType()
	}
	if !ev.Type.Valid() {
		b.logger.Warn("unknown event type, coerced to system", zap.String("type", string(ev.Type)))
		original := string(ev.Type)
		ev.Type = domain.EventSystem
		switch d := ev.Data.(type) {
		case nil:
			ev.Data = domain.SystemData{Details: map[string]any{"originalType": original}}
		case domain.SystemData:
			if d.Details == nil {
				d.Details = make(map[string]any, 1)
			}
			d.Details["originalType"] = original
			ev.Data = d
		default:
			// system несёт только SystemData: чужую нагрузку кладём в details
			ev.Data = domain.SystemData{Details: map[string]any{"originalType": original, "payload": d}}
		}
	}
	if ev.Severity == "" {
		ev.Severity = domain.SeverityInfo
	} else if !ev.Severity.Valid() {
		b.logger.Warn("unknown event severity, coerced to info", zap.String("severity", string(ev.Severity)))
		ev.Severity = domain.SeverityInfo
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = b.now().UTC().Format(time.RFC3339Nano)
	}
	return ev
}

// Subscribe регистрирует подписчика. При replay в очередь сначала попадают
// последние события (с учётом фильтра), затем живой поток - без пропусков и дублей.
// Очередь вмещает весь replay плюс bufSize: replay не вытесняет сам себя,
// drop-oldest касается только живого потока.
func (b *Bus) Subscribe(filter domain.EventType, replay bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var backlog []domain.FailSafeEvent
	if replay && !b.closed {
		for _, ev := range b.recent {
			if filter == "" || ev.Type == filter {
				backlog = append(backlog, ev)
			}
		}
	}

	sub := newSubscription(filter, len(backlog)+b.bufSize)
	if b.closed {
		close(sub.ch)
		return sub
	}
	for _, ev := range backlog {
		sub.ch <- ev
	}
	b.subs[sub] = struct{}{}
	b.metrics.Subscribers.Inc()
	return sub
}

// Unsubscribe снимает подписчика и закрывает его канал. Повторный вызов безопасен.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
	b.metrics.Subscribers.Dec()
}

// Listen - внутрипроцессный слушатель: fn вызывается в отдельной горутине
// в порядке эмиссии. Блокирует до отмены ctx или закрытия шины.
func (b *Bus) Listen(ctx context.Context, filter domain.EventType, fn func(domain.FailSafeEvent)) {
	sub := b.Subscribe(filter, false)
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			fn(ev)
		}
	}
}

// Recent возвращает до limit последних событий (limit <= 0 - все), самое новое последним.
func (b *Bus) Recent(limit int, filter domain.EventType) []domain.FailSafeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.FailSafeEvent, 0, len(b.recent))
	for i := len(b.recent) - 1; i >= 0; i-- {
		ev := b.recent[i]
		if filter != "" && ev.Type != filter {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close закрывает все подписки; стримы завершаются, новые подписки сразу закрыты.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
		b.metrics.Subscribers.Dec()
	}
}

// HealthCheck - базовый сигнал живости шины: число подписчиков и глубина буфера.
func (b *Bus) HealthCheck(context.Context) domain.HealthCheckResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := domain.StatusHealthy
	if b.closed {
		status = domain.StatusUnhealthy
	}
	return domain.HealthCheckResult{
		Name:   "events",
		Status: status,
		Details: map[string]any{
			"subscribers":  len(b.subs),
			"recentEvents": len(b.recent),
		},
	}
}
