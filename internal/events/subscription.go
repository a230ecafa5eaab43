package events

import (
	"sync/atomic"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/domain"
)

// Subscription - очередь одного подписчика шины.
// Очередь ограничена: при переполнении выбрасывается самое старое событие,
// Emit никогда не ждёт медленного клиента.
type Subscription struct {
	ch      chan domain.FailSafeEvent
	filter  domain.EventType
	dropped atomic.Int64
}

func newSubscription(filter domain.EventType, size int) *Subscription {
	return &Subscription{
		ch:     make(chan domain.FailSafeEvent, size),
		filter: filter,
	}
}

// C - канал событий; закрывается при Unsubscribe или Close шины.
func (s *Subscription) C() <-chan domain.FailSafeEvent {
	return s.ch
}

// Filter - тип, на который подписан клиент; пустая строка - все типы.
func (s *Subscription) Filter() domain.EventType {
	return s.filter
}

// Dropped - сколько событий потеряно из-за переполнения очереди.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(ev domain.FailSafeEvent) bool {
	return s.filter == "" || s.filter == ev.Type
}

// push вызывается только под локом шины, поэтому писатель всегда один.
// Возвращает true, если пришлось выбросить старое событие.
func (s *Subscription) push(ev domain.FailSafeEvent) bool {
	select {
	case s.ch <- ev:
		return false
	default:
	}

	// Очередь полна: drop-oldest
	dropped := false
	select {
	case <-s.ch:
		dropped = true
		s.dropped.Add(1)
	default:
		// читатель успел освободить место
	}

	select {
	case s.ch <- ev:
	default:
		// Писатель один, место только что освобождено; сюда попадаем лишь при size == 0
		s.dropped.Add(1)
		dropped = true
	}
	return dropped
}
