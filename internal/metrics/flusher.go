package metrics

/*
flusher - фоновая запись счётчиков в зеркало.

- Инкременты не ждут диска: Store только помечает себя грязным (неблокирующий notify).
- Запись не чаще раза в interval, полным снимком, с ретраями.
- Неудачная запись не теряет данные: память остаётся авторитетной, флаг dirty
  сохраняется до следующего успешного сброса.
- Stop закрывает done и ждёт финального сброса (drain), чтобы выход процесса
  не терял инкременты.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
)

type flusher struct {
	flush    func(ctx context.Context) error
	interval time.Duration
	notify   chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	started  atomic.Bool
	logger   *zap.Logger
}

func newFlusher(flush func(ctx context.Context) error, interval time.Duration, logger *zap.Logger) *flusher {
	if interval <= 0 {
		interval = time.Second
	}
	return &flusher{
		flush:    flush,
		interval: interval,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

func (f *flusher) Start() {
	f.started.Store(true)
	f.wg.Add(1)
	go f.worker()
}

// Mark сообщает воркеру, что есть несохранённые изменения. Никогда не блокирует.
func (f *flusher) Mark() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Stop дожидается финального сброса. Повторный вызов безопасен.
// Если воркер не запускался, сброс выполняется здесь же.
func (f *flusher) Stop() {
	f.once.Do(func() {
		close(f.done)
		if !f.started.Load() {
			f.save(context.Background())
			return
		}
		f.wg.Wait()
	})
}

// save пишет снимок с ретраями; false - все попытки неудачны.
func (f *flusher) save(ctx context.Context) bool {
	rt := retry.New(
		retry.Context(ctx),
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
	)
	if err := rt.Do(func() error { return f.flush(ctx) }); err != nil {
		f.logger.Error("metrics flush failed, keeping in-memory state", zap.Error(err))
		return false
	}
	return true
}

func (f *flusher) worker() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	dirty := false
	save := func() {
		// Background: контекст сервера к финальному сбросу уже отменён
		if f.save(context.Background()) {
			dirty = false
		}
	}

	for {
		select {
		case <-f.notify:
			dirty = true
		case <-ticker.C:
			if dirty {
				save()
			}
		case <-f.done:
			select {
			case <-f.notify:
				dirty = true
			default:
			}
			if dirty {
				save()
			}
			f.logger.Info("metrics flusher finished")
			return
		}
	}
}
