package requestlog

import (
	"sync"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/domain"
)

// Ring - FIFO фиксированной ёмкости. Вставка сверх ёмкости молча вытесняет самую старую запись.
type Ring struct {
	mu    sync.RWMutex
	items []domain.RequestLogEntry
	head  int // индекс самой старой записи
	size  int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 200
	}
	return &Ring{items: make([]domain.RequestLogEntry, capacity)}
}

func (r *Ring) Cap() int {
	return len(r.items)
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Push добавляет запись в хвост.
func (r *Ring) Push(e domain.RequestLogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.items) {
		r.items[(r.head+r.size)%len(r.items)] = e
		r.size++
		return
	}
	r.items[r.head] = e
	r.head = (r.head + 1) % len(r.items)
}

// All - копия всех записей в порядке вставки.
func (r *Ring) All() []domain.RequestLogEntry {
	return r.Filter(nil)
}

// Last - не больше n последних записей в порядке вставки.
func (r *Ring) Last(n int) []domain.RequestLogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]domain.RequestLogEntry, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.items[(r.head+i)%len(r.items)])
	}
	return out
}

// Filter - записи, для которых keep вернул true; nil - все.
func (r *Ring) Filter(keep func(domain.RequestLogEntry) bool) []domain.RequestLogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.RequestLogEntry, 0, r.size)
	for i := 0; i < r.size; i++ {
		e := r.items[(r.head+i)%len(r.items)]
		if keep == nil || keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Update применяет fn к записи с данным id (поиск от новых к старым).
func (r *Ring) Update(id string, fn func(*domain.RequestLogEntry)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := r.size - 1; i >= 0; i-- {
		idx := (r.head + i) % len(r.items)
		if r.items[idx].ID == id {
			fn(&r.items[idx])
			return true
		}
	}
	return false
}

// Stats - агрегаты по всему буферу.
func (r *Ring) Stats() domain.RequestStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := domain.RequestStats{StatusCodes: make(map[int]int)}
	var sum float64
	for i := 0; i < r.size; i++ {
		e := r.items[(r.head+i)%len(r.items)]
		stats.Total++
		if e.IsError() {
			stats.Errors++
		}
		sum += e.ResponseTime
		stats.StatusCodes[e.StatusCode]++
	}
	if stats.Total > 0 {
		stats.AvgResponseTime = sum / float64(stats.Total)
	}
	return stats
}

func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.items)
	r.head = 0
	r.size = 0
}
