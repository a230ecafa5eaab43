package requestlog

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/domain"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/infra"
)

// DefaultRecent - сколько записей отдаёт recent=true без limit.
const DefaultRecent = 10

const redacted = "[REDACTED]"

// Заголовки, значения которых маскируются даже при include_headers.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"proxy-authorization": true,
}

type Options struct {
	Capacity       int
	IncludeHeaders bool
	IncludeBody    bool
	MaxBodyBytes   int64
	SensitivePaths []string
}

func OptionsFromConfig(cfg infra.RequestsConfig) Options {
	return Options{
		Capacity:       cfg.Capacity,
		IncludeHeaders: cfg.IncludeHeaders,
		IncludeBody:    cfg.IncludeBody,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		SensitivePaths: cfg.SensitivePaths,
	}
}

type pending struct {
	entry domain.RequestLogEntry
	start time.Time
}

// Logger - журнал запросов поверх кольцевого буфера.
// Жизненный цикл записи: OnRequestStart -> OnResponseComplete, опционально OnError.
type Logger struct {
	ring *Ring
	opts Options

	mu       sync.Mutex
	inflight map[string]*pending

	logger *zap.Logger
	now    func() time.Time
}

func New(opts Options, logger *zap.Logger) *Logger {
	sensitive := make([]string, 0, len(opts.SensitivePaths))
	for _, p := range opts.SensitivePaths {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			sensitive = append(sensitive, p)
		}
	}
	opts.SensitivePaths = sensitive

	return &Logger{
		ring:     NewRing(opts.Capacity),
		opts:     opts,
		inflight: make(map[string]*pending),
		logger:   logger.With(zap.String("mod", "requestlog")),
		now:      time.Now,
	}
}

// OnRequestStart фиксирует время старта и выдаёт id записи.
func (l *Logger) OnRequestStart(r *http.Request) string {
	start := l.now()
	entry := domain.RequestLogEntry{
		ID:        uuid.NewString(),
		Timestamp: start.UTC().Format(time.RFC3339Nano),
		Method:    r.Method,
		URL:       requestURL(r),
		UserAgent: r.UserAgent(),
		IP:        clientIP(r),
	}

	if !l.isSensitive(r.URL.Path) {
		if l.opts.IncludeHeaders {
			entry.Headers = maskHeaders(r.Header)
		}
		if l.opts.IncludeBody {
			entry.Body = l.captureBody(r)
		}
	}

	l.mu.Lock()
	l.inflight[entry.ID] = &pending{entry: entry, start: start}
	l.mu.Unlock()
	return entry.ID
}

// OnResponseComplete считает время ответа и кладёт запись в буфер.
// Если запись уже зафиксирована хуком ошибки, повторно не добавляется.
func (l *Logger) OnResponseComplete(id string, status int) (domain.RequestLogEntry, bool) {
	l.mu.Lock()
	p, ok := l.inflight[id]
	if ok {
		delete(l.inflight, id)
	}
	l.mu.Unlock()
	if !ok {
		return domain.RequestLogEntry{}, false
	}

	p.entry.StatusCode = status
	p.entry.ResponseTime = elapsedMS(p.start, l.now())
	l.commit(p.entry)
	return p.entry, true
}

// OnError помечает запись ошибкой. Запись в полёте фиксируется сразу (со статусом
// ответа, либо 500 если он не выставлен), поэтому ошибка без OnResponseComplete
// всё равно даёт полную запись. Для уже зафиксированной записи обновляются ошибка и статус.
func (l *Logger) OnError(id string, status int, err error) (domain.RequestLogEntry, bool) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	if status == 0 {
		status = http.StatusInternalServerError
	}

	l.mu.Lock()
	p, ok := l.inflight[id]
	if ok {
		delete(l.inflight, id)
	}
	l.mu.Unlock()

	if ok {
		p.entry.Error = msg
		p.entry.StatusCode = status
		p.entry.ResponseTime = elapsedMS(p.start, l.now())
		l.commit(p.entry)
		return p.entry, true
	}

	var updated domain.RequestLogEntry
	found := l.ring.Update(id, func(e *domain.RequestLogEntry) {
		e.Error = msg
		e.StatusCode = status
		updated = *e
	})
	return updated, found
}

func (l *Logger) commit(e domain.RequestLogEntry) {
	l.ring.Push(e)

	fields := []zap.Field{
		zap.String("id", e.ID),
		zap.String("method", e.Method),
		zap.String("url", e.URL),
		zap.Int("status", e.StatusCode),
		zap.Float64("duration_ms", e.ResponseTime),
	}
	if e.IP != "" {
		fields = append(fields, zap.String("ip", e.IP))
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}
	switch {
	case e.StatusCode >= http.StatusInternalServerError:
		l.logger.Error("http_request", fields...)
	case e.StatusCode >= http.StatusBadRequest:
		l.logger.Warn("http_request", fields...)
	default:
		l.logger.Info("http_request", fields...)
	}
}

// List возвращает записи по фильтру; см. domain.RequestFilter о приоритетах.
func (l *Logger) List(f domain.RequestFilter) []domain.RequestLogEntry {
	switch {
	case f.StatusCode != 0:
		return l.ring.Filter(func(e domain.RequestLogEntry) bool { return e.StatusCode == f.StatusCode })
	case f.ErrorsOnly:
		return l.ring.Filter(func(e domain.RequestLogEntry) bool { return e.IsError() })
	case f.RecentOnly:
		n := f.Limit
		if n <= 0 {
			n = DefaultRecent
		}
		return l.ring.Last(n)
	case f.Limit > 0:
		return l.ring.Last(f.Limit)
	default:
		return l.ring.All()
	}
}

func (l *Logger) Stats() domain.RequestStats {
	return l.ring.Stats()
}

// Clear очищает буфер и забывает запросы в полёте: начатые до очистки не попадут в журнал.
func (l *Logger) Clear() {
	l.mu.Lock()
	clear(l.inflight)
	l.mu.Unlock()
	l.ring.Clear()
}

// HealthCheck - заполненность буфера.
func (l *Logger) HealthCheck(context.Context) domain.HealthCheckResult {
	l.mu.Lock()
	inflight := len(l.inflight)
	l.mu.Unlock()
	return domain.HealthCheckResult{
		Name:   "requests",
		Status: domain.StatusHealthy,
		Details: map[string]any{
			"entries":  l.ring.Len(),
			"capacity": l.ring.Cap(),
			"inflight": inflight,
		},
	}
}

func (l *Logger) isSensitive(path string) bool {
	path = strings.ToLower(path)
	for _, p := range l.opts.SensitivePaths {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// captureBody читает не больше MaxBodyBytes и возвращает прочитанное обратно в r.Body.
func (l *Logger) captureBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	limit := l.opts.MaxBodyBytes
	if limit <= 0 {
		limit = 4096
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, limit))
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	if err != nil {
		l.logger.Debug("request body capture failed", zap.Error(err))
	}
	return string(buf)
}

type readCloser struct {
	io.Reader
	io.Closer
}

func maskHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = redacted
			continue
		}
		out[k] = strings.Join(v, ", ")
	}
	return out
}

func requestURL(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func elapsedMS(start, end time.Time) float64 {
	return float64(end.Sub(start).Microseconds()) / 1000
}
