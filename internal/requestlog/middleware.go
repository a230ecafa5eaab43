package requestlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"
)

type slotKey struct{}

// errorSlot - место, куда обработчик кладёт ошибку для журнала.
type errorSlot struct {
	err error
}

// RecordError привязывает ошибку обработчика к текущей записи журнала.
// Статус ответа не меняется: журнал только наблюдает.
func RecordError(ctx context.Context, err error) {
	if slot, ok := ctx.Value(slotKey{}).(*errorSlot); ok && err != nil {
		slot.err = err
	}
}

// Middleware вешает хуки журнала на каждый запрос. Паника обработчика
// превращается в запись с ошибкой и ответ 500.
func (l *Logger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := l.OnRequestStart(r)
		slot := &errorSlot{}
		rec := &statusRecorder{ResponseWriter: w}

		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				l.OnError(id, rec.status, errors.New("handler aborted"))
				panic(p)
			}
			l.OnError(id, http.StatusInternalServerError, fmt.Errorf("panic: %v", p))
			l.logger.Error("handler panic recovered", zap.String("id", id), zap.Any("panic", p))
			if rec.status == 0 {
				rec.Header().Set("Content-Type", "application/json")
				rec.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(rec).Encode(map[string]string{"error": "internal server error"})
			}
		}()

		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), slotKey{}, slot)))

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		if slot.err != nil {
			l.OnError(id, status, slot.err)
		}
		l.OnResponseComplete(id, status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

// Unwrap нужен http.ResponseController (SSE снимает write deadline).
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}
