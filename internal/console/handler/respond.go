package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/requestlog"
)

// maxBodyBytes ограничивает тела POST-запросов.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError отвечает {"error": msg} и помечает запись журнала запросов.
func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	requestlog.RecordError(r.Context(), errors.New(msg))
	writeJSON(w, status, map[string]string{"error": msg})
}

// NotFound и MethodNotAllowed - JSON-версии ответов chi по умолчанию.
func NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "route not found: "+r.Method+" "+r.URL.Path)
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// queryInt: пустое значение - def, мусор - ошибка.
func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key + " parameter")
	}
	return n, nil
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}
