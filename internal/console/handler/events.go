package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/domain"
	"github.com/WulfForge/Cursor-FailSafe-sub000/internal/events"
)

const (
	defaultRecentLimit = 50
	wsWriteWait        = 10 * time.Second
)

type EventsHandler struct {
	bus       *events.Bus
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

func NewEventsHandler(bus *events.Bus, heartbeat time.Duration, logger *zap.Logger) *EventsHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &EventsHandler{
		bus:       bus,
		heartbeat: heartbeat,
		upgrader:  websocket.Upgrader{CheckOrigin: localOrigin},
		logger:    logger.With(zap.String("mod", "events-http")),
	}
}

func (h *EventsHandler) Name() string { return "events" }

func (h *EventsHandler) Mount(r chi.Router) {
	r.Route("/events", func(r chi.Router) {
		r.Get("/", h.Stream)
		r.Get("/ws", h.WebSocket)
		r.Get("/recent", h.Recent)
		r.Post("/test", h.Test)
	})
}

func (h *EventsHandler) HealthCheck(ctx context.Context) domain.HealthCheckResult {
	return h.bus.HealthCheck(ctx)
}

// Stream - живой поток событий через SSE.
// GET /events?type=&replay=false
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming not supported")
		return
	}
	filter, ok := h.typeFilter(w, r)
	if !ok {
		return
	}

	// Снимаем write deadline сервера: соединение живёт долго
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	sub := h.bus.Subscribe(filter, r.URL.Query().Get("replay") != "false")
	defer h.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, flusher, systemEvent("connected", map[string]any{"filter": string(filter)})); err != nil {
		return
	}
	h.logger.Debug("sse client connected", zap.String("filter", string(filter)))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("sse client disconnected", zap.Int64("dropped", sub.Dropped()))
			return
		case ev, ok := <-sub.C():
			if !ok {
				return // шина закрыта
			}
			if err := writeSSE(w, flusher, ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := writeSSE(w, flusher, systemEvent("heartbeat", nil)); err != nil {
				return
			}
		}
	}
}

// WebSocket - тот же поток в JSON-фреймах, heartbeat через ping.
// GET /events/ws?type=&replay=false
func (h *EventsHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.typeFilter(w, r)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe(filter, r.URL.Query().Get("replay") != "false")
	defer h.bus.Unsubscribe(sub)

	// Чтение нужно только для обработки close/pong
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(ev domain.FailSafeEvent) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(ev)
	}
	if err := send(systemEvent("connected", map[string]any{"filter": string(filter)})); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := send(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// Recent - последние события, самое новое последним.
// GET /events/recent?type=&limit=
func (h *EventsHandler) Recent(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.typeFilter(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", defaultRecentLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	evs := h.bus.Recent(limit, filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": evs,
		"total":  len(evs),
		"limit":  limit,
	})
}

// Test - ручная эмиссия события.
// POST /events/test {type, data, severity}
func (h *EventsHandler) Test(w http.ResponseWriter, r *http.Request) {
	var ev domain.FailSafeEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&ev); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid event body: %v", err))
		return
	}

	// id и timestamp всегда назначает шина
	ev.ID, ev.Timestamp, ev.Origin = "", "", ""
	emitted := h.bus.Emit(ev)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"event":   emitted,
	})
}

func (h *EventsHandler) typeFilter(w http.ResponseWriter, r *http.Request) (domain.EventType, bool) {
	t := domain.EventType(r.URL.Query().Get("type"))
	if t != "" && !t.Valid() {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown event type %q", t))
		return "", false
	}
	return t, true
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev domain.FailSafeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// systemEvent - служебное событие одного соединения, в шину не попадает.
func systemEvent(msg string, details map[string]any) domain.FailSafeEvent {
	return domain.FailSafeEvent{
		ID:        uuid.NewString(),
		Type:      domain.EventSystem,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      domain.SystemData{Message: msg, Details: details},
		Severity:  domain.SeverityInfo,
	}
}

// localOrigin пускает WebSocket только со страниц localhost (или без Origin).
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Hostname()) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.EqualFold(u.Host, r.Host)
}
