package httpapi

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/app"
)

// EventHub fans session events out to every connected presentation socket.
// It implements app.Sink.
type EventHub struct {
	mu    sync.RWMutex
	conns map[*wsConn]struct{}
	last  *app.RoomState
}

var _ app.Sink = (*EventHub)(nil)

func NewEventHub() *EventHub {
	return &EventHub{conns: make(map[*wsConn]struct{})}
}

type eventEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func (h *EventHub) RoomStateChanged(state app.RoomState) {
	h.mu.Lock()
	h.last = &state
	h.mu.Unlock()
	h.broadcast(eventEnvelope{Type: "room_state", Payload: state})
}

func (h *EventHub) CallTimerTick(tick app.TimerTick) {
	h.broadcast(eventEnvelope{Type: "timer_tick", Payload: tick})
}

func (h *EventHub) Notice(text string) {
	h.broadcast(eventEnvelope{Type: "notice", Payload: map[string]string{"text": text}})
}

func (h *EventHub) broadcast(ev eventEnvelope) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "httpapi").Msg("marshal event")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		if err := c.trySend(data); err != nil {
			log.Warn().Err(err).Str("module", "httpapi").Msg("event dropped")
		}
	}
}

func (h *EventHub) add(c *wsConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	last := h.last
	h.mu.Unlock()

	// Late joiners get the current room state immediately.
	if last != nil {
		data, err := json.Marshal(eventEnvelope{Type: "room_state", Payload: *last})
		if err == nil {
			_ = c.trySend(data)
		}
	}
}

func (h *EventHub) remove(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}
