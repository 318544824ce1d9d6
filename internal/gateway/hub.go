package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omnibot-dev/omnibot/pkg/models"
)

// StreamEvent is one outbound action pushed to a connected adapter.
type StreamEvent struct {
	BotInstanceID string               `json:"bot_instance_id"`
	Action        models.OutboundAction `json:"action"`
	SentAt        time.Time            `json:"sent_at"`
}

// Hub fans outbound actions out to websocket subscribers. Adapters that
// cannot expose a callback endpoint connect to /v1/stream?bot_id=... and
// receive their bot's actions as JSON frames.
//
// Hub implements dispatcher.Sink. Deliver succeeds even with no
// subscriber connected: streaming is an at-most-once push channel, the
// durable record of a turn lives in the session store.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	send chan StreamEvent
	done chan struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With("component", "stream_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

// Deliver implements dispatcher.Sink.
func (h *Hub) Deliver(ctx context.Context, bot *models.BotInstance, action models.OutboundAction) error {
	event := StreamEvent{
		BotInstanceID: bot.ID,
		Action:        action,
		SentAt:        time.Now().UTC(),
	}

	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs[bot.ID]))
	for sub := range h.subs[bot.ID] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.send <- event:
		case <-sub.done:
		default:
			// A subscriber that cannot keep up is dropped rather than
			// allowed to stall delivery for the rest.
			h.logger.Warn("closing slow stream subscriber", "bot_id", bot.ID)
			h.remove(bot.ID, sub)
		}
	}
	return nil
}

// handleStream upgrades the connection and streams the bot's actions.
func (h *Hub) handleStream(w http.ResponseWriter, r *http.Request) {
	botID := r.URL.Query().Get("bot_id")
	if botID == "" {
		http.Error(w, "bot_id query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		conn: conn,
		send: make(chan StreamEvent, 64),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.subs[botID] == nil {
		h.subs[botID] = make(map[*subscriber]struct{})
	}
	h.subs[botID][sub] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("stream subscriber connected", "bot_id", botID)

	go h.writeLoop(botID, sub)
	h.readLoop(botID, sub)
}

// writeLoop pushes queued events and periodic pings.
func (h *Hub) writeLoop(botID string, sub *subscriber) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case event := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := sub.conn.WriteJSON(event); err != nil {
				h.remove(botID, sub)
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(botID, sub)
				return
			}
		case <-sub.done:
			return
		}
	}
}

// readLoop drains client frames so pongs and close frames are handled.
func (h *Hub) readLoop(botID string, sub *subscriber) {
	defer h.remove(botID, sub)
	sub.conn.SetReadLimit(4096)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(botID string, sub *subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[botID]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			close(sub.done)
			if len(set) == 0 {
				delete(h.subs, botID)
			}
		}
	}
	h.mu.Unlock()
	sub.conn.Close()
}

// CloseAll disconnects every subscriber. Used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []struct {
		botID string
		sub   *subscriber
	}
	for botID, set := range h.subs {
		for sub := range set {
			all = append(all, struct {
				botID string
				sub   *subscriber
			}{botID, sub})
		}
	}
	h.mu.Unlock()

	for _, entry := range all {
		h.remove(entry.botID, entry.sub)
	}
}
