// Package gateway exposes the hub over HTTP: event ingest for webhook
// adapters, a websocket stream for outbound actions, health, and
// metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omnibot-dev/omnibot/internal/dispatcher"
	"github.com/omnibot-dev/omnibot/pkg/models"
)

// Server is the HTTP front of the hub.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	hub        *Hub
	logger     *slog.Logger
	gatherer   prometheus.Gatherer

	httpServer *http.Server
}

// NewServer creates the gateway. The hub is the server's outbound sink;
// pass it to the dispatcher so turn results reach connected streams.
func NewServer(d *dispatcher.Dispatcher, hub *Hub, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		dispatcher: d,
		hub:        hub,
		logger:     logger.With("component", "gateway"),
		gatherer:   gatherer,
	}
}

// Routes builds the request mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", s.handleEvent)
	mux.HandleFunc("GET /v1/stream", s.hub.handleStream)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe runs the server until the context ends, then shuts it
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", addr, err)
	}
	s.logger.Info("gateway listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.hub.CloseAll()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// inboundRequest is the ingest payload.
type inboundRequest struct {
	BotInstanceID     string              `json:"bot_instance_id"`
	ChatScope         string              `json:"chat_scope"`
	SenderID          string              `json:"sender_id"`
	Payload           string              `json:"payload"`
	Attachments       []models.Attachment `json:"attachments,omitempty"`
	PlatformMessageID string              `json:"platform_message_id"`
	GroupChat         bool                `json:"group_chat,omitempty"`
	Mentioned         bool                `json:"mentioned,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type acceptedResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

// handleEvent admits one inbound event. The turn executes
// asynchronously; outbound actions arrive on the bot's stream.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.BotInstanceID == "" || req.ChatScope == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bot_instance_id and chat_scope are required"})
		return
	}
	if req.PlatformMessageID == "" {
		req.PlatformMessageID = uuid.NewString()
	}

	err := s.dispatcher.Submit(&models.InboundEvent{
		BotInstanceID:     req.BotInstanceID,
		ChatScope:         req.ChatScope,
		SenderID:          req.SenderID,
		Payload:           req.Payload,
		Attachments:       req.Attachments,
		PlatformMessageID: req.PlatformMessageID,
		ReceivedAt:        time.Now().UTC(),
		GroupChat:         req.GroupChat,
		Mentioned:         req.Mentioned,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, acceptedResponse{
			EventID: req.PlatformMessageID,
			Status:  "accepted",
		})
	case errors.Is(err, dispatcher.ErrDuplicate):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "duplicate event"})
	case errors.Is(err, dispatcher.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "busy"})
	case errors.Is(err, dispatcher.ErrUnknownBot):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown bot instance"})
	case errors.Is(err, dispatcher.ErrInactiveBot):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "bot instance inactive"})
	case errors.Is(err, dispatcher.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "shutting down"})
	default:
		s.logger.Error("event admission failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
