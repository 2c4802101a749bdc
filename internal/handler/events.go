package handler

import (
	"log/slog"
	"net/http"

	schedSvc "github.com/jasl/tavern-kit-sub011/internal/domain/services/scheduling"
	"github.com/jasl/tavern-kit-sub011/internal/handler/sse"
	"github.com/jasl/tavern-kit-sub011/internal/httputil"
	"github.com/jasl/tavern-kit-sub011/internal/notify"
)

// EventsHandler streams queue updates over SSE. Each connection first gets a
// snapshot of the current state, then live updates; revisions let the client
// drop anything stale it may still receive.
type EventsHandler struct {
	hub       *notify.Hub
	scheduler schedSvc.TurnScheduler
	config    *sse.Config
	logger    *slog.Logger
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(hub *notify.Hub, scheduler schedSvc.TurnScheduler, config *sse.Config, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		hub:       hub,
		scheduler: scheduler,
		config:    config,
		logger:    logger,
	}
}

// Stream handles GET /api/conversations/{id}/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		httputil.RespondError(w, http.StatusBadRequest, "conversation ID is required")
		return
	}

	// Snapshot before subscribing would race a concurrent command, so
	// subscribe first and let revisions sort out the overlap.
	sub := h.hub.Subscribe(conversationID)
	defer h.hub.Unsubscribe(sub)

	snapshot, err := h.scheduler.Snapshot(r.Context(), conversationID)
	if err != nil {
		handleError(w, err)
		return
	}

	writer, err := sse.NewEventWriter(w)
	if err != nil {
		httputil.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger := h.logger.With("conversation_id", conversationID)
	logger.Debug("event stream established")

	if err := writer.WriteEvent("queue_updated", snapshot); err != nil {
		logger.Debug("initial snapshot write failed", "error", err)
		return
	}
	lastSeen := snapshot.Revision

	keepAlive := sse.NewTickerKeepAlive(h.config.KeepAliveInterval)
	keepAliveDone := keepAlive.Start(writer, logger)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("event stream closed by client")
			return

		case <-keepAliveDone:
			logger.Debug("event stream closed by keep-alive failure")
			return

		case update, ok := <-sub.Updates():
			if !ok {
				return
			}
			if update.Stale(lastSeen) {
				continue
			}
			if err := writer.WriteEvent(update.Type, update); err != nil {
				logger.Debug("event write failed", "error", err)
				return
			}
			lastSeen = update.Revision
		}
	}
}
