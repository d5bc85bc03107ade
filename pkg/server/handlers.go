package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"chat-escalation-service/pkg/bus"
	"chat-escalation-service/pkg/coordinator"
	"chat-escalation-service/pkg/scheduler"
)

// Subscriber joins the supervisors topic for the SSE bridge. Implemented by
// bus.Redis.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan bus.Event, func(), error)
}

type Handler struct {
	coord        *coordinator.Coordinator
	events       Subscriber
	escalations  *scheduler.Scheduler
	helpRequests *scheduler.Scheduler
	logger       *logrus.Logger
}

func NewHandler(coord *coordinator.Coordinator, events Subscriber,
	escalations, helpRequests *scheduler.Scheduler, logger *logrus.Logger) *Handler {
	return &Handler{
		coord:        coord,
		events:       events,
		escalations:  escalations,
		helpRequests: helpRequests,
		logger:       logger,
	}
}

func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var request struct {
		ConversationID string `json:"conversationId"`
		Message        string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.coord.HandleMessage(r.Context(), request.ConversationID, request.Message)
	if err != nil {
		if errors.Is(err, coordinator.ErrEmptyMessage) {
			http.Error(w, "Missing message", http.StatusBadRequest)
			return
		}
		h.logger.WithError(err).Error("Failed to handle chat message")
		http.Error(w, "Failed to process message", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) PollConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	result, err := h.coord.PollConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, coordinator.ErrNotFound) {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		h.logger.WithError(err).WithField("conversation_id", id).Error("Failed to fetch conversation")
		http.Error(w, "Failed to fetch conversation", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) ListEscalations(w http.ResponseWriter, r *http.Request) {
	escalations, err := h.coord.ListEscalations(r.Context())
	if err != nil {
		// Serve an empty list instead of failing the supervisor dashboard.
		h.logger.WithError(err).Error("Failed to list escalations")
		escalations = []coordinator.EscalationView{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"escalations": escalations})
}

func (h *Handler) ResolveEscalation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var request struct {
		SupervisorResponse string `json:"supervisorResponse"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	success, err := h.coord.ResolveEscalation(r.Context(), id, request.SupervisorResponse)
	if err != nil {
		switch {
		case errors.Is(err, coordinator.ErrEmptyMessage):
			http.Error(w, "Missing supervisor response", http.StatusBadRequest)
		case errors.Is(err, coordinator.ErrNotFound):
			http.Error(w, "Escalation not found", http.StatusNotFound)
		default:
			h.logger.WithError(err).WithField("escalation_id", id).Error("Failed to resolve escalation")
			http.Error(w, "Failed to resolve escalation", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": success})
}

// Events streams supervisor lifecycle events over SSE. Connecting joins the
// supervisors topic, disconnecting leaves it.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, stop, err := h.events.Subscribe(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to subscribe supervisor client")
		http.Error(w, "Failed to subscribe", http.StatusServiceUnavailable)
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// The server-wide write timeout would cut long-lived streams short.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	flusher.Flush()
	h.logger.WithField("remote", r.RemoteAddr).Info("Supervisor client joined")
	defer h.logger.WithField("remote", r.RemoteAddr).Info("Supervisor client left")

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) CreateHelpRequest(w http.ResponseWriter, r *http.Request) {
	var request struct {
		CustomerName  string `json:"customer_name"`
		CustomerEmail string `json:"customer_email"`
		Question      string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req, err := h.coord.CreateHelpRequest(r.Context(), request.CustomerName, request.CustomerEmail, request.Question)
	if err != nil {
		if errors.Is(err, coordinator.ErrEmptyMessage) {
			http.Error(w, "Missing required fields", http.StatusBadRequest)
			return
		}
		h.logger.WithError(err).Error("Failed to create help request")
		http.Error(w, "Failed to create help request", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) ListHelpRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.coord.ListHelpRequests(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list help requests")
		http.Error(w, "Failed to list help requests", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"helpRequests": requests})
}

func (h *Handler) ResolveHelpRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var request struct {
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	success, err := h.coord.ResolveHelpRequest(r.Context(), id, request.Comment)
	if err != nil {
		switch {
		case errors.Is(err, coordinator.ErrEmptyMessage):
			http.Error(w, "Missing comment", http.StatusBadRequest)
		case errors.Is(err, coordinator.ErrNotFound):
			http.Error(w, "Help request not found", http.StatusNotFound)
		default:
			h.logger.WithError(err).WithField("help_request_id", id).Error("Failed to resolve help request")
			http.Error(w, "Failed to resolve help request", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": success})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":                   "healthy",
		"live_escalation_timers":   h.escalations.Len(),
		"live_help_request_timers": h.helpRequests.Len(),
		"timestamp":                time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
