package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"chat-escalation-service/pkg/config"
	"chat-escalation-service/pkg/coordinator"
	"chat-escalation-service/pkg/scheduler"
)

func NewHTTPServer(cfg *config.Config, coord *coordinator.Coordinator, events Subscriber,
	escalations, helpRequests *scheduler.Scheduler, logger *logrus.Logger) *http.Server {

	handler := NewHandler(coord, events, escalations, helpRequests, logger)

	router := mux.NewRouter()

	// Chat-facing API
	router.HandleFunc("/api/chat", handler.Chat).Methods("POST")
	router.HandleFunc("/api/chat/{id}", handler.PollConversation).Methods("GET")

	// Supervisor-facing API
	router.HandleFunc("/api/escalations", handler.ListEscalations).Methods("GET")
	router.HandleFunc("/api/escalations/{id}/resolve", handler.ResolveEscalation).Methods("POST")
	router.HandleFunc("/api/events", handler.Events).Methods("GET")

	// Help requests
	router.HandleFunc("/api/help-requests", handler.CreateHelpRequest).Methods("POST")
	router.HandleFunc("/api/help-requests", handler.ListHelpRequests).Methods("GET")
	router.HandleFunc("/api/help-requests/{id}/resolve", handler.ResolveHelpRequest).Methods("POST")

	router.HandleFunc("/health", handler.Health).Methods("GET")

	// Metrics endpoint
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Add logging middleware
	router.Use(loggingMiddleware(logger))

	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP request processed")
		})
	}
}
