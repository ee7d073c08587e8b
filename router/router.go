package router

import (
	"net/http"

	"github.com/gorilla/mux"

	docHandler "naskahsync/internal/document"
	"naskahsync/internal/document/repository"
	"naskahsync/middleware"
	"naskahsync/pkg/metrics"
	"naskahsync/socket"
)

// Setup wires the websocket endpoint, the document API, metrics and the
// health check. journal may be nil when no database is configured.
func Setup(hub *socket.Hub, journal *repository.JournalRepository, jwtSecret string) http.Handler {
	r := mux.NewRouter()

	// WebSocket
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket.ServeWs(hub, w, r, middleware.UserID(r.Context()), middleware.DisplayName(r.Context()))
	})
	r.Handle("/ws", middleware.Identity(jwtSecret)(wsHandler))

	// REST API
	docs := docHandler.NewDocumentHandler(hub, journal)
	r.HandleFunc("/api/documents", docs.CreateDocument).Methods(http.MethodPost)
	r.HandleFunc("/api/documents/{id}", docs.GetDocument).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}", docs.DeleteDocument).Methods(http.MethodDelete)
	r.HandleFunc("/api/documents/{id}/ops", docs.GetOperations).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/participants", docs.GetParticipants).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/logs", docs.GetLogs).Methods(http.MethodGet)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return middleware.CORSMiddleware(r)
}
