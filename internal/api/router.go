package api

import (
	"net/http"

	"collab-engine/internal/collaboration"
	"collab-engine/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler, ws *collaboration.WebSocketHandler) *mux.Router {
	r := mux.NewRouter()

	// Middleware runs in order: tracing first, then recovery, then CORS.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	// Account endpoint
	r.HandleFunc("/signup", h.Signup).Methods("POST")

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	// Document endpoints
	api.HandleFunc("/documents", h.CreateDocument).Methods("POST")
	api.HandleFunc("/documents", h.ListDocuments).Methods("GET")
	api.HandleFunc("/documents/{id}", h.GetDocument).Methods("GET")
	api.HandleFunc("/documents/{id}/changes", h.GetChanges).Methods("GET")

	// Health check endpoint
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// WebSocket route; the identity token travels as a query parameter.
	r.HandleFunc("/ws/documents/{id}", ws.HandleDocumentConnection)

	return r
}
