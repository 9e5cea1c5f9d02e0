package api

import (
	"net/http"

	"otp2p/internal/middleware"
	"otp2p/internal/telemetry"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)       // Add tracing spans to all requests
	r.Use(middleware.ErrorRecoveryMiddleware) // Catch panics
	r.Use(middleware.CORSMiddleware)          // Handle CORS

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	// Document endpoints
	api.HandleFunc("/documents", h.ListDocuments).Methods("GET")
	api.HandleFunc("/documents/{id}", h.GetDocument).Methods("GET")
	api.HandleFunc("/documents/{id}", h.DeleteDocument).Methods("DELETE")
	api.HandleFunc("/documents/{id}/snapshot", h.GetSnapshot).Methods("GET")

	// Edit endpoints
	api.HandleFunc("/documents/{id}/insert", h.InsertText).Methods("POST")
	api.HandleFunc("/documents/{id}/delete", h.DeleteText).Methods("POST")
	api.HandleFunc("/documents/{id}/ops", h.SubmitOp).Methods("POST")

	// Health check endpoint
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// WebSocket routes
	r.HandleFunc("/ws/document/{id}", h.HandleDocumentWebSocket)

	// Prometheus scrape endpoint
	r.Handle("/metrics", telemetry.MetricsHandler())

	return r
}
