package server

import (
	"github.com/gorilla/mux"

	"github.com/dropgate/dropgate/internal/monitoring"
	"github.com/dropgate/dropgate/internal/server/middleware"
)

// File ids are always 16 lowercase hex characters; anything else falls off
// the router.
const idPattern = "{id:[0-9a-f]{16}}"

// setupRoutes registers the public API.
func (s *Server) setupRoutes(router *mux.Router) {
	if s.config.Monitoring.Enabled {
		router.Use(monitoring.HTTPMiddleware)
	}
	router.Use(middleware.WithRequestID)
	router.Use(middleware.NewLogger(s.logger, s.config.LogHealthRequests).Middleware)

	// Public, unauthenticated
	router.HandleFunc("/config", s.handleConfig).Methods("GET")
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/__heartbeat__", s.handleHeartbeat).Methods("GET")
	router.HandleFunc("/exists/"+idPattern, s.handleExists).Methods("GET")

	// Uploads (optional bearer)
	router.HandleFunc("/upload/url", s.handleUploadURL).Methods("POST")
	router.HandleFunc("/upload/complete", s.handleUploadComplete).Methods("POST")
	router.HandleFunc("/upload/abort/"+idPattern, s.handleUploadAbort).Methods("POST")

	// Reads, challenge-response gated when the record is encrypted
	router.HandleFunc("/metadata/"+idPattern, s.handleMetadata).Methods("GET")
	router.HandleFunc("/download/url/"+idPattern, s.handleDownloadURL).Methods("GET")
	router.HandleFunc("/download/direct/"+idPattern, s.handleDownloadDirect).Methods("GET")
	router.HandleFunc("/download/blob/"+idPattern, s.handleDownloadStream).Methods("GET")
	router.HandleFunc("/download/complete/"+idPattern, s.handleDownloadComplete).Methods("POST")
	router.HandleFunc("/download/"+idPattern, s.handleDownloadStream).Methods("GET")

	// Owner actions, owner-token gated
	router.HandleFunc("/delete/"+idPattern, s.handleDelete).Methods("POST")
	router.HandleFunc("/params/"+idPattern, s.handleParams).Methods("POST")
	router.HandleFunc("/info/"+idPattern, s.handleInfo).Methods("POST")
	router.HandleFunc("/password/"+idPattern, s.handlePassword).Methods("POST")
}
