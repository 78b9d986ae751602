package server

import (
	"net/http"
	"time"

	"github.com/dropgate/dropgate/internal/server/response"
)

// clientConfig is the public view of the limits, enough for a client to
// pre-validate an upload before asking for a plan.
type clientConfig struct {
	MaxFileSize              int64 `json:"maxFileSize"`
	MaxFileSizeAuthenticated int64 `json:"maxFileSizeAuthenticated"`
	MaxExpireSeconds         int   `json:"maxExpireSeconds"`
	DefaultExpireSeconds     int   `json:"defaultExpireSeconds"`
	MaxDownloads             int   `json:"maxDownloads"`
	DefaultDownloads         int   `json:"defaultDownloads"`
	MultipartThreshold       int64 `json:"multipartThreshold"`
	DefaultPartSize          int64 `json:"defaultPartSize"`
	MaxParts                 int   `json:"maxParts"`
	MaxPartSize              int64 `json:"maxPartSize"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	t := s.config.Transfer
	response.WriteJSON(w, http.StatusOK, clientConfig{
		MaxFileSize:              t.MaxFileSize,
		MaxFileSizeAuthenticated: t.MaxFileSizeAuthenticated,
		MaxExpireSeconds:         t.MaxExpireSeconds,
		DefaultExpireSeconds:     t.DefaultExpireSeconds,
		MaxDownloads:             t.MaxDownloads,
		DefaultDownloads:         t.DefaultDownloads,
		MultipartThreshold:       t.MultipartThreshold,
		DefaultPartSize:          t.DefaultPartSize,
		MaxParts:                 t.MaxParts,
		MaxPartSize:              t.MaxPartSize,
	})
}

// handleHealth is the cheap liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

// handleHeartbeat probes both backends.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	r, cancel := withTimeout(r, 10*time.Second)
	defer cancel()

	if err := s.store.Ping(r.Context()); err != nil {
		response.WriteError(w, s.requestLogger(r), err)
		return
	}
	if err := s.broker.Ping(r.Context()); err != nil {
		response.WriteError(w, s.requestLogger(r), err)
		return
	}
	response.WriteJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}
