package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/dropgate/dropgate/internal/monitoring"
	"github.com/dropgate/dropgate/internal/server/response"
)

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if !s.authenticate(w, r, id) {
		return
	}
	r, cancel := withTimeout(r, requestTimeout)
	defer cancel()

	result, err := s.downloader.Metadata(r.Context(), id)
	if err != nil {
		response.WriteError(w, s.requestLogger(r), err)
		return
	}
	response.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	r, cancel := withTimeout(r, requestTimeout)
	defer cancel()

	exists, err := s.downloader.Exists(r.Context(), pathID(r))
	if err != nil {
		response.WriteError(w, s.requestLogger(r), err)
		return
	}
	response.WriteJSON(w, http.StatusOK, struct {
		Exists bool `json:"exists"`
	}{Exists: exists})
}

func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if !s.authenticate(w, r, id) {
		return
	}
	r, cancel := withTimeout(r, requestTimeout)
	defer cancel()

	info, err := s.downloader.URL(r.Context(), id)
	if err != nil {
		response.WriteError(w, s.requestLogger(r), err)
		return
	}
	response.WriteJSON(w, http.StatusOK, info)
}

// handleDownloadStream proxies the object bytes through the coordinator; the
// fallback when presigned URLs are disabled or unreachable.
func (s *Server) handleDownloadStream(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if !s.authenticate(w, r, id) {
		return
	}

	body, size, err := s.downloader.Stream(r.Context(), id)
	if err != nil {
		response.WriteError(w, s.requestLogger(r), err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if _, err := io.Copy(w, body); err != nil {
		// Headers are gone; nothing to do but log.
		s.requestLogger(r).WithError(err).WithField("id", id).Warn("Download stream interrupted")
	}
}

// handleDownloadDirect serves unencrypted files as a redirect to the signed
// URL. The download counter is incremented before the redirect: a client
// abort after this point still counts.
func (s *Server) handleDownloadDirect(w http.ResponseWriter, r *http.Request) {
	r, cancel := withTimeout(r, requestTimeout)
	defer cancel()

	url, err := s.downloader.Direct(r.Context(), pathID(r))
	if err != nil {
		response.WriteError(w, s.requestLogger(r), err)
		return
	}
	monitoring.DownloadsCompleted.Inc()
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleDownloadComplete(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if !s.authenticate(w, r, id) {
		return
	}
	r, cancel := withTimeout(r, requestTimeout)
	defer cancel()

	result, err := s.downloader.Complete(r.Context(), id)
	if err != nil {
		response.WriteError(w, s.requestLogger(r), err)
		return
	}
	monitoring.DownloadsCompleted.Inc()
	if result.Deleted {
		monitoring.RecordsDeleted.WithLabelValues("limit").Inc()
	}
	response.WriteJSON(w, http.StatusOK, result)
}
