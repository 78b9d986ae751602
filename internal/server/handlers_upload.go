package server

import (
	"net/http"

	"github.com/dropgate/dropgate/internal/monitoring"
	"github.com/dropgate/dropgate/internal/server/response"
	"github.com/dropgate/dropgate/internal/transfer"
)

func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)

	authenticated, err := s.bearer.Authenticate(r)
	if err != nil {
		response.WriteError(w, logger, err)
		return
	}

	var req transfer.PlanRequest
	if err := decodeJSON(r, &req); err != nil {
		response.WriteError(w, logger, err)
		return
	}
	if authenticated {
		req.MaxFileSize = s.config.Transfer.MaxFileSizeAuthenticated
	}

	r, cancel := withTimeout(r, planTimeout)
	defer cancel()

	plan, err := s.uploader.Plan(r.Context(), req)
	if err != nil {
		response.WriteError(w, logger, err)
		return
	}
	kind := "single"
	if plan.Multipart {
		kind = "multipart"
	}
	monitoring.UploadsPlanned.WithLabelValues(kind).Inc()
	response.WriteJSON(w, http.StatusOK, plan)
}

func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)

	var req transfer.CompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		response.WriteError(w, logger, err)
		return
	}

	r, cancel := withTimeout(r, requestTimeout)
	defer cancel()

	result, err := s.uploader.Complete(r.Context(), req)
	if err != nil {
		response.WriteError(w, logger, err)
		return
	}
	monitoring.UploadsCompleted.Inc()
	response.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleUploadAbort(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)

	var req struct {
		UploadID string `json:"uploadId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		response.WriteError(w, logger, err)
		return
	}

	r, cancel := withTimeout(r, requestTimeout)
	defer cancel()

	if err := s.uploader.Abort(r.Context(), pathID(r), req.UploadID); err != nil {
		response.WriteError(w, logger, err)
		return
	}
	monitoring.UploadsAborted.Inc()
	response.WriteJSON(w, http.StatusOK, struct{}{})
}
