package server

import (
	"net/http"

	"github.com/dropgate/dropgate/internal/monitoring"
	"github.com/dropgate/dropgate/internal/server/response"
)

// ownerRequest is the shared body shape of the owner-token endpoints.
type ownerRequest struct {
	OwnerToken string `json:"owner_token"`
	DLimit     int    `json:"dlimit,omitempty"`
	Auth       string `json:"auth,omitempty"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)

	var req ownerRequest
	if err := decodeJSON(r, &req); err != nil {
		response.WriteError(w, logger, err)
		return
	}

	r, cancel := withTimeout(r, requestTimeout)
	defer cancel()

	if err := s.owner.Delete(r.Context(), pathID(r), req.OwnerToken); err != nil {
		response.WriteError(w, logger, err)
		return
	}
	monitoring.RecordsDeleted.WithLabelValues("owner").Inc()
	response.WriteJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)

	var req ownerRequest
	if err := decodeJSON(r, &req); err != nil {
		response.WriteError(w, logger, err)
		return
	}

	r, cancel := withTimeout(r, requestTimeout)
	defer cancel()

	if err := s.owner.SetParams(r.Context(), pathID(r), req.OwnerToken, req.DLimit); err != nil {
		response.WriteError(w, logger, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)

	var req ownerRequest
	if err := decodeJSON(r, &req); err != nil {
		response.WriteError(w, logger, err)
		return
	}

	r, cancel := withTimeout(r, requestTimeout)
	defer cancel()

	info, err := s.owner.Info(r.Context(), pathID(r), req.OwnerToken)
	if err != nil {
		response.WriteError(w, logger, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, info)
}

func (s *Server) handlePassword(w http.ResponseWriter, r *http.Request) {
	logger := s.requestLogger(r)

	var req ownerRequest
	if err := decodeJSON(r, &req); err != nil {
		response.WriteError(w, logger, err)
		return
	}

	r, cancel := withTimeout(r, requestTimeout)
	defer cancel()

	if err := s.owner.SetPassword(r.Context(), pathID(r), req.OwnerToken, req.Auth); err != nil {
		response.WriteError(w, logger, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, struct{}{})
}
