// Package response writes the JSON bodies of the public API, including the
// error-kind to status-code mapping.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/dropgate/dropgate/internal/errdefs"
)

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// WriteError maps err onto its status code and writes the error body. Server
// faults are logged at error level, client faults at warn.
func WriteError(w http.ResponseWriter, logger *logrus.Entry, err error) {
	status := statusOf(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		// Do not leak internals to the client.
		message = "internal error"
		logger.WithError(err).Error("Request failed")
	} else {
		logger.WithError(err).WithField("status", status).Warn("Request rejected")
	}
	WriteJSON(w, status, errorBody{Error: message})
}

func statusOf(err error) int {
	switch {
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsUnauthenticated(err), errdefs.IsPermissionDenied(err):
		return http.StatusUnauthorized
	case errdefs.IsInvalidParameter(err), errdefs.IsTooLarge(err):
		return http.StatusBadRequest
	case errdefs.IsGone(err):
		return http.StatusGone
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
