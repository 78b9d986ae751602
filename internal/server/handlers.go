package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dropgate/dropgate/internal/auth"
	"github.com/dropgate/dropgate/internal/errdefs"
	"github.com/dropgate/dropgate/internal/monitoring"
	"github.com/dropgate/dropgate/internal/server/middleware"
	"github.com/dropgate/dropgate/internal/server/response"
)

// Per-request deadlines. Planning a large multipart upload mints thousands
// of URLs; everything else is a handful of backend round-trips.
const (
	planTimeout    = 5 * time.Minute
	requestTimeout = 30 * time.Second
)

const maxBodyBytes = 1 << 20

func (s *Server) requestLogger(r *http.Request) *logrus.Entry {
	return s.logger.WithField("request_id", middleware.RequestID(r.Context()))
}

func pathID(r *http.Request) string {
	return mux.Vars(r)["id"]
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v at its
// zero value, matching clients that omit optional bodies.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errdefs.InvalidParameter(err)
	}
	return nil
}

// authenticate runs the challenge-response for id. The fresh challenge is
// attached to the response whether or not the check passed; on failure the
// error response has already been written and the caller must return.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, id string) bool {
	challenge, err := s.verifier.Authenticate(r.Context(), id, r.Header.Get("Authorization"))
	if challenge != "" {
		w.Header().Set("WWW-Authenticate", auth.Scheme+" "+challenge)
	}
	if err != nil {
		if errdefs.IsUnauthenticated(err) {
			monitoring.AuthFailures.Inc()
		}
		response.WriteError(w, s.requestLogger(r), err)
		return false
	}
	return true
}

func withTimeout(r *http.Request, d time.Duration) (*http.Request, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(r.Context(), d)
	return r.WithContext(ctx), cancel
}
