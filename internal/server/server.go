// Package server wires the coordinators behind the public HTTP API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/dropgate/dropgate/internal/auth"
	"github.com/dropgate/dropgate/internal/blob"
	"github.com/dropgate/dropgate/internal/config"
	"github.com/dropgate/dropgate/internal/meta"
	"github.com/dropgate/dropgate/internal/server/middleware"
	"github.com/dropgate/dropgate/internal/transfer"
)

// Server is the public-facing HTTP server of the transfer coordinator.
type Server struct {
	httpServer *http.Server
	config     *config.Config

	store      meta.Store
	broker     blob.Broker
	verifier   *auth.Verifier
	uploader   *transfer.Uploader
	downloader *transfer.Downloader
	owner      *transfer.Owner
	lifecycle  *transfer.Lifecycle
	bearer     *middleware.Bearer

	logger *logrus.Entry
}

// NewServer creates a server with its real backends: the embedded metadata
// store and the configured S3 bucket.
func NewServer(cfg *config.Config) (*Server, error) {
	var store meta.Store
	var err error
	if cfg.Store.InMemory {
		store, err = meta.OpenInMemory()
	} else {
		store, err = meta.Open(cfg.Store.Dir)
	}
	if err != nil {
		return nil, err
	}

	broker, err := blob.NewS3Broker(&blob.Config{
		Endpoint:           cfg.S3.Endpoint,
		Region:             cfg.S3.Region,
		Bucket:             cfg.S3.Bucket,
		AccessKeyID:        cfg.S3.AccessKeyID,
		SecretKey:          cfg.S3.SecretKey,
		ForcePathStyle:     cfg.S3.ForcePathStyle,
		InsecureSkipVerify: cfg.S3.InsecureSkipVerify,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create blob broker: %w", err)
	}

	return newServer(cfg, store, broker), nil
}

// newServer assembles the server around the given backends. Tests inject a
// fake broker here.
func newServer(cfg *config.Config, store meta.Store, broker blob.Broker) *Server {
	limits := limitsFromConfig(cfg)
	verifier := auth.NewVerifier(store)
	lifecycle := transfer.NewLifecycle(store, broker, limits.DownloadGrace)

	s := &Server{
		config:     cfg,
		store:      store,
		broker:     broker,
		verifier:   verifier,
		uploader:   transfer.NewUploader(store, broker, limits),
		downloader: transfer.NewDownloader(store, broker, lifecycle, limits),
		owner:      transfer.NewOwner(store, verifier, lifecycle, limits),
		lifecycle:  lifecycle,
		bearer:     middleware.NewBearer(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		logger:     logrus.WithField("component", "http-server"),
	}

	router := mux.NewRouter()
	s.setupRoutes(router)

	s.httpServer = &http.Server{
		Addr:        cfg.BindAddress,
		Handler:     router,
		ReadTimeout: 5 * time.Minute,
		// Streamed downloads can be long-lived; per-handler deadlines bound
		// everything else.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func limitsFromConfig(cfg *config.Config) transfer.Limits {
	t := cfg.Transfer
	return transfer.Limits{
		MaxFileSize:        t.MaxFileSize,
		MaxExpire:          time.Duration(t.MaxExpireSeconds) * time.Second,
		DefaultExpire:      time.Duration(t.DefaultExpireSeconds) * time.Second,
		MaxDownloads:       t.MaxDownloads,
		DefaultDownloads:   t.DefaultDownloads,
		MultipartThreshold: t.MultipartThreshold,
		DefaultPartSize:    t.DefaultPartSize,
		MaxParts:           t.MaxParts,
		MaxPartSize:        t.MaxPartSize,
		SignedURLTTL:       time.Duration(t.SignedURLTTLSeconds) * time.Second,
		DownloadGrace:      time.Duration(t.DownloadGraceSeconds) * time.Second,
		PublicBaseURL:      cfg.PublicBaseURL,
		UseSignedURLs:      t.UseSignedURLs,
	}
}

// Start serves until ctx is cancelled, then drains in-flight requests and
// closes the backends.
func (s *Server) Start(ctx context.Context) error {
	serverErrChan := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLS.Enabled {
			s.logger.WithField("address", s.config.BindAddress).Info("Starting HTTPS server")
			err = s.httpServer.ListenAndServeTLS(s.config.TLS.CertFile, s.config.TLS.KeyFile)
		} else {
			s.logger.WithField("address", s.config.BindAddress).Info("Starting HTTP server")
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverErrChan <- err
		}
	}()

	select {
	case err := <-serverErrChan:
		return err
	case <-ctx.Done():
	}

	timeout := time.Duration(s.config.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	err := s.httpServer.Shutdown(shutdownCtx)

	s.lifecycle.Close()
	if cerr := s.store.Close(); cerr != nil {
		s.logger.WithError(cerr).Warn("Failed to close metadata store")
	}
	return err
}
