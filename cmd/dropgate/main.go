package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dropgate/dropgate/internal/config"
	"github.com/dropgate/dropgate/internal/monitoring"
	"github.com/dropgate/dropgate/internal/server"
)

var (
	// Build information injected at build time
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "dropgate",
		Short: "dropgate coordinates end-to-end encrypted file transfers",
		Long: `dropgate is the server side of an end-to-end encrypted file-transfer
service. Clients encrypt in the browser; dropgate brokers direct,
pre-signed transfers between clients and an S3-compatible object store,
tracks per-file metadata with a wall-clock TTL and a download-count
limit, and gates access to encrypted files with a stateless HMAC
challenge-response.

The server never sees plaintext and never holds a content-encryption
key. Configuration comes from a YAML file (use --config) or DROPGATE_*
environment variables.`,
		Run: runServer,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file (YAML format)")
}

func initConfig() {
	config.InitConfig(cfgFile)
}

func runServer(cmd *cobra.Command, args []string) {
	logrus.WithFields(logrus.Fields{
		"version":   version,
		"commit":    commit,
		"buildTime": buildTime,
	}).Info("dropgate build information")

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid log level")
	}
	logrus.SetLevel(level)
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if cfg.Monitoring.Enabled {
		mon := monitoring.NewServer(&monitoring.Config{
			BindAddress: cfg.Monitoring.BindAddress,
			MetricsPath: cfg.Monitoring.MetricsPath,
		})
		go func() {
			if err := mon.Start(ctx); err != nil {
				logrus.WithError(err).Error("Monitoring server failed")
			}
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(ctx)
	}()

	select {
	case <-sigChan:
		logrus.Info("Received shutdown signal, gracefully shutting down...")
		cancel()
		if err := <-serverErr; err != nil {
			logrus.WithError(err).Error("Server shutdown error")
		}
	case err := <-serverErr:
		if err != nil {
			logrus.WithError(err).Fatal("Server failed")
		}
	}

	logrus.Info("Server stopped")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
