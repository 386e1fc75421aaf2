// Package main provides the entry point for the Grok OpenAI-compatibility
// gateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/grok-openai-gateway/internal/api"
	"github.com/router-for-me/grok-openai-gateway/internal/config"
	"github.com/router-for-me/grok-openai-gateway/internal/grok/conversation"
	"github.com/router-for-me/grok-openai-gateway/internal/grok/session"
	"github.com/router-for-me/grok-openai-gateway/internal/logging"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the gateway config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logging.SetupBaseLogger(cfg.Debug)
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, "logs"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure log output: %v\n", err)
		os.Exit(1)
	}

	log.Infof("grok-openai-gateway %s (%s, built %s)", Version, Commit, BuildDate)

	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil {
		log.WithError(err).Fatal("failed to create store directory")
	}
	store, err := conversation.Open(cfg.StorePath)
	if err != nil {
		log.WithError(err).Fatal("failed to open conversation store")
	}
	defer store.Close()

	sessions := &session.Client{
		BaseURL: cfg.UpstreamBaseURL,
		HTTP:    httpClientWithTimeout(cfg.Timeouts.TotalMs),
		Headers: session.StaticHeaders{
			"Cookie":       os.Getenv("GROK_COOKIE"),
			"X-Csrf-Token": os.Getenv("GROK_CSRF_TOKEN"),
		},
	}

	server := api.NewServer(cfg, store, sessions)

	stopJanitor := make(chan struct{})
	go runJanitor(store, cfg.StoreRetention, stopJanitor)

	go func() {
		if err := server.Start(); err != nil {
			log.WithError(err).Fatal("API server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down...")
	close(stopJanitor)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.WithError(err).Error("error during server shutdown")
	}
}

// runJanitor periodically sweeps expired conversation rows in bounded
// batches, mirroring the on-demand POST /v0/management/cleanup handler.
func runJanitor(store *conversation.Store, cfg config.StoreRetentionConfig, stop <-chan struct{}) {
	interval := time.Duration(cfg.CleanupIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	limit := cfg.CleanupBatchLimit
	if limit <= 0 {
		limit = 200
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deleted, err := store.CleanupExpired(limit, time.Now().UnixMilli())
			if err != nil {
				log.WithError(err).Warn("janitor: cleanup sweep failed")
				continue
			}
			if deleted > 0 {
				log.WithField("deleted", deleted).Debug("janitor: swept expired conversations")
			}
		}
	}
}

func httpClientWithTimeout(totalMs int64) *http.Client {
	if totalMs <= 0 {
		totalMs = 300000
	}
	return &http.Client{Timeout: time.Duration(totalMs) * time.Millisecond}
}
