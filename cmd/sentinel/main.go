// Command sentinel runs the process-sentinel service: it consumes lifecycle
// events from the Oracle AQ queue, lands them in the sentinel tables, and
// serves tenant-scoped status and log queries over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"process-sentinel/internal/api"
	"process-sentinel/internal/aq"
	"process-sentinel/internal/auth"
	"process-sentinel/internal/config"
	"process-sentinel/internal/pool"
	"process-sentinel/internal/service"
	"process-sentinel/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}
	initLogging(cfg.LogLevel)

	w, err := wallet.Prepare(cfg.WalletLocation, cfg.WalletBase64, cfg.SSLServerDNMatch)
	if err != nil {
		log.WithError(err).Fatal("prepare wallet")
	}
	defer w.Cleanup()

	sessions, err := pool.Open(cfg, w.Dir)
	if err != nil {
		log.WithError(err).Fatal("create session pool")
	}

	keys := auth.NewJWKS(cfg.JWKSetURI, cfg.JWKSRefreshInterval)
	var dlq api.DLQBrowser
	if cfg.DLQName != "" {
		dlq = aq.NewDLQ(cfg)
	}
	svc := service.New(cfg, sessions, aq.NewOracleSource(cfg), dlq, keys)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"queue":   cfg.QueueName,
		"workers": cfg.WorkerThreads,
		"http":    cfg.HTTPListen(),
	}).Info("process-sentinel starting")

	if err := svc.Run(ctx); err != nil {
		log.WithError(err).Fatal("service failed")
	}
}

func initLogging(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Fatal("unknown log level")
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.JSONFormatter{})
	log.SetOutput(os.Stdout)
}
