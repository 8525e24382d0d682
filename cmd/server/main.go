// Command server runs the IMAP bridge: a background synchronizer plus an
// HTTP transport and an optional JSON-RPC transport over stdio.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/imap-bridge/internal/cache"
	"github.com/brandon/imap-bridge/internal/config"
	"github.com/brandon/imap-bridge/internal/events"
	"github.com/brandon/imap-bridge/internal/imapcli"
	"github.com/brandon/imap-bridge/internal/mailbox"
	"github.com/brandon/imap-bridge/internal/rest"
	"github.com/brandon/imap-bridge/internal/rpc"
	"github.com/brandon/imap-bridge/internal/session"
	"github.com/brandon/imap-bridge/internal/syncer"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	logger.WithFields(logrus.Fields{
		"accounts":   len(cfg.Accounts),
		"cache_path": cfg.CachePath,
		"rest_addr":  cfg.RESTAddr,
		"rpc":        cfg.EnableRPC,
	}).Info("Starting IMAP bridge")

	c, err := cache.NewCache(cfg.CachePath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open cache")
	}
	defer c.Close()

	store := cache.NewStore(c, logger)
	for i := range cfg.Accounts {
		if err := store.UpsertAccount(&cfg.Accounts[i]); err != nil {
			logger.WithError(err).WithField("account", cfg.Accounts[i].ID).
				Fatal("Failed to register account")
		}
	}

	hub := events.NewHub(logger)

	pool := session.NewPool(cfg, func(account *config.AccountConfig) session.Driver {
		return imapcli.NewDriver(account, cfg.RoundTripTimeout, logger)
	}, logger, hub.PublishSessionHealth)
	defer pool.Close()

	svc := mailbox.NewService(pool, store, cfg, logger)
	sync := syncer.NewSyncer(pool, store, cfg, hub, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sync.Run(ctx)

	httpServer := rest.NewServer(cfg.RESTAddr, svc, sync, hub, logger)
	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	if cfg.EnableRPC {
		rpcServer := rpc.NewServer(svc, sync, os.Stdin, os.Stdout, logger)
		go func() {
			if err := rpcServer.Run(ctx); err != nil && err != context.Canceled {
				errChan <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-errChan:
		logger.WithError(err).Error("Transport failed, shutting down")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown did not complete cleanly")
	}

	logger.Info("Stopped")
}
