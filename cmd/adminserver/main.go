package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/looprock/subscan/internal/admin"
	"github.com/looprock/subscan/internal/config"
	"github.com/looprock/subscan/internal/database"
	"github.com/looprock/subscan/internal/mailfetch"
	"github.com/looprock/subscan/internal/parser"
	"github.com/looprock/subscan/internal/quota"
	"github.com/looprock/subscan/internal/reconcile"
	"github.com/looprock/subscan/internal/scan"
)

func main() {
	zlog, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer zlog.Sync()
	logger := zlog.Sugar().Named("adminserver")

	// Create context that listens for the interrupt signal from the OS
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalw("failed to load configuration", "error", err)
	}

	// Initialize database
	dbConfig, err := database.ConfigFromApp(cfg)
	if err != nil {
		logger.Fatalw("invalid database configuration", "error", err)
	}
	db, err := database.New(dbConfig, logger)
	if err != nil {
		logger.Fatalw("failed to initialize database", "error", err)
	}
	defer db.Close()

	// The admin server needs a working orchestrator so operators can
	// trigger on-demand scans.
	var tokens mailfetch.TokenSource = mailfetch.StaticTokenSource(os.Getenv("SUBSCAN_PROVIDER_TOKEN"))
	if cfg.Secrets.BaseURL != "" {
		tokens = &mailfetch.SecretStoreTokenSource{
			BaseURL:   cfg.Secrets.BaseURL,
			AuthToken: cfg.Secrets.Token,
		}
	}
	fetcher := mailfetch.NewClient(mailfetch.ClientConfig{
		BaseURL:    cfg.Provider.BaseURL,
		PageSize:   cfg.Provider.PageSize,
		MaxRetries: cfg.Provider.MaxRetries,
		Timeout:    time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
	}, tokens, logger)

	var quotas quota.Service = quota.Unlimited{}
	if cfg.Quota.BaseURL != "" {
		quotas = quota.NewClient(cfg.Quota.BaseURL, cfg.Quota.Token)
	}

	merchants := parser.DefaultMerchants()
	orch := scan.New(db, fetcher, parser.New(merchants),
		reconcile.New(db, merchants, logger), quotas,
		scan.Config{MaxBodyBytes: cfg.Scanner.MaxBodyBytes}, logger)

	server := admin.New(db, orch, cfg.AdminServer.APIKeyHash, logger)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.AdminServer.Host, cfg.AdminServer.Port)
		if err := server.Start(addr); err != nil {
			logger.Errorw("admin server error", "error", err)
			stop()
		}
	}()

	// Keep the application running until we receive an interrupt signal
	<-ctx.Done()
	logger.Info("shutting down admin server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("admin server shutdown failed", "error", err)
	}
}
