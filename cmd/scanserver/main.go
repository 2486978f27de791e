package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"github.com/looprock/subscan/internal/config"
	"github.com/looprock/subscan/internal/database"
	"github.com/looprock/subscan/internal/mailfetch"
	"github.com/looprock/subscan/internal/parser"
	"github.com/looprock/subscan/internal/quota"
	"github.com/looprock/subscan/internal/reconcile"
	"github.com/looprock/subscan/internal/scan"
	"github.com/looprock/subscan/internal/smtpingest"
)

func main() {
	zlog, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer zlog.Sync()
	logger := zlog.Sugar().Named("scanserver")

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

	// Run database migrations
	if err := db.Migrate(); err != nil {
		logger.Fatalw("failed to run database migrations", "error", err)
	}

	// A crash mid-scan leaves the in_progress claim held; release any
	// before scheduling new work.
	if err := scan.RecoverStaleScans(ctx, db, logger); err != nil {
		logger.Fatalw("failed to recover stale scans", "error", err)
	}

	// Provider access tokens come from the external secret store when
	// configured.
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
	p := parser.New(merchants)
	reconciler := reconcile.New(db, merchants, logger)

	orch := scan.New(db, fetcher, p, reconciler, quotas, scan.Config{
		MaxBodyBytes: cfg.Scanner.MaxBodyBytes,
	}, logger)

	scheduler := scan.NewScheduler(db, orch,
		time.Duration(cfg.Scanner.IntervalSeconds)*time.Second, logger)
	go scheduler.Run(ctx)

	if cfg.SMTP.Enabled {
		receiver := smtpingest.NewReceiver(db, orch, smtpingest.Config{
			Host:         cfg.SMTP.Host,
			Port:         cfg.SMTP.Port,
			Domain:       cfg.SMTP.Domain,
			MaxEmailSize: cfg.SMTP.MaxEmailSize,
		}, logger)
		go func() {
			if err := receiver.Start(); err != nil {
				logger.Errorw("SMTP receiver error", "error", err)
				stop()
			}
		}()
		logger.Infow("started SMTP forward-in receiver",
			"host", cfg.SMTP.Host, "port", cfg.SMTP.Port)
	}

	// Keep the application running until we receive an interrupt signal
	<-ctx.Done()
	logger.Info("shutting down scan server")
}
