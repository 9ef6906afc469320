package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/premail/premail/internal/auth"
	"github.com/premail/premail/internal/config"
	"github.com/premail/premail/internal/credential"
	"github.com/premail/premail/internal/database"
	"github.com/premail/premail/internal/dispatcher"
	"github.com/premail/premail/internal/handler"
	"github.com/premail/premail/internal/logger"
	"github.com/premail/premail/internal/mailer"
	"github.com/premail/premail/internal/middleware"
	"github.com/premail/premail/internal/repository"
	"github.com/premail/premail/internal/router"
	"github.com/premail/premail/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", "0.1.0").Msg("starting premail server")

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("connected to PostgreSQL")

	// Redis backs rate limiting and the tick lease. Without the lease it is optional.
	var (
		rdb       *database.Redis
		rdbHealth handler.HealthChecker
	)
	if cfg.Security.RateLimiting.Enabled || cfg.Dispatcher.DistributedLock {
		rdb, err = database.NewRedis(cfg.Redis)
		switch {
		case err != nil && cfg.Dispatcher.DistributedLock:
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		case err != nil:
			log.Warn().Err(err).Msg("Redis unavailable, rate limiting disabled")
			rdb = nil
		default:
			defer rdb.Close()
			rdbHealth = rdb
			log.Info().Msg("connected to Redis")
		}
	}

	sealer, err := auth.NewSealer(cfg.Security.TokenEncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize token sealer")
	}

	// Initialize repositories
	eventRepo := repository.NewEventRepository(db)
	emailRepo := repository.NewEmailRepository(db, eventRepo)
	credRepo := repository.NewCredentialRepository(db, sealer)

	// Credential provider and Gmail transmitter
	provider := credential.NewProvider(credRepo, cfg.Gmail, log)
	tx := mailer.NewGmailTransmitter(provider, cfg.Gmail.Endpoint, log)

	// Dispatcher
	var opts []dispatcher.Option
	if cfg.Dispatcher.DistributedLock {
		opts = append(opts, dispatcher.WithLocker(rdb))
	}
	disp := dispatcher.New(emailRepo, tx, cfg.Dispatcher, log, opts...)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.Dispatcher.Enabled {
		disp.Start(ctx)
		log.Info().
			Dur("poll_interval", cfg.Dispatcher.PollInterval).
			Str("claim_policy", cfg.Dispatcher.ClaimPolicy).
			Msg("dispatcher started")
	} else {
		log.Info().Msg("dispatcher disabled")
	}

	// Initialize services
	emailSvc := service.NewEmailService(emailRepo, log)
	credSvc := service.NewCredentialService(credRepo, log)
	tokenSvc := auth.NewTokenService(cfg.Security.APITokens)
	if !tokenSvc.Enabled() {
		log.Warn().Msg("API tokens not configured, HTTP API is unauthenticated")
	}

	// Initialize handlers
	h := handler.New(db, rdbHealth, log, cfg, emailSvc, credSvc, tx, provider, disp)

	// Initialize middleware
	mw := middleware.New(rdb, log, cfg)

	// Set up router
	r := router.New(h, mw, cfg, tokenSvc)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Dispatcher.SendTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// Let the in-flight tick finish its current record before exiting
	disp.Stop()

	log.Info().Msg("server stopped")
}
