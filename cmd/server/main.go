package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	appauth "gitea.jw6.us/james/calmirror/internal/auth"
	"gitea.jw6.us/james/calmirror/internal/config"
	"gitea.jw6.us/james/calmirror/internal/event"
	httpserver "gitea.jw6.us/james/calmirror/internal/http"
	"gitea.jw6.us/james/calmirror/internal/http/api"
	"gitea.jw6.us/james/calmirror/internal/store"
	"gitea.jw6.us/james/calmirror/internal/sync"
)

func main() {
	log.Println("Starting CalMirror server...")
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to create db pool: %v", err)
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	stor := store.New(pool)
	sessionManager := appauth.NewSessionManager(cfg)
	authService, err := appauth.NewService(ctx, cfg, stor.Users, stor.Tokens, sessionManager)
	if err != nil {
		log.Fatalf("failed to initialize auth service: %v", err)
	}

	channels := sync.NewChannelManager(stor.Syncs, stor.Tokens, authService, cfg.Sync.ChannelTTL)
	importer := sync.NewImporter(stor.Syncs, stor.Events, stor.Tokens, authService)
	notifyRouter := sync.NewRouter(stor.Syncs, importer)
	maintainer := sync.NewMaintainer(stor.Syncs, channels, cfg.Sync.RefreshInterval, cfg.Sync.RefreshWindow)
	eventService := event.NewService(stor.Events, authService)

	// Fresh logins get watches and a first mirror of their calendars without
	// blocking the callback response.
	authService.OnLogin(func(ctx context.Context, userID int64) {
		if _, err := channels.StartWatchingAll(ctx, userID); err != nil && !errors.Is(err, sync.ErrAccessRevoked) {
			log.Printf("[ERROR] bootstrap watches for user %d: %v", userID, err)
		}
		if _, err := importer.FullImport(ctx, userID); err != nil {
			log.Printf("[ERROR] bootstrap import for user %d: %v", userID, err)
		}
	})

	go maintainer.Run(ctx)

	apiHandler := api.NewHandler(eventService, importer, channels, notifyRouter, cfg.Sync.WebhookToken)
	r := httpserver.NewRouter(cfg, stor, authService, apiHandler)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
