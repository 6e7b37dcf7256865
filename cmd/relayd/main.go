package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cowrite/collab/internal/api"
	"cowrite/collab/internal/authpw"
	"cowrite/collab/internal/config"
	"cowrite/collab/internal/relay"
	"cowrite/collab/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var presence *relay.RedisPresence
	if strings.TrimSpace(cfg.RedisURL) != "" {
		presence, err = relay.NewRedisPresence(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer presence.Close()
	} else {
		log.Printf("REDIS_URL empty, presence roster disabled")
	}

	secret := []byte(cfg.TokenSecret)
	var hubPresence relay.PresenceStore
	var apiPresence api.Presence
	if presence != nil {
		hubPresence = presence
		apiPresence = presence
	}
	hub := relay.NewHub(secret, dataStore, hubPresence)

	users := authpw.NewService(dataStore)
	httpServer := api.NewHTTPServer(dataStore, users, apiPresence, secret, cfg.TokenTTL, cfg.CORSOrigin)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Cowrite relay listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
