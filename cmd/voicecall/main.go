package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/voicecall/internal/app"
	"github.com/ent0n29/voicecall/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	built, err := app.Build(context.Background(), cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	log.Printf("voice pipeline: %s", built.Voice.Detail)
	log.Printf("signaling: %s chat: %s", cfg.SignalingBaseURL, cfg.ChatServiceURL)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}
	if err := built.Cleanup(); err != nil {
		log.Printf("cleanup failed: %v", err)
	}

	log.Printf("shutdown complete")
}
