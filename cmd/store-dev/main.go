package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/todo-1m/replicasync/internal/app/identity"
	"github.com/todo-1m/replicasync/internal/app/relay"
	"github.com/todo-1m/replicasync/internal/app/storeapi"
	"github.com/todo-1m/replicasync/internal/platform/auth"
	"github.com/todo-1m/replicasync/internal/platform/env"
	"github.com/todo-1m/replicasync/internal/platform/natsutil"
	"github.com/todo-1m/replicasync/internal/remote/memstore"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("STORE_DEV_ADDR", env.DefaultStoreDevAddr)
	publishChanges := env.Bool("STORE_PUBLISH_NATS", true)
	tokens := auth.NewManager(
		env.String("JWT_SECRET", env.DefaultJWTSecret),
		env.Duration("TOKEN_TTL", env.DefaultTokenTTL),
	)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", env.DefaultShutdownTimeout)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store := memstore.New()
	store.Logger = logger.With("component", "memstore")

	if publishChanges {
		client, err := natsutil.Connect(runCtx, natsutil.ConfigFromEnv("store-dev", logger))
		if err != nil {
			log.Fatal(err)
		}
		defer client.Close()
		store.Publish = relay.NewService(client.Publish).Handle
	}

	handler := storeapi.NewHandler(store, tokens, logger)
	handler.Users = identity.NewService(identity.NewMemoryRepository(), tokens)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// WriteTimeout stays unset so realtime streams are not cut off.
	}

	fmt.Printf("Dev store listening on %s\n", addr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("store-dev graceful shutdown failed: %v", err)
	}
}
