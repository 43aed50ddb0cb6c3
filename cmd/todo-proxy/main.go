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

	"github.com/todo-1m/replicasync/internal/app/proxy"
	"github.com/todo-1m/replicasync/internal/contracts"
	"github.com/todo-1m/replicasync/internal/platform/env"
	"github.com/todo-1m/replicasync/internal/remote"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("PROXY_ADDR", env.DefaultProxyAddr)
	storeURL := env.String("STORE_URL", env.DefaultStoreURL)
	allowedOrigin := env.String("PROXY_ALLOWED_ORIGIN", env.DefaultProxyAllowedOrigin)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", env.DefaultShutdownTimeout)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	logger.Info("store client configured", "store_url", storeURL)

	// Requests carry the caller's own token; the proxy holds none.
	transport := remote.NewHTTPTransport(storeURL, nil, nil)
	todos := remote.NewCollection[contracts.Todo](transport, contracts.CollectionTodos)
	handler := proxy.NewHandler(proxy.NewService(todos), allowedOrigin, logger)

	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	fmt.Printf("Todo proxy listening on %s\n", addr)
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
		log.Printf("todo-proxy graceful shutdown failed: %v", err)
	}
}
