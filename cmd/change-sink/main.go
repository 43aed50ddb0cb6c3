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

	"github.com/nats-io/nats.go"

	"github.com/todo-1m/replicasync/internal/app/changelog"
	"github.com/todo-1m/replicasync/internal/platform/auth"
	"github.com/todo-1m/replicasync/internal/platform/dbpool"
	"github.com/todo-1m/replicasync/internal/platform/env"
	"github.com/todo-1m/replicasync/internal/platform/natsutil"
	"github.com/todo-1m/replicasync/internal/sharding"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	addr := env.String("CHANGELOG_ADDR", env.DefaultChangeLogAddr)
	tokens := auth.NewManager(
		env.String("JWT_SECRET", env.DefaultJWTSecret),
		env.Duration("TOKEN_TTL", env.DefaultTokenTTL),
	)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pool, err := dbpool.New(ctx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	repository := changelog.NewPostgresRepository(pool)
	if err := dbpool.WaitReady(ctx, pool, 30*time.Second, repository.EnsureSchema, logger); err != nil {
		log.Fatal(err)
	}
	service := changelog.NewService(repository)

	client, err := natsutil.Connect(ctx, natsutil.ConfigFromEnv("change-sink", logger))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	sub, err := client.JS.QueueSubscribe(sharding.SubjectPrefix+".>", "change-sink", func(msg *nats.Msg) {
		var seq uint64
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			seq = meta.Sequence.Stream
		}

		insertCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := service.Handle(insertCtx, msg.Subject, msg.Data, seq); err != nil {
			if errors.Is(err, changelog.ErrInvalidPayload) || errors.Is(err, changelog.ErrInvalidSubject) {
				logger.Warn("discarding change", "subject", msg.Subject, "error", err)
				_ = msg.Term()
				return
			}
			logger.Error("change persistence failed", "subject", msg.Subject, "error", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.ManualAck())
	if err != nil {
		log.Fatal(err)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           changelog.NewHandler(service, tokens, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	fmt.Printf("Change sink consuming %s, history on %s\n", sub.Subject, addr)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), env.Duration("SHUTDOWN_TIMEOUT", env.DefaultShutdownTimeout))
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
