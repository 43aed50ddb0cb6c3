// Package gateway performs create, update, delete and full-fetch calls
// against the remote store and folds each canonical response into the
// collection's replica.
//
// A gateway never mutates the replica before the store has acknowledged a
// call, so a failure leaves the replica exactly as it was. Every call may run
// before or after the push notification for the same change; both paths end
// in an idempotent upsert or remove, so the replica converges either way.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/todo-1m/replicasync/internal/platform/metrics"
	"github.com/todo-1m/replicasync/internal/remote"
	"github.com/todo-1m/replicasync/internal/replica"
	"github.com/todo-1m/replicasync/internal/tenant"
)

// MsgNotAuthenticated is returned when a call needs the principal and there
// is none.
const MsgNotAuthenticated = "Not authenticated"

var requestsTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "replica_sync_gateway_requests_total",
	Help: "Gateway calls by collection, operation and result.",
}, []string{"collection", "op", "result"})

func init() {
	metrics.Default.MustRegister(requestsTotal)
}

// Remote is the typed remote collection a gateway talks to.
type Remote[T any] interface {
	List(ctx context.Context, q remote.ListQuery) ([]T, error)
	Create(ctx context.Context, fields any) (T, error)
	Update(ctx context.Context, id string, patch any) (T, error)
	Delete(ctx context.Context, id string) error
}

// Config is the per-collection part of a gateway.
type Config[C, P any] struct {
	Collection string
	// Sort and Expand are sent with the full fetch.
	Sort   string
	Expand []string
	// PrepareCreate and PrepareUpdate normalize inputs before they are sent.
	PrepareCreate func(C) C
	PrepareUpdate func(P) P
	// Noun names one record in fallback error messages, e.g. "note".
	Noun string
}

type Gateway[T replica.Keyed, C, P any] struct {
	Remote    Remote[T]
	Replica   *replica.Replica[T]
	Principal tenant.Principal
	Logger    *slog.Logger
	Config    Config[C, P]

	lastErr  ErrorSlot
	inFlight atomic.Int32
}

func New[T replica.Keyed, C, P any](r Remote[T], rep *replica.Replica[T], principal tenant.Principal, cfg Config[C, P], logger *slog.Logger) *Gateway[T, C, P] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway[T, C, P]{
		Remote:    r,
		Replica:   rep,
		Principal: principal,
		Logger:    logger.With("component", "gateway", "collection", cfg.Collection),
		Config:    cfg,
	}
}

// Create sends input with the principal as owner and upserts the record the
// store returns.
func (g *Gateway[T, C, P]) Create(ctx context.Context, input C) Result[T] {
	defer g.track()()

	owner, ok := g.principal()
	if !ok {
		return g.fail("create", MsgNotAuthenticated, nil)
	}
	if g.Config.PrepareCreate != nil {
		input = g.Config.PrepareCreate(input)
	}
	fields, err := withOwner(input, owner)
	if err != nil {
		return g.fail("create", "", err)
	}
	rec, err := g.Remote.Create(ctx, fields)
	if err != nil {
		return g.fail("create", "", err)
	}
	if g.signedInAs(owner, "create") {
		g.Replica.Upsert(rec)
	}
	g.succeed("create")
	return Ok(rec)
}

// Update sends patch for id and upserts the record the store returns. A
// failed update leaves the replica untouched.
func (g *Gateway[T, C, P]) Update(ctx context.Context, id string, patch P) Result[T] {
	defer g.track()()

	owner, _ := g.principal()
	if g.Config.PrepareUpdate != nil {
		patch = g.Config.PrepareUpdate(patch)
	}
	rec, err := g.Remote.Update(ctx, id, patch)
	if err != nil {
		return g.fail("update", "", err)
	}
	if g.signedInAs(owner, "update") {
		g.Replica.Upsert(rec)
	}
	g.succeed("update")
	return Ok(rec)
}

// Delete removes id remotely and then from the replica. Removing an id the
// push path already removed is a no-op.
func (g *Gateway[T, C, P]) Delete(ctx context.Context, id string) Result[struct{}] {
	defer g.track()()

	if err := g.Remote.Delete(ctx, id); err != nil {
		return failAs[struct{}](g, "delete", "", err)
	}
	g.Replica.Remove(id)
	g.succeed("delete")
	return Ok(struct{}{})
}

// Fetch loads every record owned by the principal and replaces the replica's
// contents with them.
func (g *Gateway[T, C, P]) Fetch(ctx context.Context) Result[[]T] {
	defer g.track()()

	owner, ok := g.principal()
	if !ok {
		return failAs[[]T](g, "fetch", MsgNotAuthenticated, nil)
	}
	recs, err := g.Remote.List(ctx, remote.ListQuery{
		Sort:   g.Config.Sort,
		Filter: remote.Eq("userId", owner),
		Expand: g.Config.Expand,
	})
	if err != nil {
		return failAs[[]T](g, "fetch", "", err)
	}
	if !g.signedInAs(owner, "fetch") {
		g.succeed("fetch")
		return Ok(recs)
	}
	g.Replica.ReplaceAll(recs)
	g.succeed("fetch")
	return Ok(g.Replica.Items())
}

// LastError is the message of the most recent failed call, cleared by the
// next successful one.
func (g *Gateway[T, C, P]) LastError() string {
	return g.lastErr.Get()
}

// Loading reports whether any call is in flight.
func (g *Gateway[T, C, P]) Loading() bool {
	return g.inFlight.Load() > 0
}

func (g *Gateway[T, C, P]) track() func() {
	g.inFlight.Add(1)
	return func() { g.inFlight.Add(-1) }
}

func (g *Gateway[T, C, P]) principal() (string, bool) {
	if g.Principal == nil {
		return "", false
	}
	return g.Principal.PrincipalID()
}

// signedInAs reports whether owner, the principal a call started with, is
// still signed in. A response that arrives after the principal signed out or
// switched is returned to the caller but kept out of the replica.
func (g *Gateway[T, C, P]) signedInAs(owner, op string) bool {
	current, ok := g.principal()
	if ok && owner != "" && current == owner {
		return true
	}
	g.Logger.Debug("principal changed during call, response not applied", "op", op)
	return false
}

func (g *Gateway[T, C, P]) succeed(op string) {
	g.lastErr.Clear()
	requestsTotal.WithLabelValues(g.Config.Collection, op, "ok").Inc()
}

func (g *Gateway[T, C, P]) fail(op, msg string, err error) Result[T] {
	return failAs[T](g, op, msg, err)
}

func failAs[R any, T replica.Keyed, C, P any](g *Gateway[T, C, P], op, msg string, err error) Result[R] {
	if msg == "" {
		msg = Message(err, fmt.Sprintf("Failed to %s %s", op, g.noun(op)))
	}
	g.lastErr.Set(msg)
	requestsTotal.WithLabelValues(g.Config.Collection, op, "error").Inc()
	g.Logger.Error("gateway call failed", "op", op, "message", msg, "error", err)
	return Err[R](msg)
}

func (g *Gateway[T, C, P]) noun(op string) string {
	noun := g.Config.Noun
	if noun == "" {
		noun = "record"
	}
	if op == "fetch" {
		return g.Config.Collection
	}
	return noun
}

// Message extracts a human-readable message from err, preferring the
// store's own message.
func Message(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	var apiErr *remote.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fallback
}

func withOwner(input any, owner string) (map[string]any, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode create input: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode create input: %w", err)
	}
	fields["userId"] = owner
	return fields, nil
}

// ErrorSlot holds the last failure message of a collection.
type ErrorSlot struct {
	mu  sync.RWMutex
	msg string
}

func (s *ErrorSlot) Set(msg string) {
	s.mu.Lock()
	s.msg = msg
	s.mu.Unlock()
}

func (s *ErrorSlot) Clear() { s.Set("") }

func (s *ErrorSlot) Get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.msg
}
