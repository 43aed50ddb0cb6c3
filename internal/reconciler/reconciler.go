// Package reconciler applies push notifications from a collection's change
// feed to its replica.
//
// The feed is shared by all tenants, so every record passes the tenant filter
// first. Creates and updates both end in an upsert and deletes in a remove,
// which makes the outcome independent of whether the gateway's own response
// for the same change arrived earlier or later.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/todo-1m/replicasync/internal/contracts"
	"github.com/todo-1m/replicasync/internal/platform/metrics"
	"github.com/todo-1m/replicasync/internal/remote"
	"github.com/todo-1m/replicasync/internal/replica"
	"github.com/todo-1m/replicasync/internal/tenant"
)

var (
	ErrMalformedNotification = errors.New("malformed notification")
	ErrUnknownAction         = errors.New("unknown notification action")
)

const (
	DefaultResubscribeDelay    = 500 * time.Millisecond
	DefaultMaxResubscribeDelay = 30 * time.Second
)

var notificationsTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "replica_sync_push_notifications_total",
	Help: "Push notifications by collection and outcome.",
}, []string{"collection", "outcome"})

func init() {
	metrics.Default.MustRegister(notificationsTotal)
}

type Subscription[T any] interface {
	Events() <-chan contracts.Notification[T]
	Unsubscribe() error
}

// Source opens change feeds for one collection.
type Source[T any] interface {
	Subscribe(ctx context.Context, topic string) (Subscription[T], error)
}

type collectionSource[T any] struct {
	c *remote.Collection[T]
}

func (s collectionSource[T]) Subscribe(ctx context.Context, topic string) (Subscription[T], error) {
	sub, err := s.c.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// FromCollection adapts a typed remote collection into a Source.
func FromCollection[T any](c *remote.Collection[T]) Source[T] {
	return collectionSource[T]{c: c}
}

type Reconciler[T contracts.Record] struct {
	Collection string
	Source     Source[T]
	Replica    *replica.Replica[T]
	Filter     tenant.Filter
	Logger     *slog.Logger

	// ResubscribeDelay is the first wait after the feed drops; it doubles up
	// to MaxResubscribeDelay. Zero disables resubscribing.
	ResubscribeDelay    time.Duration
	MaxResubscribeDelay time.Duration
	// Resync runs after a successful resubscribe to cover changes missed
	// while the feed was down.
	Resync func(context.Context) error
	// OnError receives notifications that could not be applied.
	OnError func(error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New[T contracts.Record](collection string, src Source[T], rep *replica.Replica[T], filter tenant.Filter, logger *slog.Logger) *Reconciler[T] {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler[T]{
		Collection:          collection,
		Source:              src,
		Replica:             rep,
		Filter:              filter,
		Logger:              logger.With("component", "reconciler", "collection", collection),
		ResubscribeDelay:    DefaultResubscribeDelay,
		MaxResubscribeDelay: DefaultMaxResubscribeDelay,
	}
	r.OnError = func(err error) {
		r.Logger.Error("push notification rejected", "error", err)
	}
	return r
}

// Start subscribes to every record of the collection. Without an
// authenticated principal it logs a warning and does nothing. Starting a
// running reconciler is a no-op.
func (r *Reconciler[T]) Start(ctx context.Context) error {
	return r.StartAfter(ctx, nil)
}

// StartAfter subscribes and then runs load, typically the initial fetch,
// before the first notification is applied. Notifications arriving while
// load runs wait in the feed, so changes committed after the snapshot are
// applied on top of it instead of being lost. load runs even when the
// subscription cannot be opened, and its error is returned with the
// subscribe error; the feed keeps running either way.
func (r *Reconciler[T]) StartAfter(ctx context.Context, load func(context.Context) error) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return runLoad(ctx, load)
	}
	if !r.authenticated() {
		r.mu.Unlock()
		r.Logger.Warn("cannot subscribe: not authenticated")
		return runLoad(ctx, load)
	}

	sub, err := r.Source.Subscribe(ctx, remote.TopicAll)
	if err != nil {
		r.mu.Unlock()
		return errors.Join(fmt.Errorf("subscribe %s: %w", r.Collection, err), runLoad(ctx, load))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = make(chan struct{})
	ready := make(chan struct{})
	go r.run(runCtx, sub, r.done, ready)
	r.mu.Unlock()

	err = runLoad(ctx, load)
	close(ready)
	return err
}

func runLoad(ctx context.Context, load func(context.Context) error) error {
	if load == nil {
		return nil
	}
	return load(ctx)
}

// Stop ends the subscription and waits for the consumer to exit. It is safe
// to call repeatedly and on a reconciler that never started.
func (r *Reconciler[T]) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reconciler[T]) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Apply folds one notification into the replica. Records owned by another
// principal are dropped and reported as nil.
func (r *Reconciler[T]) Apply(n contracts.Notification[T]) error {
	if n.Err != nil {
		notificationsTotal.WithLabelValues(r.Collection, "malformed").Inc()
		return fmt.Errorf("%w: %v", ErrMalformedNotification, n.Err)
	}
	if !n.Action.Valid() {
		notificationsTotal.WithLabelValues(r.Collection, "malformed").Inc()
		return fmt.Errorf("%w: %q", ErrUnknownAction, n.Action)
	}
	id := n.Record.RecordID()
	if id == "" {
		notificationsTotal.WithLabelValues(r.Collection, "malformed").Inc()
		return fmt.Errorf("%w: %s record without id", ErrMalformedNotification, n.Action)
	}
	if !r.Filter.Accept(n.Record) {
		notificationsTotal.WithLabelValues(r.Collection, "foreign").Inc()
		r.Logger.Debug("dropped notification for another tenant", "action", n.Action, "record_id", id)
		return nil
	}

	switch n.Action {
	case contracts.ActionCreate, contracts.ActionUpdate:
		r.Replica.Upsert(n.Record)
	case contracts.ActionDelete:
		r.Replica.Remove(id)
	}
	notificationsTotal.WithLabelValues(r.Collection, "applied").Inc()
	return nil
}

func (r *Reconciler[T]) authenticated() bool {
	if r.Filter.Principal == nil {
		return false
	}
	id, ok := r.Filter.Principal.PrincipalID()
	return ok && id != ""
}

func (r *Reconciler[T]) run(ctx context.Context, sub Subscription[T], done, ready chan struct{}) {
	defer close(done)
	select {
	case <-ready:
	case <-ctx.Done():
		_ = sub.Unsubscribe()
		return
	}
	for {
		r.consume(ctx, sub)
		_ = sub.Unsubscribe()
		if ctx.Err() != nil {
			return
		}

		if r.ResubscribeDelay <= 0 {
			r.Logger.Warn("change feed closed")
			return
		}
		r.Logger.Warn("change feed closed, resubscribing")
		if sub = r.resubscribe(ctx); sub == nil {
			return
		}
		if r.Resync != nil {
			if err := r.Resync(ctx); err != nil {
				r.Logger.Warn("resync after resubscribe failed", "error", err)
			}
		}
	}
}

func (r *Reconciler[T]) consume(ctx context.Context, sub Subscription[T]) {
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-events:
			if !ok {
				return
			}
			if err := r.Apply(n); err != nil && r.OnError != nil {
				r.OnError(err)
			}
		}
	}
}

// resubscribe retries with exponential backoff until it succeeds or ctx ends.
func (r *Reconciler[T]) resubscribe(ctx context.Context) Subscription[T] {
	delay := r.ResubscribeDelay
	maxDelay := r.MaxResubscribeDelay
	if maxDelay < delay {
		maxDelay = delay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		sub, err := r.Source.Subscribe(ctx, remote.TopicAll)
		if err == nil {
			if ctx.Err() != nil {
				_ = sub.Unsubscribe()
				return nil
			}
			r.Logger.Info("change feed resubscribed", "attempt", attempt)
			return sub
		}

		r.Logger.Warn("resubscribe failed", "attempt", attempt, "error", err)
		delay = min(delay*2, maxDelay)
		timer.Reset(delay)
	}
}
