// Package workspace wires the four synchronized collections of a personal
// workspace (todos, tags, events and notes) around one session.
//
// Each collection owns a replica, the gateway that mutates it after remote
// acknowledgement and the reconciler that folds push notifications into it.
// Init opens the change feeds and loads everything; Dispose tears the feeds
// and pending autosaves down again. Signing out of the session disposes the
// workspace and empties every replica.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/todo-1m/replicasync/internal/autosave"
	"github.com/todo-1m/replicasync/internal/contracts"
	"github.com/todo-1m/replicasync/internal/gateway"
	"github.com/todo-1m/replicasync/internal/platform/metrics"
	"github.com/todo-1m/replicasync/internal/reconciler"
	"github.com/todo-1m/replicasync/internal/remote"
	"github.com/todo-1m/replicasync/internal/replica"
	"github.com/todo-1m/replicasync/internal/session"
	"github.com/todo-1m/replicasync/internal/tenant"
)

var ErrNotAuthenticated = errors.New("workspace: not authenticated")

var replicaSize = metrics.NewGaugeFuncVec(metrics.Opts{
	Name: "replica_sync_replica_size",
	Help: "Records currently held by each replica.",
}, []string{"collection"})

func init() {
	metrics.Default.MustRegister(replicaSize)
}

type Options struct {
	// AutoSaveDelay is the debounce applied when AutoSave gets no delay.
	AutoSaveDelay time.Duration
	// ResubscribeDelay is the first backoff step after a feed drops.
	ResubscribeDelay time.Duration
}

// Collection groups the replica, gateway and reconciler of one collection.
type Collection[T contracts.Record, C, P any] struct {
	Name       string
	Replica    *replica.Replica[T]
	Gateway    *gateway.Gateway[T, C, P]
	Reconciler *reconciler.Reconciler[T]
}

func newCollection[T contracts.Record, C, P any](
	transport remote.Transport,
	sess *session.Session,
	rep *replica.Replica[T],
	cfg gateway.Config[C, P],
	opts Options,
	logger *slog.Logger,
) *Collection[T, C, P] {
	typed := remote.NewCollection[T](transport, cfg.Collection)
	gw := gateway.New[T, C, P](typed, rep, sess, cfg, logger)
	rec := reconciler.New[T](cfg.Collection, reconciler.FromCollection(typed), rep, tenant.NewFilter(sess), logger)
	if opts.ResubscribeDelay > 0 {
		rec.ResubscribeDelay = opts.ResubscribeDelay
	}
	rec.Resync = func(ctx context.Context) error {
		return resultError(gw.Fetch(ctx))
	}
	return &Collection[T, C, P]{Name: cfg.Collection, Replica: rep, Gateway: gw, Reconciler: rec}
}

func (c *Collection[T, C, P]) Items() []T { return c.Replica.Items() }
func (c *Collection[T, C, P]) Loading() bool { return c.Gateway.Loading() }
func (c *Collection[T, C, P]) LastError() string { return c.Gateway.LastError() }

func (c *Collection[T, C, P]) start(ctx context.Context) error {
	return c.Reconciler.StartAfter(ctx, c.fetch)
}

func (c *Collection[T, C, P]) fetch(ctx context.Context) error {
	if err := resultError(c.Gateway.Fetch(ctx)); err != nil {
		return fmt.Errorf("fetch %s: %w", c.Name, err)
	}
	return nil
}

type Workspace struct {
	Todos  *Collection[contracts.Todo, contracts.CreateTodo, contracts.TodoPatch]
	Tags   *Collection[contracts.Tag, contracts.CreateTag, contracts.TagPatch]
	Events *Collection[contracts.Event, contracts.CreateEvent, contracts.EventPatch]
	Notes  *Collection[contracts.Note, contracts.CreateNote, contracts.NotePatch]

	Session *session.Session
	Logger  *slog.Logger

	autoSave      *autosave.Scheduler[contracts.Note, contracts.NotePatch]
	autoSaveDelay time.Duration

	mu          sync.Mutex
	stopSignOut func()
	closed      bool
}

func New(transport remote.Transport, sess *session.Session, logger *slog.Logger, opts Options) *Workspace {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AutoSaveDelay <= 0 {
		opts.AutoSaveDelay = autosave.DefaultDelay
	}

	w := &Workspace{
		Todos:         newCollection(transport, sess, replica.NewTodos(), gateway.TodoConfig(), opts, logger),
		Tags:          newCollection(transport, sess, replica.NewTags(), gateway.TagConfig(), opts, logger),
		Events:        newCollection(transport, sess, replica.NewEvents(), gateway.EventConfig(), opts, logger),
		Notes:         newCollection(transport, sess, replica.NewNotes(), gateway.NoteConfig(), opts, logger),
		Session:       sess,
		Logger:        logger.With("component", "workspace"),
		autoSaveDelay: opts.AutoSaveDelay,
	}
	w.autoSave = autosave.New[contracts.Note, contracts.NotePatch](w.Notes.Gateway.Update, logger)

	replicaSize.Set(sizeOf(w.Todos.Replica), w.Todos.Name)
	replicaSize.Set(sizeOf(w.Tags.Replica), w.Tags.Name)
	replicaSize.Set(sizeOf(w.Events.Replica), w.Events.Name)
	replicaSize.Set(sizeOf(w.Notes.Replica), w.Notes.Name)

	w.stopSignOut = sess.OnSignOut(w.handleSignOut)
	return w
}

// Init starts the four reconcilers and fetches their collections in
// parallel. Each feed is open before its fetch, and notifications it delivers
// meanwhile are applied after the fetched snapshot. A failed fetch does not
// stop the others or the feeds; its message stays in the collection's error
// slot and Init reports it.
func (w *Workspace) Init(ctx context.Context) error {
	if !w.Session.Authenticated() {
		return ErrNotAuthenticated
	}

	var g errgroup.Group
	g.Go(func() error { return w.Todos.start(ctx) })
	g.Go(func() error { return w.Tags.start(ctx) })
	g.Go(func() error { return w.Events.start(ctx) })
	g.Go(func() error { return w.Notes.start(ctx) })
	if err := g.Wait(); err != nil {
		return err
	}
	w.Logger.Info("workspace ready",
		"todos", w.Todos.Replica.Len(),
		"tags", w.Tags.Replica.Len(),
		"events", w.Events.Replica.Len(),
		"notes", w.Notes.Replica.Len(),
	)
	return nil
}

// Dispose stops every change feed and drops pending autosaves. Replicas
// keep their contents. It is safe to call repeatedly, and Init may run
// again afterwards.
func (w *Workspace) Dispose() {
	w.autoSave.CancelAll()

	var wg sync.WaitGroup
	for _, stop := range []func(){
		w.Todos.Reconciler.Stop,
		w.Tags.Reconciler.Stop,
		w.Events.Reconciler.Stop,
		w.Notes.Reconciler.Stop,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stop()
		}()
	}
	wg.Wait()
}

// Close disposes the workspace and detaches it from the session and the
// replica size gauge.
func (w *Workspace) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	w.stopSignOut()
	w.Dispose()
	for _, name := range []string{w.Todos.Name, w.Tags.Name, w.Events.Name, w.Notes.Name} {
		replicaSize.Set(nil, name)
	}
}

func (w *Workspace) handleSignOut() {
	w.Logger.Info("signed out, clearing workspace")
	w.Dispose()
	w.Todos.Replica.Clear()
	w.Tags.Replica.Clear()
	w.Events.Replica.Clear()
	w.Notes.Replica.Clear()
}

func sizeOf[T replica.Keyed](r *replica.Replica[T]) func() float64 {
	return func() float64 { return float64(r.Len()) }
}

func resultError[T any](r gateway.Result[T]) error {
	if r.IsOk() {
		return nil
	}
	return errors.New(r.Message())
}
