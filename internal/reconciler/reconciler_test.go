package reconciler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/todo-1m/replicasync/internal/contracts"
	"github.com/todo-1m/replicasync/internal/gateway"
	"github.com/todo-1m/replicasync/internal/remote"
	"github.com/todo-1m/replicasync/internal/remote/memstore"
	"github.com/todo-1m/replicasync/internal/replica"
	"github.com/todo-1m/replicasync/internal/tenant"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() (*slog.Logger, *lockedBuffer) {
	buf := &lockedBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func todo(id, owner, title string) contracts.Todo {
	return contracts.Todo{Base: contracts.Base{ID: id, UserID: owner}, Title: title}
}

func newTodoReconciler(principal string) *Reconciler[contracts.Todo] {
	logger, _ := testLogger()
	return New[contracts.Todo](contracts.CollectionTodos, nil, replica.NewTodos(), tenant.NewFilter(tenant.Static(principal)), logger)
}

func TestApply_Actions(t *testing.T) {
	r := newTodoReconciler("u1")

	require.NoError(t, r.Apply(contracts.Notification[contracts.Todo]{Action: contracts.ActionCreate, Record: todo("t1", "u1", "a")}))
	require.NoError(t, r.Apply(contracts.Notification[contracts.Todo]{Action: contracts.ActionCreate, Record: todo("t1", "u1", "a2")}))
	require.Equal(t, 1, r.Replica.Len())
	got, _ := r.Replica.Get("t1")
	assert.Equal(t, "a2", got.Title, "create for a present id acts as update")

	require.NoError(t, r.Apply(contracts.Notification[contracts.Todo]{Action: contracts.ActionUpdate, Record: todo("t2", "u1", "b")}))
	assert.Equal(t, 2, r.Replica.Len(), "update for an absent id inserts")

	require.NoError(t, r.Apply(contracts.Notification[contracts.Todo]{Action: contracts.ActionDelete, Record: todo("t1", "u1", "")}))
	_, ok := r.Replica.Get("t1")
	assert.False(t, ok)
}

func TestApply_DeleteBeforeCreateIsNoop(t *testing.T) {
	r := newTodoReconciler("u1")
	r.Replica.Upsert(todo("t1", "u1", "a"))

	require.NoError(t, r.Apply(contracts.Notification[contracts.Todo]{Action: contracts.ActionDelete, Record: todo("never", "u1", "")}))
	assert.Equal(t, 1, r.Replica.Len())
}

func TestApply_TenantIsolation(t *testing.T) {
	r := newTodoReconciler("u1")

	for _, action := range []contracts.Action{contracts.ActionCreate, contracts.ActionUpdate} {
		require.NoError(t, r.Apply(contracts.Notification[contracts.Todo]{Action: action, Record: todo("x", "u2", "theirs")}))
	}
	assert.Equal(t, 0, r.Replica.Len())

	// A foreign delete for an id we hold must not remove our record.
	r.Replica.Upsert(todo("t1", "u1", "mine"))
	require.NoError(t, r.Apply(contracts.Notification[contracts.Todo]{Action: contracts.ActionDelete, Record: todo("t1", "u2", "")}))
	assert.Equal(t, 1, r.Replica.Len())
}

func TestApply_SignedOutAcceptsNothing(t *testing.T) {
	r := newTodoReconciler("")
	require.NoError(t, r.Apply(contracts.Notification[contracts.Todo]{Action: contracts.ActionCreate, Record: todo("t1", "", "a")}))
	assert.Equal(t, 0, r.Replica.Len())
}

func TestApply_RejectsMalformed(t *testing.T) {
	r := newTodoReconciler("u1")

	err := r.Apply(contracts.Notification[contracts.Todo]{Action: contracts.ActionCreate, Err: errors.New("bad json")})
	assert.ErrorIs(t, err, ErrMalformedNotification)

	err = r.Apply(contracts.Notification[contracts.Todo]{Action: "archive", Record: todo("t1", "u1", "a")})
	assert.ErrorIs(t, err, ErrUnknownAction)

	err = r.Apply(contracts.Notification[contracts.Todo]{Action: contracts.ActionCreate, Record: todo("", "u1", "a")})
	assert.ErrorIs(t, err, ErrMalformedNotification)

	assert.Equal(t, 0, r.Replica.Len())
}

func TestApply_NoteOrderAfterEachUpsert(t *testing.T) {
	logger, _ := testLogger()
	r := New[contracts.Note](contracts.CollectionNotes, nil, replica.NewNotes(), tenant.NewFilter(tenant.Static("u1")), logger)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	note := func(id string, pinned bool, sec int) contracts.Note {
		return contracts.Note{
			Base:     contracts.Base{ID: id, UserID: "u1", Updated: contracts.NewTimestamp(base.Add(time.Duration(sec) * time.Second))},
			IsPinned: pinned,
		}
	}

	for _, n := range []contracts.Note{note("A", false, 1), note("B", true, 2), note("C", false, 3)} {
		require.NoError(t, r.Apply(contracts.Notification[contracts.Note]{Action: contracts.ActionCreate, Record: n}))
	}
	var ids []string
	for _, n := range r.Replica.Items() {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"B", "C", "A"}, ids)
}

func newStore() *memstore.Store {
	s := memstore.New()
	var ids atomic.Int64
	s.NewID = func() string { return fmt.Sprintf("r%03d", ids.Add(1)) }
	return s
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestStart_WithoutPrincipalWarnsAndSkips(t *testing.T) {
	store := newStore()
	logger, buf := testLogger()
	coll := remote.NewCollection[contracts.Todo](store, contracts.CollectionTodos)
	r := New(contracts.CollectionTodos, FromCollection(coll), replica.NewTodos(), tenant.NewFilter(tenant.Static("")), logger)

	require.NoError(t, r.Start(context.Background()))
	assert.False(t, r.Running())
	assert.Equal(t, 0, store.Subscribers(contracts.CollectionTodos))
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "not authenticated")

	r.Stop()
	r.Stop()
}

func TestStart_AppliesFeedAndStopIsIdempotent(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	coll := remote.NewCollection[contracts.Todo](store, contracts.CollectionTodos)
	logger, _ := testLogger()
	r := New(contracts.CollectionTodos, FromCollection(coll), replica.NewTodos(), tenant.NewFilter(tenant.Static("u1")), logger)

	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Start(ctx))
	assert.True(t, r.Running())
	assert.Equal(t, 1, store.Subscribers(contracts.CollectionTodos))

	_, err := store.Create(ctx, contracts.CollectionTodos, map[string]any{"title": "mine", "userId": "u1"})
	require.NoError(t, err)
	_, err = store.Create(ctx, contracts.CollectionTodos, map[string]any{"title": "theirs", "userId": "u2"})
	require.NoError(t, err)
	_, err = store.Create(ctx, contracts.CollectionTodos, map[string]any{"title": "mine too", "userId": "u1"})
	require.NoError(t, err)

	eventually(t, func() bool { return r.Replica.Len() == 2 }, "own records should arrive")
	for _, td := range r.Replica.Items() {
		assert.Equal(t, "u1", td.UserID)
	}

	r.Stop()
	r.Stop()
	assert.False(t, r.Running())
	eventually(t, func() bool { return store.Subscribers(contracts.CollectionTodos) == 0 }, "subscription should be released")
}

func TestStartAfter_AppliesChangesMadeDuringLoad(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	coll := remote.NewCollection[contracts.Todo](store, contracts.CollectionTodos)
	logger, _ := testLogger()
	r := New(contracts.CollectionTodos, FromCollection(coll), replica.NewTodos(), tenant.NewFilter(tenant.Static("u1")), logger)
	defer r.Stop()

	err := r.StartAfter(ctx, func(ctx context.Context) error {
		// The snapshot is read before another client creates a record.
		snapshot, err := coll.List(ctx, remote.ListQuery{})
		if err != nil {
			return err
		}
		if _, err := store.Create(ctx, contracts.CollectionTodos, map[string]any{"title": "racing", "userId": "u1"}); err != nil {
			return err
		}
		time.Sleep(20 * time.Millisecond)
		if r.Replica.Len() != 0 {
			return errors.New("notification applied before the snapshot")
		}
		r.Replica.ReplaceAll(snapshot)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, r.Running())
	eventually(t, func() bool { return r.Replica.Len() == 1 }, "change made during load should be applied")
}

func TestStartAfter_ReportsLoadErrorAndKeepsFeed(t *testing.T) {
	store := newStore()
	coll := remote.NewCollection[contracts.Todo](store, contracts.CollectionTodos)
	logger, _ := testLogger()
	r := New(contracts.CollectionTodos, FromCollection(coll), replica.NewTodos(), tenant.NewFilter(tenant.Static("u1")), logger)
	defer r.Stop()

	loadErr := errors.New("fetch todos: offline")
	err := r.StartAfter(context.Background(), func(context.Context) error { return loadErr })
	assert.ErrorIs(t, err, loadErr)
	assert.True(t, r.Running())

	// A second call on a running reconciler only loads.
	calls := 0
	require.NoError(t, r.StartAfter(context.Background(), func(context.Context) error { calls++; return nil }))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, store.Subscribers(contracts.CollectionTodos))
}

func TestGatewayAndPushConverge(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	coll := remote.NewCollection[contracts.Tag](store, contracts.CollectionTags)
	rep := replica.NewTags()
	principal := tenant.Static("u1")
	logger, _ := testLogger()

	r := New(contracts.CollectionTags, FromCollection(coll), rep, tenant.NewFilter(principal), logger)
	g := gateway.NewTags(coll, rep, principal, logger)
	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	applied := func() float64 { return notificationsTotal.Value(contracts.CollectionTags, "applied") }
	base := applied()

	tag, ok := g.Create(ctx, contracts.CreateTag{Name: "work", Color: "#f00"}).Value()
	require.True(t, ok)
	eventually(t, func() bool { return applied() == base+1 }, "create push should be applied")
	assert.Equal(t, 1, rep.Len())

	updated, ok := g.Update(ctx, tag.ID, contracts.TagPatch{Color: contracts.Ptr("#0f0")}).Value()
	require.True(t, ok)
	eventually(t, func() bool { return applied() == base+2 }, "update push should be applied")
	assert.Equal(t, 1, rep.Len())
	got, _ := rep.Get(tag.ID)
	assert.Equal(t, updated, got)

	require.True(t, g.Delete(ctx, tag.ID).IsOk())
	eventually(t, func() bool { return applied() == base+3 }, "delete push should be applied")
	assert.Equal(t, 0, rep.Len())
}

func TestResubscribesAfterFeedDropAndResyncs(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	coll := remote.NewCollection[contracts.Todo](store, contracts.CollectionTodos)
	rep := replica.NewTodos()
	logger, buf := testLogger()
	principal := tenant.Static("u1")
	g := gateway.NewTodos(coll, rep, principal, logger)

	r := New(contracts.CollectionTodos, FromCollection(coll), rep, tenant.NewFilter(principal), logger)
	r.ResubscribeDelay = time.Millisecond
	r.MaxResubscribeDelay = 5 * time.Millisecond
	var resyncs atomic.Int32
	r.Resync = func(ctx context.Context) error {
		resyncs.Add(1)
		return gateway.Fold(g.Fetch(ctx), func([]contracts.Todo) error { return nil }, func(msg string) error { return errors.New(msg) })
	}
	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	store.DropSubscriptions(contracts.CollectionTodos)
	eventually(t, func() bool { return resyncs.Load() == 1 }, "resync should run after resubscribe")
	assert.Equal(t, 1, store.Subscribers(contracts.CollectionTodos))
	assert.Contains(t, buf.String(), "resubscribing")

	_, err := store.Create(ctx, contracts.CollectionTodos, map[string]any{"title": "after drop", "userId": "u1"})
	require.NoError(t, err)
	eventually(t, func() bool { return rep.Len() == 1 }, "new feed should deliver")
}

func TestMalformedNotificationsReachOnError(t *testing.T) {
	events := make(chan contracts.Notification[contracts.Todo], 2)
	src := &fakeSource{sub: &fakeSub{events: events}}
	logger, _ := testLogger()
	r := New[contracts.Todo](contracts.CollectionTodos, src, replica.NewTodos(), tenant.NewFilter(tenant.Static("u1")), logger)
	r.ResubscribeDelay = 0

	errs := make(chan error, 2)
	r.OnError = func(err error) { errs <- err }
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	events <- contracts.Notification[contracts.Todo]{Action: contracts.ActionCreate, Err: errors.New("decode")}
	events <- contracts.Notification[contracts.Todo]{Action: "rename", Record: todo("t1", "u1", "a")}

	assert.ErrorIs(t, <-errs, ErrMalformedNotification)
	assert.ErrorIs(t, <-errs, ErrUnknownAction)
	assert.Equal(t, 0, r.Replica.Len())
}

func TestStart_ReturnsSubscribeError(t *testing.T) {
	logger, _ := testLogger()
	src := &fakeSource{err: errors.New("feed down")}
	r := New[contracts.Todo](contracts.CollectionTodos, src, replica.NewTodos(), tenant.NewFilter(tenant.Static("u1")), logger)

	err := r.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed down")
	assert.False(t, r.Running())
}

type fakeSub struct {
	events chan contracts.Notification[contracts.Todo]
}

func (s *fakeSub) Events() <-chan contracts.Notification[contracts.Todo] { return s.events }
func (s *fakeSub) Unsubscribe() error                                    { return nil }

type fakeSource struct {
	sub *fakeSub
	err error
}

func (f *fakeSource) Subscribe(context.Context, string) (Subscription[contracts.Todo], error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sub, nil
}
