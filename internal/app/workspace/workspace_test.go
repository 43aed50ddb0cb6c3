package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/todo-1m/replicasync/internal/contracts"
	"github.com/todo-1m/replicasync/internal/platform/auth"
	"github.com/todo-1m/replicasync/internal/remote/memstore"
	"github.com/todo-1m/replicasync/internal/session"
)

const waitFor = 2 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore() *memstore.Store {
	s := memstore.New()
	var seq atomic.Int64
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return base.Add(time.Duration(seq.Add(1)) * time.Second) }
	var ids atomic.Int64
	s.NewID = func() string { return fmt.Sprintf("rec%03d", ids.Add(1)) }
	s.Logger = quietLogger()
	return s
}

func mustToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.NewManager("test-secret", time.Hour).Sign(userID)
	require.NoError(t, err)
	return token
}

func signedIn(t *testing.T, userID string) *session.Session {
	t.Helper()
	sess := session.New()
	require.NoError(t, sess.SignIn(mustToken(t, userID)))
	return sess
}

func newWorkspace(t *testing.T, store *memstore.Store, sess *session.Session) *Workspace {
	t.Helper()
	w := New(store, sess, quietLogger(), Options{ResubscribeDelay: 10 * time.Millisecond})
	t.Cleanup(w.Close)
	return w
}

func seed(t *testing.T, store *memstore.Store, collection string, fields map[string]any) string {
	t.Helper()
	raw, err := store.Create(context.Background(), collection, fields)
	require.NoError(t, err)
	var base contracts.Base
	require.NoError(t, json.Unmarshal(raw, &base))
	return base.ID
}

func TestInitLoadsOwnRecordsAndStartsFeeds(t *testing.T) {
	store := newStore()
	seed(t, store, contracts.CollectionTodos, map[string]any{"title": "mine", "userId": "u1"})
	seed(t, store, contracts.CollectionTodos, map[string]any{"title": "theirs", "userId": "u2"})
	tagID := seed(t, store, contracts.CollectionTags, map[string]any{"name": "work", "userId": "u1"})
	seed(t, store, contracts.CollectionNotes, map[string]any{"title": "plan", "userId": "u1", "tags": []string{tagID}})
	seed(t, store, contracts.CollectionEvents, map[string]any{"title": "standup", "userId": "u1", "start": "2024-05-01 09:30:00", "end": "2024-05-01 09:45:00"})

	w := newWorkspace(t, store, signedIn(t, "u1"))
	require.NoError(t, w.Init(context.Background()))

	require.Len(t, w.Todos.Items(), 1)
	assert.Equal(t, "mine", w.Todos.Items()[0].Title)
	assert.Len(t, w.Tags.Items(), 1)
	assert.Len(t, w.Events.Items(), 1)
	notes := w.Notes.Items()
	require.Len(t, notes, 1)
	require.Len(t, notes[0].Expand.Tags, 1)
	assert.Equal(t, "work", notes[0].Expand.Tags[0].Name)

	assert.True(t, w.Todos.Reconciler.Running())
	assert.True(t, w.Notes.Reconciler.Running())
	assert.Equal(t, 1, store.Subscribers(contracts.CollectionTodos))
	assert.False(t, w.Todos.Loading())
	assert.Empty(t, w.Todos.LastError())
}

func TestInitRequiresSession(t *testing.T) {
	w := newWorkspace(t, newStore(), session.New())
	assert.ErrorIs(t, w.Init(context.Background()), ErrNotAuthenticated)
	assert.False(t, w.Todos.Reconciler.Running())
}

func TestInitReportsFailedFetch(t *testing.T) {
	store := memstore.New(contracts.CollectionTodos, contracts.CollectionTags, contracts.CollectionEvents)
	store.Logger = quietLogger()
	w := newWorkspace(t, store, signedIn(t, "u1"))

	err := w.Init(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Missing collection context.", w.Notes.LastError())
	assert.Empty(t, w.Todos.LastError())
	assert.True(t, w.Todos.Reconciler.Running())
}

func TestPushFromAnotherClientReachesReplica(t *testing.T) {
	store := newStore()
	w := newWorkspace(t, store, signedIn(t, "u1"))
	require.NoError(t, w.Init(context.Background()))

	seed(t, store, contracts.CollectionTodos, map[string]any{"title": "foreign", "userId": "u2"})
	id := seed(t, store, contracts.CollectionTodos, map[string]any{"title": "from phone", "userId": "u1"})

	require.Eventually(t, func() bool {
		_, ok := w.Todos.Replica.Get(id)
		return ok
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, w.TotalCount())
}

func TestTodoViews(t *testing.T) {
	store := newStore()
	w := newWorkspace(t, store, signedIn(t, "u1"))
	ctx := context.Background()
	require.NoError(t, w.Init(ctx))

	a, ok := w.Todos.Gateway.Create(ctx, contracts.CreateTodo{Title: "a"}).Value()
	require.True(t, ok)
	_, ok = w.Todos.Gateway.Create(ctx, contracts.CreateTodo{Title: "b"}).Value()
	require.True(t, ok)

	toggled, ok := w.ToggleCompleted(ctx, a.ID).Value()
	require.True(t, ok)
	assert.True(t, toggled.Completed)

	// The create push for a may land after the update; wait for the update's.
	require.Eventually(t, func() bool {
		return w.RemainingCount() == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 2, w.TotalCount())
	assert.Equal(t, 1, w.RemainingCount())
	assert.Len(t, w.TodosView(contracts.TodoFilterAll), 2)
	require.Len(t, w.TodosView(contracts.TodoFilterCompleted), 1)
	assert.Equal(t, "a", w.TodosView(contracts.TodoFilterCompleted)[0].Title)
	require.Len(t, w.TodosView(contracts.TodoFilterActive), 1)
	assert.Equal(t, "b", w.TodosView(contracts.TodoFilterActive)[0].Title)

	assert.Equal(t, MsgTodoNotFound, w.ToggleCompleted(ctx, "missing").Message())
}

func TestTogglePin(t *testing.T) {
	store := newStore()
	w := newWorkspace(t, store, signedIn(t, "u1"))
	ctx := context.Background()
	require.NoError(t, w.Init(ctx))

	first, ok := w.Notes.Gateway.Create(ctx, contracts.CreateNote{Title: "first"}).Value()
	require.True(t, ok)
	_, ok = w.Notes.Gateway.Create(ctx, contracts.CreateNote{Title: "second"}).Value()
	require.True(t, ok)
	assert.Equal(t, "second", w.Notes.Items()[0].Title)

	pinned, ok := w.TogglePin(ctx, first.ID).Value()
	require.True(t, ok)
	assert.True(t, pinned.IsPinned)
	require.Eventually(t, func() bool {
		return w.Notes.Items()[0].Title == "first"
	}, waitFor, 5*time.Millisecond)

	res := w.TogglePin(ctx, "missing")
	assert.False(t, res.IsOk())
	assert.Equal(t, MsgNoteNotFound, res.Message())
}

func TestAutoSaveKeepsLastEdit(t *testing.T) {
	store := newStore()
	w := newWorkspace(t, store, signedIn(t, "u1"))
	ctx := context.Background()
	require.NoError(t, w.Init(ctx))

	note, ok := w.Notes.Gateway.Create(ctx, contracts.CreateNote{Title: "draft"}).Value()
	require.True(t, ok)

	var saves atomic.Int32
	saved := make(chan contracts.Note, 4)
	onSaved := func(n contracts.Note) {
		saves.Add(1)
		saved <- n
	}
	for _, text := range []string{"h", "he", "hello"} {
		w.AutoSave(note.ID, contracts.NotePatch{Content: contracts.Ptr(text)}, 20*time.Millisecond, onSaved)
	}
	assert.True(t, w.AutoSavePending(note.ID))

	select {
	case n := <-saved:
		assert.Equal(t, "hello", n.Content)
	case <-time.After(waitFor):
		t.Fatal("autosave never committed")
	}
	assert.Equal(t, int32(1), saves.Load())
	require.Eventually(t, func() bool {
		got, _ := w.Notes.Replica.Get(note.ID)
		return got.Content == "hello"
	}, waitFor, 5*time.Millisecond)
}

func TestCancelAutoSave(t *testing.T) {
	store := newStore()
	w := newWorkspace(t, store, signedIn(t, "u1"))
	ctx := context.Background()
	require.NoError(t, w.Init(ctx))

	note, ok := w.Notes.Gateway.Create(ctx, contracts.CreateNote{Title: "draft"}).Value()
	require.True(t, ok)

	w.AutoSave(note.ID, contracts.NotePatch{Content: contracts.Ptr("lost")}, time.Hour, nil)
	assert.True(t, w.CancelAutoSave(note.ID))
	assert.False(t, w.CancelAutoSave(note.ID))
	assert.False(t, w.AutoSavePending(note.ID))
}

func TestSignOutClearsWorkspace(t *testing.T) {
	store := newStore()
	sess := signedIn(t, "u1")
	w := newWorkspace(t, store, sess)
	ctx := context.Background()
	seed(t, store, contracts.CollectionTodos, map[string]any{"title": "mine", "userId": "u1"})
	require.NoError(t, w.Init(ctx))
	require.Equal(t, 1, w.TotalCount())

	w.AutoSave("n1", contracts.NotePatch{Content: contracts.Ptr("x")}, time.Hour, nil)
	sess.SignOut()

	assert.Equal(t, 0, w.TotalCount())
	assert.False(t, w.Todos.Reconciler.Running())
	assert.False(t, w.AutoSavePending("n1"))
	require.Eventually(t, func() bool {
		return store.Subscribers(contracts.CollectionTodos) == 0
	}, waitFor, 5*time.Millisecond)

	// Signing back in allows a fresh Init.
	require.NoError(t, sess.SignIn(mustToken(t, "u1")))
	require.NoError(t, w.Init(ctx))
	assert.Equal(t, 1, w.TotalCount())
	assert.True(t, w.Todos.Reconciler.Running())
}

func TestSwitchingPrincipalClearsPreviousRecords(t *testing.T) {
	store := newStore()
	sess := signedIn(t, "u1")
	w := newWorkspace(t, store, sess)
	ctx := context.Background()
	seed(t, store, contracts.CollectionTodos, map[string]any{"title": "u1 secret", "userId": "u1"})
	seed(t, store, contracts.CollectionTodos, map[string]any{"title": "u2 list", "userId": "u2"})
	require.NoError(t, w.Init(ctx))
	require.Equal(t, 1, w.TotalCount())

	require.NoError(t, sess.SignIn(mustToken(t, "u2")))
	assert.Equal(t, 0, w.TotalCount())
	assert.False(t, w.Todos.Reconciler.Running())

	require.NoError(t, w.Init(ctx))
	todos := w.Todos.Items()
	require.Len(t, todos, 1)
	assert.Equal(t, "u2", todos[0].UserID)

	// Pushes for the previous principal are filtered out.
	seed(t, store, contracts.CollectionTodos, map[string]any{"title": "late", "userId": "u1"})
	id := seed(t, store, contracts.CollectionTodos, map[string]any{"title": "fresh", "userId": "u2"})
	require.Eventually(t, func() bool {
		_, ok := w.Todos.Replica.Get(id)
		return ok
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 2, w.TotalCount())
}

// slowUpdates holds every update until release is closed.
type slowUpdates struct {
	*memstore.Store
	started chan struct{}
	release chan struct{}
}

func (s *slowUpdates) Update(ctx context.Context, collection, id string, patch any) (json.RawMessage, error) {
	s.started <- struct{}{}
	<-s.release
	return s.Store.Update(ctx, collection, id, patch)
}

func TestAckAfterSignOutDoesNotRepopulate(t *testing.T) {
	store := newStore()
	id := seed(t, store, contracts.CollectionTodos, map[string]any{"title": "mine", "userId": "u1"})
	transport := &slowUpdates{Store: store, started: make(chan struct{}), release: make(chan struct{})}
	sess := signedIn(t, "u1")
	w := New(transport, sess, quietLogger(), Options{ResubscribeDelay: 10 * time.Millisecond})
	t.Cleanup(w.Close)
	require.NoError(t, w.Init(context.Background()))

	done := make(chan bool)
	go func() { done <- w.ToggleCompleted(context.Background(), id).IsOk() }()
	<-transport.started
	sess.SignOut()
	close(transport.release)

	assert.True(t, <-done)
	assert.False(t, sess.Authenticated())
	assert.Equal(t, 0, w.TotalCount())
}

func TestDisposeIsIdempotent(t *testing.T) {
	w := newWorkspace(t, newStore(), signedIn(t, "u1"))
	require.NoError(t, w.Init(context.Background()))
	w.Dispose()
	w.Dispose()
	assert.False(t, w.Events.Reconciler.Running())
}

func TestTagByIDAndCalendarEntries(t *testing.T) {
	store := newStore()
	w := newWorkspace(t, store, signedIn(t, "u1"))
	ctx := context.Background()
	require.NoError(t, w.Init(ctx))

	tag, ok := w.Tags.Gateway.Create(ctx, contracts.CreateTag{Name: "health", Color: "#ff0000"}).Value()
	require.True(t, ok)
	got, ok := w.TagByID(tag.ID)
	require.True(t, ok)
	assert.Equal(t, "health", got.Name)
	_, ok = w.TagByID("missing")
	assert.False(t, ok)

	_, ok = w.Events.Gateway.Create(ctx, contracts.CreateEvent{
		Title: "dentist",
		Start: "2024-05-01 09:30",
		End:   "2024-05-01 10:00",
	}).Value()
	require.True(t, ok)
	stored := w.Events.Items()[0]
	assert.Equal(t, "2024-05-01 09:30:00", stored.Start)

	entries := w.CalendarEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "2024-05-01 09:30", entries[0].Start)
	assert.Equal(t, "2024-05-01 10:00", entries[0].End)
}
