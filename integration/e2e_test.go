//go:build integration

package integration_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/todo-1m/replicasync/internal/app/relay"
	"github.com/todo-1m/replicasync/internal/app/storeapi"
	"github.com/todo-1m/replicasync/internal/app/workspace"
	"github.com/todo-1m/replicasync/internal/contracts"
	"github.com/todo-1m/replicasync/internal/platform/auth"
	"github.com/todo-1m/replicasync/internal/platform/natsutil"
	"github.com/todo-1m/replicasync/internal/remote"
	"github.com/todo-1m/replicasync/internal/remote/memstore"
	"github.com/todo-1m/replicasync/internal/session"
)

type stack struct {
	storeURL string
	tokens   auth.Manager
	feed     *natsutil.Feed
	logger   *slog.Logger
}

// startStack runs the dev store in process and relays its changes through
// the NATS server at NATS_URL.
func startStack(t *testing.T) *stack {
	t.Helper()
	client, err := natsutil.ConnectJetStream(natsutil.ConfigFromEnv("integration", nil), nats.Timeout(2*time.Second), nats.MaxReconnects(0))
	if err != nil {
		t.Skipf("NATS not reachable: %v", err)
	}
	t.Cleanup(client.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	store.Logger = logger
	store.Publish = relay.NewService(client.Publish).Handle

	tokens := auth.NewManager("integration", time.Hour)
	server := httptest.NewServer(storeapi.NewHandler(store, tokens, logger).Router())
	t.Cleanup(server.Close)

	feed := natsutil.NewFeed(client.JS, logger)
	t.Cleanup(feed.Close)
	return &stack{storeURL: server.URL, tokens: tokens, feed: feed, logger: logger}
}

func (s *stack) device(t *testing.T, userID string) *workspace.Workspace {
	t.Helper()
	token, err := s.tokens.Sign(userID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sess := session.New()
	if err := sess.SignIn(token); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	ws := workspace.New(remote.NewHTTPTransport(s.storeURL, sess, s.feed), sess, s.logger, workspace.Options{})
	t.Cleanup(ws.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ws.Init(ctx); err != nil {
		t.Fatalf("init workspace for %s: %v", userID, err)
	}
	return ws
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestChangesReachOtherDevicesOfSameUser(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s := startStack(t)
	user := "it-" + time.Now().UTC().Format("150405.000000")
	laptop := s.device(t, user)
	phone := s.device(t, user)
	stranger := s.device(t, user+"-other")
	ctx := context.Background()

	todo, ok := laptop.Todos.Gateway.Create(ctx, contracts.CreateTodo{Title: "ship it"}).Value()
	if !ok {
		t.Fatalf("create failed: %s", laptop.Todos.LastError())
	}
	waitUntil(t, "todo on phone", func() bool {
		_, ok := phone.Todos.Replica.Get(todo.ID)
		return ok
	})

	if _, ok := phone.ToggleCompleted(ctx, todo.ID).Value(); !ok {
		t.Fatalf("toggle failed: %s", phone.Todos.LastError())
	}
	waitUntil(t, "completion on laptop", func() bool {
		got, _ := laptop.Todos.Replica.Get(todo.ID)
		return got.Completed
	})

	if _, ok := laptop.Todos.Gateway.Delete(ctx, todo.ID).Value(); !ok {
		t.Fatalf("delete failed: %s", laptop.Todos.LastError())
	}
	waitUntil(t, "delete on phone", func() bool {
		return phone.TotalCount() == 0
	})

	if n := stranger.TotalCount(); n != 0 {
		t.Fatalf("another user's replica received %d todos", n)
	}
}

func TestNoteAutoSaveReachesOtherDevice(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s := startStack(t)
	user := "it-notes-" + time.Now().UTC().Format("150405.000000")
	editor := s.device(t, user)
	viewer := s.device(t, user)
	ctx := context.Background()

	note, ok := editor.Notes.Gateway.Create(ctx, contracts.CreateNote{Title: "minutes"}).Value()
	if !ok {
		t.Fatalf("create failed: %s", editor.Notes.LastError())
	}
	for _, text := range []string{"a", "ag", "agenda"} {
		editor.AutoSave(note.ID, contracts.NotePatch{Content: contracts.Ptr(text)}, 100*time.Millisecond, nil)
	}
	waitUntil(t, "autosaved content on viewer", func() bool {
		got, _ := viewer.Notes.Replica.Get(note.ID)
		return got.Content == "agenda"
	})
}
