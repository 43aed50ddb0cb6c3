package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/todo-1m/replicasync/internal/contracts"
)

type fakeRepository struct {
	changes []Change
	gotQ    Query
	err     error
}

func (f *fakeRepository) InsertChange(_ context.Context, c Change) error {
	if f.err != nil {
		return f.err
	}
	for _, existing := range f.changes {
		if existing.NotificationID == c.NotificationID {
			return nil
		}
	}
	f.changes = append(f.changes, c)
	return nil
}

func (f *fakeRepository) ListChanges(_ context.Context, q Query) ([]Change, error) {
	f.gotQ = q
	if f.err != nil {
		return nil, f.err
	}
	var out []Change
	for i := len(f.changes) - 1; i >= 0; i-- {
		c := f.changes[i]
		if c.UserID != q.UserID || (q.Collection != "" && c.Collection != q.Collection) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func payload(t *testing.T, id string, action contracts.Action, record string) []byte {
	t.Helper()
	data, err := json.Marshal(contracts.RawNotification{ID: id, Action: action, Record: json.RawMessage(record)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestHandle_StoresChange(t *testing.T) {
	repo := &fakeRepository{}
	svc := NewService(repo)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return now }

	err := svc.Handle(context.Background(), "store.event.todos.17",
		payload(t, "n1", contracts.ActionUpdate, `{"id":"t1","userId":"u1","title":"Milk"}`), 42)
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if len(repo.changes) != 1 {
		t.Fatalf("expected one change, got %d", len(repo.changes))
	}
	got := repo.changes[0]
	if got.Collection != "todos" || got.Action != contracts.ActionUpdate || got.RecordID != "t1" || got.UserID != "u1" {
		t.Fatalf("unexpected change: %+v", got)
	}
	if got.Seq != 42 || !got.ReceivedAt.Equal(now) {
		t.Fatalf("unexpected seq/time: %d %v", got.Seq, got.ReceivedAt)
	}
}

func TestHandle_RedeliveryIsIdempotent(t *testing.T) {
	repo := &fakeRepository{}
	svc := NewService(repo)
	msg := payload(t, "n1", contracts.ActionCreate, `{"id":"t1","userId":"u1"}`)

	for range 2 {
		if err := svc.Handle(context.Background(), "store.event.todos.1", msg, 7); err != nil {
			t.Fatalf("Handle returned error: %v", err)
		}
	}
	if len(repo.changes) != 1 {
		t.Fatalf("expected one stored change, got %d", len(repo.changes))
	}
}

func TestHandle_Rejects(t *testing.T) {
	cases := []struct {
		name    string
		subject string
		payload []byte
		want    error
	}{
		{"foreign subject", "app.event.todos.1", payload(t, "n1", contracts.ActionCreate, `{"id":"t1"}`), ErrInvalidSubject},
		{"bad json", "store.event.todos.1", []byte("{bad"), ErrInvalidPayload},
		{"unknown action", "store.event.todos.1", payload(t, "n1", "archive", `{"id":"t1"}`), ErrInvalidPayload},
		{"record without id", "store.event.todos.1", payload(t, "n1", contracts.ActionDelete, `{"title":"x"}`), ErrInvalidPayload},
		{"missing notification id", "store.event.todos.1", payload(t, "", contracts.ActionDelete, `{"id":"t1"}`), ErrInvalidPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &fakeRepository{}
			err := NewService(repo).Handle(context.Background(), tc.subject, tc.payload, 1)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(repo.changes) != 0 {
				t.Fatal("rejected change was stored")
			}
		})
	}
}

func TestHandle_RepositoryFailure(t *testing.T) {
	repo := &fakeRepository{err: errors.New("db down")}
	err := NewService(repo).Handle(context.Background(), "store.event.notes.3",
		payload(t, "n1", contracts.ActionCreate, `{"id":"n1","userId":"u1"}`), 1)
	if err == nil || errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected repository error, got %v", err)
	}
}

func TestHistory_ClampsLimit(t *testing.T) {
	repo := &fakeRepository{}
	svc := NewService(repo)

	if _, err := svc.History(context.Background(), Query{UserID: "u1"}); err != nil {
		t.Fatalf("History error: %v", err)
	}
	if repo.gotQ.Limit != DefaultLimit {
		t.Fatalf("expected default limit, got %d", repo.gotQ.Limit)
	}
	if _, err := svc.History(context.Background(), Query{UserID: "u1", Limit: 10_000}); err != nil {
		t.Fatalf("History error: %v", err)
	}
	if repo.gotQ.Limit != MaxLimit {
		t.Fatalf("expected max limit, got %d", repo.gotQ.Limit)
	}
	if _, err := svc.History(context.Background(), Query{}); !errors.Is(err, ErrMissingOwner) {
		t.Fatalf("expected ErrMissingOwner, got %v", err)
	}
}

func TestListChangesSQL(t *testing.T) {
	sql, args := listChangesSQL(Query{UserID: "u1", RecordID: "t1", Limit: 5})
	if len(args) != 3 || args[0] != "u1" || args[1] != "t1" || args[2] != 5 {
		t.Fatalf("unexpected args: %v", args)
	}
	for _, want := range []string{"user_id = $1", "record_id = $2", "LIMIT $3"} {
		if !strings.Contains(sql, want) {
			t.Fatalf("query missing %q:\n%s", want, sql)
		}
	}
	if strings.Contains(sql, "collection = $") {
		t.Fatalf("empty collection must not filter:\n%s", sql)
	}
}
