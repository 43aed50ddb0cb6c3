package relay

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/todo-1m/replicasync/internal/contracts"
	"github.com/todo-1m/replicasync/internal/sharding"
)

func TestHandle_PublishesOnRecordShard(t *testing.T) {
	var gotSubject string
	var gotPayload []byte

	svc := NewService(func(subject string, payload []byte) error {
		gotSubject = subject
		gotPayload = payload
		return nil
	})

	n := contracts.RawNotification{ID: "n1", Action: contracts.ActionCreate, Record: json.RawMessage(`{"id":"user-1","userId":"u1"}`)}
	if err := svc.Handle("todos", n); err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if gotSubject != "store.event.todos.532" {
		t.Fatalf("unexpected subject: %q", gotSubject)
	}
	var decoded contracts.RawNotification
	if err := json.Unmarshal(gotPayload, &decoded); err != nil {
		t.Fatalf("payload invalid JSON: %v", err)
	}
	if decoded.ID != "n1" || decoded.Action != contracts.ActionCreate || string(decoded.Record) != string(n.Record) {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestHandle_InvalidRecord(t *testing.T) {
	svc := NewService(func(string, []byte) error { return nil })
	for _, raw := range []string{`{invalid`, `{"title":"no id"}`} {
		err := svc.Handle("todos", contracts.RawNotification{Action: contracts.ActionUpdate, Record: json.RawMessage(raw)})
		if !errors.Is(err, ErrInvalidNotification) {
			t.Fatalf("expected ErrInvalidNotification for %s, got %v", raw, err)
		}
	}
}

func TestHandle_UnsupportedAction(t *testing.T) {
	svc := NewService(func(string, []byte) error { return nil })
	err := svc.Handle("todos", contracts.RawNotification{Action: "archive", Record: json.RawMessage(`{"id":"t1"}`)})
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Fatalf("expected ErrUnsupportedAction, got %v", err)
	}
}

func TestHandle_PublishError(t *testing.T) {
	boom := errors.New("nats down")
	svc := NewService(func(string, []byte) error { return boom })
	err := svc.Handle("notes", contracts.RawNotification{Action: contracts.ActionDelete, Record: json.RawMessage(`{"id":"n1"}`)})
	if !errors.Is(err, boom) {
		t.Fatalf("expected publish error, got %v", err)
	}
}

func TestParseSubject(t *testing.T) {
	collection, shard, ok := ParseSubject(sharding.GetSubject("notes", "todo-abc"))
	if !ok || collection != "notes" || shard != 748 {
		t.Fatalf("unexpected parse: %q %d %v", collection, shard, ok)
	}
	for _, bad := range []string{"bad.subject", "store.event.notes", "store.event.notes.x", "store.event..1", "store.event.notes.5000"} {
		if _, _, ok := ParseSubject(bad); ok {
			t.Errorf("ParseSubject(%q) should fail", bad)
		}
	}
}
