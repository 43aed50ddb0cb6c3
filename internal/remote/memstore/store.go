// Package memstore is an in-memory implementation of the remote collection
// API. It backs unit tests and the development store server.
//
// Records are kept as decoded JSON objects. The store assigns ids and
// created/updated timestamps, enforces unique (userId, name) on tags,
// evaluates the equality filters and multi-key sorts the client sends, and
// expands tag relations on request. Every successful mutation is fanned out
// to in-process subscribers and, when Publish is set, to an external feed.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nuid"

	"github.com/todo-1m/replicasync/internal/contracts"
	"github.com/todo-1m/replicasync/internal/remote"
)

// PublishFunc forwards a change notification to an external feed.
type PublishFunc func(collection string, n contracts.RawNotification) error

// Relations maps collection -> relation field -> target collection.
type Relations map[string]map[string]string

var DefaultRelations = Relations{
	contracts.CollectionNotes:  {"tags": contracts.CollectionTags},
	contracts.CollectionEvents: {"tags": contracts.CollectionTags},
}

type record = map[string]any

type collection struct {
	order   []string
	records map[string]record
}

type Store struct {
	Now       func() time.Time
	NewID     func() string
	Publish   PublishFunc
	Relations Relations
	Logger    *slog.Logger

	mu          sync.Mutex
	collections map[string]*collection

	subMu sync.Mutex
	subs  map[string]map[string]*subscription
}

// New returns a store holding the given collections, or the four workspace
// collections when none are named.
func New(names ...string) *Store {
	if len(names) == 0 {
		names = []string{
			contracts.CollectionTodos,
			contracts.CollectionTags,
			contracts.CollectionEvents,
			contracts.CollectionNotes,
		}
	}
	s := &Store{
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       nuid.Next,
		Relations:   DefaultRelations,
		Logger:      slog.Default(),
		collections: map[string]*collection{},
		subs:        map[string]map[string]*subscription{},
	}
	for _, name := range names {
		s.collections[name] = &collection{records: map[string]record{}}
	}
	return s
}

func (s *Store) List(_ context.Context, name string, q remote.ListQuery) ([]json.RawMessage, error) {
	filter, err := remote.ParseFilter(q.Filter)
	if err != nil {
		return nil, remote.BadRequest("Invalid filter parameters.")
	}
	keys, err := parseSort(q.Sort)
	if err != nil {
		return nil, remote.BadRequest("Invalid sort parameters.")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	coll, err := s.collection(name)
	if err != nil {
		return nil, err
	}

	matched := make([]record, 0, len(coll.order))
	for _, id := range coll.order {
		rec := coll.records[id]
		if matches(rec, filter) {
			matched = append(matched, rec)
		}
	}
	if len(keys) > 0 {
		slices.SortStableFunc(matched, func(a, b record) int {
			return compareRecords(a, b, keys)
		})
	}

	out := make([]json.RawMessage, 0, len(matched))
	for _, rec := range matched {
		raw, err := json.Marshal(s.expand(name, rec, q.Expand))
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// Get returns one record, or a not-found error.
func (s *Store) Get(_ context.Context, name, id string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	rec, ok := coll.records[id]
	if !ok {
		return nil, remote.NotFound(name, id)
	}
	return json.Marshal(rec)
}

func (s *Store) Create(_ context.Context, name string, fields any) (json.RawMessage, error) {
	rec, err := toRecord(fields)
	if err != nil {
		return nil, remote.BadRequest("Failed to load the submitted data due to invalid formatting.")
	}

	s.mu.Lock()
	coll, err := s.collection(name)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if id, _ := rec["id"].(string); id == "" {
		rec["id"] = s.NewID()
	} else if _, exists := coll.records[id]; exists {
		s.mu.Unlock()
		return nil, validationError("id", "validation_not_unique", "Value must be unique.")
	}
	if err := s.validate(name, coll, rec); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	now := contracts.NewTimestamp(s.Now()).String()
	rec["created"] = now
	rec["updated"] = now

	id := rec["id"].(string)
	coll.records[id] = rec
	coll.order = append(coll.order, id)
	raw, err := json.Marshal(rec)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	n := s.fanOut(name, contracts.ActionCreate, id, raw)
	s.mu.Unlock()

	s.publish(name, n)
	return raw, nil
}

func (s *Store) Update(_ context.Context, name, id string, patch any) (json.RawMessage, error) {
	changes, err := toRecord(patch)
	if err != nil {
		return nil, remote.BadRequest("Failed to load the submitted data due to invalid formatting.")
	}

	s.mu.Lock()
	coll, err := s.collection(name)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	current, ok := coll.records[id]
	if !ok {
		s.mu.Unlock()
		return nil, remote.NotFound(name, id)
	}

	next := make(record, len(current)+len(changes))
	for k, v := range current {
		next[k] = v
	}
	for k, v := range changes {
		switch k {
		case "id", "created", "updated", "expand":
			continue
		case "userId":
			if v != current["userId"] {
				s.mu.Unlock()
				return nil, &remote.Error{Status: http.StatusForbidden, Message: "Records cannot change owner."}
			}
		}
		next[k] = v
	}
	if err := s.validate(name, coll, next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	next["updated"] = contracts.NewTimestamp(s.Now()).String()
	coll.records[id] = next
	raw, err := json.Marshal(next)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	n := s.fanOut(name, contracts.ActionUpdate, id, raw)
	s.mu.Unlock()

	s.publish(name, n)
	return raw, nil
}

func (s *Store) Delete(_ context.Context, name, id string) error {
	s.mu.Lock()
	coll, err := s.collection(name)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	rec, ok := coll.records[id]
	if !ok {
		s.mu.Unlock()
		return remote.NotFound(name, id)
	}
	delete(coll.records, id)
	coll.order = slices.DeleteFunc(coll.order, func(v string) bool { return v == id })
	raw, err := json.Marshal(rec)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	n := s.fanOut(name, contracts.ActionDelete, id, raw)
	s.mu.Unlock()

	s.publish(name, n)
	return nil
}

// Len reports how many records a collection holds.
func (s *Store) Len(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if coll, ok := s.collections[name]; ok {
		return len(coll.records)
	}
	return 0
}

func (s *Store) collection(name string) (*collection, error) {
	coll, ok := s.collections[name]
	if !ok {
		return nil, &remote.Error{Status: http.StatusNotFound, Message: "Missing collection context."}
	}
	return coll, nil
}

func (s *Store) validate(name string, coll *collection, rec record) error {
	if owner, _ := rec["userId"].(string); owner == "" {
		return validationError("userId", "validation_required", "Missing required value.")
	}
	switch name {
	case contracts.CollectionTags:
		tagName, _ := rec["name"].(string)
		if strings.TrimSpace(tagName) == "" {
			return validationError("name", "validation_required", "Missing required value.")
		}
		for otherID, other := range coll.records {
			if otherID == rec["id"] {
				continue
			}
			if other["userId"] == rec["userId"] && other["name"] == tagName {
				return validationError("name", "validation_not_unique", "Value must be unique.")
			}
		}
	case contracts.CollectionTodos, contracts.CollectionNotes, contracts.CollectionEvents:
		title, _ := rec["title"].(string)
		if strings.TrimSpace(title) == "" {
			return validationError("title", "validation_required", "Missing required value.")
		}
	}
	return nil
}

// expand returns rec with the requested relations resolved under "expand".
// Caller holds s.mu.
func (s *Store) expand(name string, rec record, fields []string) record {
	if len(fields) == 0 {
		return rec
	}
	expanded := map[string]any{}
	for _, field := range fields {
		target, ok := s.Relations[name][field]
		if !ok {
			continue
		}
		targetColl, ok := s.collections[target]
		if !ok {
			continue
		}
		ids, _ := rec[field].([]any)
		related := make([]record, 0, len(ids))
		for _, v := range ids {
			id, _ := v.(string)
			if rel, ok := targetColl.records[id]; ok {
				related = append(related, rel)
			}
		}
		if len(related) > 0 {
			expanded[field] = related
		}
	}
	if len(expanded) == 0 {
		return rec
	}
	out := make(record, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	out["expand"] = expanded
	return out
}

func toRecord(v any) (record, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	rec := record{}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func matches(rec record, filter map[string]string) bool {
	for field, want := range filter {
		v, ok := rec[field]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

func validationError(field, code, message string) *remote.Error {
	return &remote.Error{
		Status:  http.StatusBadRequest,
		Message: "Failed to save record.",
		Data: map[string]any{
			field: map[string]any{"code": code, "message": message},
		},
	}
}
