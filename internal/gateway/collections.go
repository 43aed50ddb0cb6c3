package gateway

import (
	"log/slog"

	"github.com/todo-1m/replicasync/internal/contracts"
	"github.com/todo-1m/replicasync/internal/replica"
	"github.com/todo-1m/replicasync/internal/tenant"
)

type (
	Todos  = Gateway[contracts.Todo, contracts.CreateTodo, contracts.TodoPatch]
	Tags   = Gateway[contracts.Tag, contracts.CreateTag, contracts.TagPatch]
	Events = Gateway[contracts.Event, contracts.CreateEvent, contracts.EventPatch]
	Notes  = Gateway[contracts.Note, contracts.CreateNote, contracts.NotePatch]
)

func TodoConfig() Config[contracts.CreateTodo, contracts.TodoPatch] {
	return Config[contracts.CreateTodo, contracts.TodoPatch]{
		Collection: contracts.CollectionTodos,
		Sort:       "-created",
		Noun:       "todo",
	}
}

func TagConfig() Config[contracts.CreateTag, contracts.TagPatch] {
	return Config[contracts.CreateTag, contracts.TagPatch]{
		Collection: contracts.CollectionTags,
		Sort:       "name",
		Noun:       "tag",
	}
}

// EventConfig sends start/end at the store's second precision.
func EventConfig() Config[contracts.CreateEvent, contracts.EventPatch] {
	return Config[contracts.CreateEvent, contracts.EventPatch]{
		Collection:    contracts.CollectionEvents,
		Sort:          "-created",
		Noun:          "event",
		PrepareCreate: contracts.CreateEvent.ForStore,
		PrepareUpdate: contracts.EventPatch.ForStore,
	}
}

// NoteConfig fetches notes with their tags expanded and creates notes with
// empty content and unpinned unless the caller says otherwise.
func NoteConfig() Config[contracts.CreateNote, contracts.NotePatch] {
	return Config[contracts.CreateNote, contracts.NotePatch]{
		Collection: contracts.CollectionNotes,
		Sort:       "-isPinned,-updated",
		Expand:     []string{"tags"},
		Noun:       "note",
		PrepareCreate: func(in contracts.CreateNote) contracts.CreateNote {
			if in.Content == nil {
				in.Content = contracts.Ptr("")
			}
			if in.IsPinned == nil {
				in.IsPinned = contracts.Ptr(false)
			}
			return in
		},
	}
}

func NewTodos(r Remote[contracts.Todo], rep *replica.Replica[contracts.Todo], p tenant.Principal, logger *slog.Logger) *Todos {
	return New(r, rep, p, TodoConfig(), logger)
}

func NewTags(r Remote[contracts.Tag], rep *replica.Replica[contracts.Tag], p tenant.Principal, logger *slog.Logger) *Tags {
	return New(r, rep, p, TagConfig(), logger)
}

func NewEvents(r Remote[contracts.Event], rep *replica.Replica[contracts.Event], p tenant.Principal, logger *slog.Logger) *Events {
	return New(r, rep, p, EventConfig(), logger)
}

func NewNotes(r Remote[contracts.Note], rep *replica.Replica[contracts.Note], p tenant.Principal, logger *slog.Logger) *Notes {
	return New(r, rep, p, NoteConfig(), logger)
}
