package workspace

import (
	"context"
	"time"

	"github.com/todo-1m/replicasync/internal/contracts"
	"github.com/todo-1m/replicasync/internal/gateway"
)

const (
	MsgTodoNotFound = "Todo not found"
	MsgNoteNotFound = "Note not found"
)

// TodosView returns the todos matching filter in replica order.
func (w *Workspace) TodosView(filter contracts.TodoFilter) []contracts.Todo {
	items := w.Todos.Replica.Items()
	out := items[:0]
	for _, t := range items {
		if filter.Match(t) {
			out = append(out, t)
		}
	}
	return out
}

func (w *Workspace) RemainingCount() int {
	n := 0
	for _, t := range w.Todos.Replica.Items() {
		if !t.Completed {
			n++
		}
	}
	return n
}

func (w *Workspace) TotalCount() int {
	return w.Todos.Replica.Len()
}

func (w *Workspace) ToggleCompleted(ctx context.Context, id string) gateway.Result[contracts.Todo] {
	todo, ok := w.Todos.Replica.Get(id)
	if !ok {
		return gateway.Err[contracts.Todo](MsgTodoNotFound)
	}
	return w.Todos.Gateway.Update(ctx, id, contracts.TodoPatch{Completed: contracts.Ptr(!todo.Completed)})
}

func (w *Workspace) TogglePin(ctx context.Context, id string) gateway.Result[contracts.Note] {
	note, ok := w.Notes.Replica.Get(id)
	if !ok {
		return gateway.Err[contracts.Note](MsgNoteNotFound)
	}
	return w.Notes.Gateway.Update(ctx, id, contracts.NotePatch{IsPinned: contracts.Ptr(!note.IsPinned)})
}

// AutoSave debounces note edits: only the last patch scheduled for id within
// delay is sent. A non-positive delay uses the workspace default.
func (w *Workspace) AutoSave(id string, patch contracts.NotePatch, delay time.Duration, onSaved func(contracts.Note)) {
	if delay <= 0 {
		delay = w.autoSaveDelay
	}
	w.autoSave.Schedule(id, patch, delay, onSaved)
}

func (w *Workspace) CancelAutoSave(id string) bool {
	return w.autoSave.Cancel(id)
}

func (w *Workspace) AutoSavePending(id string) bool {
	return w.autoSave.Pending(id)
}

func (w *Workspace) TagByID(id string) (contracts.Tag, bool) {
	return w.Tags.Replica.Get(id)
}

// CalendarEntries returns every event with start and end in display form.
func (w *Workspace) CalendarEntries() []contracts.Event {
	events := w.Events.Replica.Items()
	for i := range events {
		events[i] = events[i].ForDisplay()
	}
	return events
}
