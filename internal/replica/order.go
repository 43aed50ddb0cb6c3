package replica

import (
	"github.com/todo-1m/replicasync/internal/contracts"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// TodoOrder puts the most recently created todo first.
func TodoOrder(a, b contracts.Todo) int {
	return b.Created.Compare(a.Created.Time)
}

// NoteOrder puts pinned notes first, each group by descending updated.
func NoteOrder(a, b contracts.Note) int {
	if a.IsPinned != b.IsPinned {
		if a.IsPinned {
			return -1
		}
		return 1
	}
	return b.Updated.Compare(a.Updated.Time)
}

// NewTagOrder returns a locale-aware ascending name comparator. The collator
// is not safe for concurrent use; each replica needs its own comparator,
// which the replica only calls with its write lock held.
func NewTagOrder(tag language.Tag) Compare[contracts.Tag] {
	c := collate.New(tag)
	return func(a, b contracts.Tag) int {
		return c.CompareString(a.Name, b.Name)
	}
}

// EventOrder is nil: the event replica is an unordered cache.
var EventOrder Compare[contracts.Event]

func NewTodos() *Replica[contracts.Todo] {
	return New[contracts.Todo](TodoOrder)
}

func NewTags() *Replica[contracts.Tag] {
	return New[contracts.Tag](NewTagOrder(language.Und))
}

func NewEvents() *Replica[contracts.Event] {
	return New[contracts.Event](EventOrder)
}

func NewNotes() *Replica[contracts.Note] {
	return New[contracts.Note](NoteOrder)
}
