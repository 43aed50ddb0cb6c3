package contracts

type Todo struct {
	Base
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

type CreateTodo struct {
	Title string `json:"title"`
}

type TodoPatch struct {
	Title     *string `json:"title,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
}

// TodoFilter selects a view over the todo replica.
type TodoFilter string

const (
	TodoFilterAll       TodoFilter = "all"
	TodoFilterActive    TodoFilter = "active"
	TodoFilterCompleted TodoFilter = "completed"
)

func (f TodoFilter) Match(t Todo) bool {
	switch f {
	case TodoFilterActive:
		return !t.Completed
	case TodoFilterCompleted:
		return t.Completed
	default:
		return true
	}
}

type Tag struct {
	Base
	Name  string `json:"name"`
	Color string `json:"color"`
}

type CreateTag struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type TagPatch struct {
	Name  *string `json:"name,omitempty"`
	Color *string `json:"color,omitempty"`
}

type Note struct {
	Base
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	IsPinned    bool       `json:"isPinned"`
	Tags        []string   `json:"tags,omitempty"`
	Attachments []string   `json:"attachments,omitempty"`
	Expand      NoteExpand `json:"expand,omitzero"`
}

// NoteExpand holds relations the store expanded on fetch.
type NoteExpand struct {
	Tags []Tag `json:"tags,omitempty"`
}

type CreateNote struct {
	Title       string   `json:"title"`
	Content     *string  `json:"content,omitempty"`
	IsPinned    *bool    `json:"isPinned,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

type NotePatch struct {
	Title       *string  `json:"title,omitempty"`
	Content     *string  `json:"content,omitempty"`
	IsPinned    *bool    `json:"isPinned,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

type Event struct {
	Base
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	IsAllDay    bool     `json:"isAllDay"`
	Color       string   `json:"color,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type CreateEvent struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	IsAllDay    bool     `json:"isAllDay"`
	Color       string   `json:"color,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type EventPatch struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Start       *string  `json:"start,omitempty"`
	End         *string  `json:"end,omitempty"`
	IsAllDay    *bool    `json:"isAllDay,omitempty"`
	Color       *string  `json:"color,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Ptr returns a pointer to v, for building patches.
func Ptr[V any](v V) *V {
	return &v
}
