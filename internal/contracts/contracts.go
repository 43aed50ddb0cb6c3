package contracts

import (
	"encoding/json"
	"strings"
	"time"
)

// Collection names as the remote store knows them.
const (
	CollectionTodos  = "todos"
	CollectionTags   = "tags"
	CollectionEvents = "events"
	CollectionNotes  = "notes"
)

// Record is implemented by every synchronized entity.
type Record interface {
	RecordID() string
	OwnerID() string
}

// Action is the kind of change a push notification describes.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// RawNotification is a push notification as it travels on the change feed.
type RawNotification struct {
	ID     string          `json:"id,omitempty"`
	Action Action          `json:"action"`
	Record json.RawMessage `json:"record"`
}

// Notification is a decoded push notification. Err is set when the record
// could not be decoded; Record is then the zero value.
type Notification[T any] struct {
	Action Action
	Record T
	Err    error
}

// TimestampLayout is the store's wire format for created/updated.
const TimestampLayout = "2006-01-02 15:04:05.000Z"

// Timestamp is a server-assigned time that marshals in the store's format.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Millisecond)}
}

func (t Timestamp) String() string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimestampLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(TimestampLayout, raw)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return err
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// Base carries the fields every record shares.
type Base struct {
	ID      string    `json:"id"`
	UserID  string    `json:"userId"`
	Created Timestamp `json:"created"`
	Updated Timestamp `json:"updated"`
}

func (b Base) RecordID() string { return b.ID }
func (b Base) OwnerID() string  { return b.UserID }
