// Package changelog keeps a durable history of the store's change
// notifications, one row per notification, queryable per owner.
package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/todo-1m/replicasync/internal/app/relay"
	"github.com/todo-1m/replicasync/internal/contracts"
	"github.com/todo-1m/replicasync/internal/platform/metrics"
)

var (
	ErrInvalidSubject = errors.New("invalid change subject")
	ErrInvalidPayload = errors.New("invalid change payload")
	ErrMissingOwner   = errors.New("history requires an owner")
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

var changesTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "replica_sync_changelog_changes_total",
	Help: "Change notifications seen by the change log, by outcome.",
}, []string{"outcome"})

func init() {
	metrics.Default.MustRegister(changesTotal)
}

// Change is one stored notification.
type Change struct {
	NotificationID string           `json:"notificationId"`
	Seq            uint64           `json:"seq"`
	Collection     string           `json:"collection"`
	Action         contracts.Action `json:"action"`
	RecordID       string           `json:"recordId"`
	UserID         string           `json:"userId"`
	Record         json.RawMessage  `json:"record"`
	ReceivedAt     time.Time        `json:"receivedAt"`
}

// Query selects one owner's changes, newest first. Empty fields match all.
type Query struct {
	UserID     string
	Collection string
	RecordID   string
	Limit      int
}

type Repository interface {
	InsertChange(ctx context.Context, change Change) error
	ListChanges(ctx context.Context, q Query) ([]Change, error)
}

type Service struct {
	Repository Repository
	Now        func() time.Time
}

func NewService(repository Repository) *Service {
	return &Service{
		Repository: repository,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Handle stores the notification published on subject. Inserting the same
// notification twice is a no-op, so redelivery is safe.
func (s *Service) Handle(ctx context.Context, subject string, payload []byte, seq uint64) error {
	collection, _, ok := relay.ParseSubject(subject)
	if !ok {
		changesTotal.WithLabelValues("discarded").Inc()
		return fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}
	var n contracts.RawNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		changesTotal.WithLabelValues("discarded").Inc()
		return ErrInvalidPayload
	}
	var rec struct {
		ID     string `json:"id"`
		UserID string `json:"userId"`
	}
	if n.ID == "" || !n.Action.Valid() || json.Unmarshal(n.Record, &rec) != nil || rec.ID == "" {
		changesTotal.WithLabelValues("discarded").Inc()
		return ErrInvalidPayload
	}

	err := s.Repository.InsertChange(ctx, Change{
		NotificationID: n.ID,
		Seq:            seq,
		Collection:     collection,
		Action:         n.Action,
		RecordID:       rec.ID,
		UserID:         rec.UserID,
		Record:         n.Record,
		ReceivedAt:     s.Now(),
	})
	if err != nil {
		changesTotal.WithLabelValues("failed").Inc()
		return err
	}
	changesTotal.WithLabelValues("stored").Inc()
	return nil
}

// History lists an owner's changes. The limit is clamped to MaxLimit.
func (s *Service) History(ctx context.Context, q Query) ([]Change, error) {
	if q.UserID == "" {
		return nil, ErrMissingOwner
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	q.Limit = min(q.Limit, MaxLimit)
	return s.Repository.ListChanges(ctx, q)
}
