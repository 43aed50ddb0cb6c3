// Package relay forwards store change notifications onto NATS subjects.
package relay

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/todo-1m/replicasync/internal/contracts"
	"github.com/todo-1m/replicasync/internal/sharding"
)

var ErrInvalidNotification = errors.New("invalid change notification")

// ErrUnsupportedAction keeps unknown change kinds off the feed.
var ErrUnsupportedAction = errors.New("unsupported notification action")

type PublishFunc func(subject string, payload []byte) error

type Service struct {
	Publish PublishFunc
}

func NewService(publish PublishFunc) *Service {
	return &Service{Publish: publish}
}

// Handle publishes n on the shard subject of its record.
func (s *Service) Handle(collection string, n contracts.RawNotification) error {
	if !n.Action.Valid() {
		return ErrUnsupportedAction
	}
	var rec struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(n.Record, &rec); err != nil || rec.ID == "" || strings.TrimSpace(collection) == "" {
		return ErrInvalidNotification
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.Publish(sharding.GetSubject(collection, rec.ID), payload)
}

// ParseSubject splits store.event.{collection}.{shard} into its parts.
func ParseSubject(subject string) (collection string, shard int, ok bool) {
	rest, found := strings.CutPrefix(subject, sharding.SubjectPrefix+".")
	if !found {
		return "", 0, false
	}
	collection, shardPart, found := strings.Cut(rest, ".")
	if !found || collection == "" {
		return "", 0, false
	}
	shard, err := strconv.Atoi(shardPart)
	if err != nil || shard < 0 || shard >= sharding.ShardCount {
		return "", 0, false
	}
	return collection, shard, true
}
