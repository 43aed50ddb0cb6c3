package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"

	"github.com/todo-1m/replicasync/internal/contracts"
	"github.com/todo-1m/replicasync/internal/remote"
	"github.com/todo-1m/replicasync/internal/sharding"
)

var ErrFeedClosed = errors.New("change feed is closed")

// Subscriber is the part of a JetStream context the feed needs.
type Subscriber interface {
	Subscribe(subj string, cb nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error)
}

// Feed delivers store change notifications from JetStream. Each subscription
// is an ephemeral push consumer that starts at the next new message, so a
// client sees only changes made after it subscribed.
type Feed struct {
	JS     Subscriber
	Logger *slog.Logger
	// Buffer is the per-subscription channel capacity.
	Buffer int

	mu     sync.Mutex
	subs   map[string]*feedSubscription
	closed bool
}

func NewFeed(js Subscriber, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		JS:     js,
		Logger: logger.With("component", "nats_feed"),
		Buffer: 64,
		subs:   map[string]*feedSubscription{},
	}
}

func (f *Feed) Subscribe(_ context.Context, collection, topic string) (remote.RawSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFeedClosed
	}
	if f.subs == nil {
		f.subs = map[string]*feedSubscription{}
	}

	s := newFeedSubscription(nuid.Next(), topic, f.Buffer, f.Logger.With("collection", collection))
	s.release = func() {
		f.mu.Lock()
		delete(f.subs, s.id)
		f.mu.Unlock()
	}
	sub, err := f.JS.Subscribe(sharding.CollectionSubject(collection), s.handle, nats.DeliverNew())
	if err != nil {
		return nil, err
	}
	s.sub = sub
	f.subs[s.id] = s
	return s, nil
}

// Close ends every open subscription, e.g. when the connection is closed for
// good. Consumers observe their event channels closing.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	subs := make([]*feedSubscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
}

type feedSubscription struct {
	id      string
	topic   string
	logger  *slog.Logger
	sub     *nats.Subscription
	release func()

	events chan contracts.RawNotification
	done   chan struct{}
	once   sync.Once

	// mu guards events against close while a handler is sending.
	mu     sync.RWMutex
	closed bool
	err    error
}

func newFeedSubscription(id, topic string, buffer int, logger *slog.Logger) *feedSubscription {
	if buffer < 0 {
		buffer = 0
	}
	return &feedSubscription{
		id:     id,
		topic:  topic,
		logger: logger,
		events: make(chan contracts.RawNotification, buffer),
		done:   make(chan struct{}),
	}
}

func (s *feedSubscription) Events() <-chan contracts.RawNotification {
	return s.events
}

func (s *feedSubscription) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		if s.sub != nil {
			s.err = s.sub.Unsubscribe()
			if errors.Is(s.err, nats.ErrConnectionClosed) || errors.Is(s.err, nats.ErrBadSubscription) {
				s.err = nil
			}
		}
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
		if s.release != nil {
			s.release()
		}
	})
	return s.err
}

func (s *feedSubscription) handle(msg *nats.Msg) {
	var n contracts.RawNotification
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		s.logger.Warn("discarding undecodable change notification", "subject", msg.Subject, "error", err)
		return
	}
	if s.topic != remote.TopicAll && recordID(n.Record) != s.topic {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- n:
	case <-s.done:
	}
}

func recordID(raw json.RawMessage) string {
	var rec struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &rec)
	return rec.ID
}
