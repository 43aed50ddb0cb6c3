package memstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/todo-1m/replicasync/internal/contracts"
	"github.com/todo-1m/replicasync/internal/remote"
)

type subscription struct {
	id     string
	topic  string
	events chan contracts.RawNotification
	done   chan struct{}
	once   sync.Once
	remove func()

	mu    sync.Mutex
	queue []contracts.RawNotification
	wake  chan struct{}
}

func (s *subscription) Events() <-chan contracts.RawNotification {
	return s.events
}

func (s *subscription) Unsubscribe() error {
	s.close()
	return nil
}

func (s *subscription) close() {
	s.once.Do(func() {
		s.remove()
		close(s.done)
	})
}

// Subscribe opens an in-process change feed. Topic "*" receives every record
// of the collection; any other topic receives only the record with that id.
func (s *Store) Subscribe(_ context.Context, name, topic string) (remote.RawSubscription, error) {
	s.mu.Lock()
	_, err := s.collection(name)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		id:     s.NewID(),
		topic:  topic,
		events: make(chan contracts.RawNotification),
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
	sub.remove = func() {
		s.subMu.Lock()
		delete(s.subs[name], sub.id)
		s.subMu.Unlock()
	}

	s.subMu.Lock()
	if s.subs[name] == nil {
		s.subs[name] = map[string]*subscription{}
	}
	s.subs[name][sub.id] = sub
	s.subMu.Unlock()

	go sub.forward()
	return sub, nil
}

func (s *subscription) enqueue(n contracts.RawNotification) {
	s.mu.Lock()
	s.queue = append(s.queue, n)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// forward is the only sender on events. It closes the channel once the
// subscription ends so consumers observe a drop the same way they would from
// a network feed.
func (s *subscription) forward() {
	defer close(s.events)
	for {
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, n := range pending {
			select {
			case s.events <- n:
			case <-s.done:
				return
			}
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

// DropSubscriptions ends every open subscription on a collection, as if the
// feed connection had been lost.
func (s *Store) DropSubscriptions(name string) {
	for _, sub := range s.subscribers(name) {
		sub.close()
	}
}

// Subscribers reports the number of open subscriptions on a collection.
func (s *Store) Subscribers(name string) int {
	return len(s.subscribers(name))
}

func (s *Store) subscribers(name string) []*subscription {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	out := make([]*subscription, 0, len(s.subs[name]))
	for _, sub := range s.subs[name] {
		out = append(out, sub)
	}
	return out
}

// fanOut queues a notification for every matching subscriber. Caller holds
// s.mu, so subscribers see changes in mutation order.
func (s *Store) fanOut(name string, action contracts.Action, id string, raw json.RawMessage) contracts.RawNotification {
	n := contracts.RawNotification{ID: s.NewID(), Action: action, Record: raw}
	for _, sub := range s.subscribers(name) {
		if sub.topic != remote.TopicAll && sub.topic != id {
			continue
		}
		sub.enqueue(n)
	}
	return n
}

func (s *Store) publish(name string, n contracts.RawNotification) {
	if s.Publish == nil {
		return
	}
	if err := s.Publish(name, n); err != nil {
		s.Logger.Error("publish change notification failed",
			"collection", name, "action", n.Action, "notification_id", n.ID, "error", err)
	}
}
