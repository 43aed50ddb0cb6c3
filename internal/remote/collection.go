package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/todo-1m/replicasync/internal/contracts"
)

// Collection is a typed view of one remote collection.
type Collection[T any] struct {
	Name      string
	Transport Transport
}

func NewCollection[T any](transport Transport, name string) *Collection[T] {
	return &Collection[T]{Name: name, Transport: transport}
}

func (c *Collection[T]) List(ctx context.Context, q ListQuery) ([]T, error) {
	raws, err := c.Transport.List(ctx, c.Name, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode %s record: %w", c.Name, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *Collection[T]) Create(ctx context.Context, fields any) (T, error) {
	raw, err := c.Transport.Create(ctx, c.Name, fields)
	if err != nil {
		var zero T
		return zero, err
	}
	return c.decode(raw)
}

func (c *Collection[T]) Update(ctx context.Context, id string, patch any) (T, error) {
	raw, err := c.Transport.Update(ctx, c.Name, id, patch)
	if err != nil {
		var zero T
		return zero, err
	}
	return c.decode(raw)
}

func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	return c.Transport.Delete(ctx, c.Name, id)
}

// Subscribe opens the change feed for topic and decodes each notification.
// A record that fails to decode is delivered with Err set.
func (c *Collection[T]) Subscribe(ctx context.Context, topic string) (*Subscription[T], error) {
	raw, err := c.Transport.Subscribe(ctx, c.Name, topic)
	if err != nil {
		return nil, err
	}
	sub := &Subscription[T]{
		raw:    raw,
		events: make(chan contracts.Notification[T]),
		done:   make(chan struct{}),
	}
	go sub.pump(c.Name)
	return sub, nil
}

func (c *Collection[T]) decode(raw json.RawMessage) (T, error) {
	var rec T
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("decode %s record: %w", c.Name, err)
	}
	return rec, nil
}

type Subscription[T any] struct {
	raw    RawSubscription
	events chan contracts.Notification[T]

	once sync.Once
	done chan struct{}
	err  error
}

func (s *Subscription[T]) Events() <-chan contracts.Notification[T] {
	return s.events
}

// Unsubscribe ends the subscription. It is safe to call more than once.
func (s *Subscription[T]) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.raw.Unsubscribe()
	})
	return s.err
}

func (s *Subscription[T]) pump(collection string) {
	defer close(s.events)
	in := s.raw.Events()
	for {
		select {
		case <-s.done:
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			n := contracts.Notification[T]{Action: raw.Action}
			if err := json.Unmarshal(raw.Record, &n.Record); err != nil {
				n.Err = fmt.Errorf("decode %s notification: %w", collection, err)
			}
			select {
			case s.events <- n:
			case <-s.done:
				return
			}
		}
	}
}
