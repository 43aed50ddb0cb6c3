// Package autosave debounces edits into a single update per entity.
//
// Each Schedule call for an id replaces the pending patch and restarts the
// delay. When the delay expires the latest patch is sent through the
// gateway; earlier patches are discarded, not merged.
package autosave

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/todo-1m/replicasync/internal/gateway"
	"github.com/todo-1m/replicasync/internal/platform/metrics"
)

const (
	DefaultDelay   = 2 * time.Second
	DefaultTimeout = 15 * time.Second
)

var commitsTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "replica_sync_autosave_commits_total",
	Help: "Debounced autosave commits by result.",
}, []string{"result"})

func init() {
	metrics.Default.MustRegister(commitsTotal)
}

// UpdateFunc commits one patch, normally a gateway's Update method.
type UpdateFunc[T, P any] func(ctx context.Context, id string, patch P) gateway.Result[T]

type Timer interface {
	Stop() bool
}

type Scheduler[T, P any] struct {
	Update UpdateFunc[T, P]
	// AfterFunc starts a timer; tests replace it with a manual clock.
	AfterFunc func(d time.Duration, f func()) Timer
	// Timeout bounds each commit.
	Timeout time.Duration
	Logger  *slog.Logger

	mu      sync.Mutex
	seq     uint64
	pending map[string]*pending
}

type pending struct {
	seq   uint64
	timer Timer
}

func New[T, P any](update UpdateFunc[T, P], logger *slog.Logger) *Scheduler[T, P] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler[T, P]{
		Update: update,
		AfterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		Timeout: DefaultTimeout,
		Logger:  logger.With("component", "autosave"),
		pending: map[string]*pending{},
	}
}

// Schedule replaces any pending save for id with patch, committed after
// delay. A non-positive delay means DefaultDelay. onCommitted, if set,
// receives the canonical record after a successful commit.
func (s *Scheduler[T, P]) Schedule(id string, patch P, delay time.Duration, onCommitted func(T)) {
	if delay <= 0 {
		delay = DefaultDelay
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.pending[id]; ok {
		prev.timer.Stop()
	}
	s.seq++
	p := &pending{seq: s.seq}
	s.pending[id] = p
	seq := p.seq
	p.timer = s.AfterFunc(delay, func() {
		s.fire(id, seq, patch, onCommitted)
	})
}

// Cancel drops the pending save for id without committing it.
func (s *Scheduler[T, P]) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.pending, id)
	return true
}

// CancelAll drops every pending save.
func (s *Scheduler[T, P]) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
}

func (s *Scheduler[T, P]) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

func (s *Scheduler[T, P]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler[T, P]) fire(id string, seq uint64, patch P, onCommitted func(T)) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if !ok || p.seq != seq {
		// Superseded or cancelled after the timer had already fired.
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	s.mu.Unlock()

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.Update(ctx, id, patch).Match(
		func(v T) {
			commitsTotal.WithLabelValues("ok").Inc()
			if onCommitted != nil {
				onCommitted(v)
			}
		},
		func(msg string) {
			commitsTotal.WithLabelValues("error").Inc()
			s.Logger.Warn("autosave commit failed", "id", id, "message", msg)
		},
	)
}
