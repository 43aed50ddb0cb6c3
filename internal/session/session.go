// Package session tracks the authenticated principal of a client.
//
// A Session is constructed once per client and injected wherever the current
// principal or its token is needed: the remote transport reads Token, the
// tenant filter and reconcilers read PrincipalID. Signing out notifies the
// registered listeners so owners can clear replicas and drop subscriptions.
package session

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/todo-1m/replicasync/internal/platform/auth"
)

var ErrTokenRequired = errors.New("token is required")

type Session struct {
	mu        sync.RWMutex
	token     string
	principal string

	listenerMu sync.Mutex
	listeners  map[uint64]func()
	nextID     uint64
}

func New() *Session {
	return &Session{listeners: map[uint64]func(){}}
}

// SignIn adopts token and the principal id it carries. Signing in as a
// different principal first signs the current one out, so listeners clear
// everything the previous principal could see. Refreshing the token of the
// same principal keeps the session as it is.
func (s *Session) SignIn(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrTokenRequired
	}
	principal, err := auth.PrincipalFromToken(token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	switched := s.principal != "" && s.principal != principal
	if switched {
		s.token = ""
		s.principal = ""
	}
	s.mu.Unlock()
	if switched {
		s.notifySignOut()
	}

	s.mu.Lock()
	s.token = token
	s.principal = principal
	s.mu.Unlock()
	return nil
}

// SignOut clears the principal and runs sign-out listeners. Calling it while
// already signed out does nothing.
func (s *Session) SignOut() {
	s.mu.Lock()
	wasSignedIn := s.principal != ""
	s.token = ""
	s.principal = ""
	s.mu.Unlock()

	if wasSignedIn {
		s.notifySignOut()
	}
}

func (s *Session) notifySignOut() {
	s.listenerMu.Lock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (s *Session) PrincipalID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principal, s.principal != ""
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) Authenticated() bool {
	_, ok := s.PrincipalID()
	return ok
}

// OnSignOut registers fn to run after every sign-out.
func (s *Session) OnSignOut(fn func()) (cancel func()) {
	s.listenerMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}
