package identity

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/todo-1m/replicasync/internal/contracts"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate user")
)

// User is a record of the store's auth collection.
type User struct {
	ID           string              `json:"id"`
	Email        string              `json:"email"`
	Username     string              `json:"username"`
	Name         string              `json:"name"`
	PasswordHash string              `json:"-"`
	Created      contracts.Timestamp `json:"created"`
	Updated      contracts.Timestamp `json:"updated"`
}

type Repository interface {
	CreateUser(ctx context.Context, user User) error
	// FindUserByIdentity matches either the email or the username.
	FindUserByIdentity(ctx context.Context, identity string) (User, error)
	FindUserByID(ctx context.Context, userID string) (User, error)
}

// MemoryRepository keeps users for the lifetime of the process.
type MemoryRepository struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: map[string]User{}}
}

func (r *MemoryRepository) CreateUser(_ context.Context, user User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == user.Email {
			return ErrDuplicate
		}
	}
	r.users[user.ID] = user
	return nil
}

func (r *MemoryRepository) FindUserByIdentity(_ context.Context, identity string) (User, error) {
	identity = normalize(identity)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.Email == identity || u.Username == identity {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (r *MemoryRepository) FindUserByID(_ context.Context, userID string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
