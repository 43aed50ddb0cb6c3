// Package proxy is a small REST facade over the store's todos collection.
// It forwards the caller's bearer token, so every call is scoped to the
// caller by the store's own access rules.
package proxy

import (
	"context"
	"errors"

	"github.com/todo-1m/replicasync/internal/contracts"
	"github.com/todo-1m/replicasync/internal/remote"
)

var (
	ErrTitleRequired = errors.New("title is required")
	ErrTitleEmpty    = errors.New("title must not be empty")
	ErrEmptyPatch    = errors.New("nothing to update")
)

// Todos is the remote todos collection the proxy serves.
type Todos interface {
	List(ctx context.Context, q remote.ListQuery) ([]contracts.Todo, error)
	Create(ctx context.Context, fields any) (contracts.Todo, error)
	Update(ctx context.Context, id string, patch any) (contracts.Todo, error)
	Delete(ctx context.Context, id string) error
}

type Service struct {
	Todos Todos
}

type CreateTodoRequest struct {
	Title *string `json:"title"`
}

type UpdateTodoRequest struct {
	Title     *string `json:"title,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
}

func NewService(todos Todos) *Service {
	return &Service{Todos: todos}
}

func (s *Service) List(ctx context.Context) ([]contracts.Todo, error) {
	return s.Todos.List(ctx, remote.ListQuery{Sort: "-created"})
}

// Create adds an open todo.
func (s *Service) Create(ctx context.Context, req CreateTodoRequest) (contracts.Todo, error) {
	if req.Title == nil {
		return contracts.Todo{}, ErrTitleRequired
	}
	if *req.Title == "" {
		return contracts.Todo{}, ErrTitleEmpty
	}
	return s.Todos.Create(ctx, map[string]any{
		"title":     *req.Title,
		"completed": false,
	})
}

func (s *Service) Update(ctx context.Context, id string, req UpdateTodoRequest) (contracts.Todo, error) {
	if req.Title != nil && *req.Title == "" {
		return contracts.Todo{}, ErrTitleEmpty
	}
	if req.Title == nil && req.Completed == nil {
		return contracts.Todo{}, ErrEmptyPatch
	}
	return s.Todos.Update(ctx, id, contracts.TodoPatch{Title: req.Title, Completed: req.Completed})
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.Todos.Delete(ctx, id)
}
