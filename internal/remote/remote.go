// Package remote is the client side of the remote collection API.
//
// Transport is the raw, untyped contract a store implementation satisfies:
// full list, create, update, delete and a collection-wide change feed. The
// HTTP transport talks to a running store; memstore implements the same
// contract in process. Collection layers JSON decoding on top so gateways
// and reconcilers work with concrete record types.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/todo-1m/replicasync/internal/contracts"
)

// TopicAll subscribes to every record of a collection.
const TopicAll = "*"

// ListQuery describes a full unpaginated fetch.
type ListQuery struct {
	// Sort is the store's sort expression, e.g. "-isPinned,-updated".
	Sort string
	// Filter is the store's filter expression, see Eq and And.
	Filter string
	// Expand names relation fields to expand inline.
	Expand []string
}

type Transport interface {
	List(ctx context.Context, collection string, q ListQuery) ([]json.RawMessage, error)
	Create(ctx context.Context, collection string, fields any) (json.RawMessage, error)
	Update(ctx context.Context, collection, id string, patch any) (json.RawMessage, error)
	Delete(ctx context.Context, collection, id string) error
	Subscribe(ctx context.Context, collection, topic string) (RawSubscription, error)
}

// RawSubscription is a live change feed. Events is closed once the
// subscription ends, whether by Unsubscribe or because the feed dropped.
type RawSubscription interface {
	Events() <-chan contracts.RawNotification
	Unsubscribe() error
}

// Error is a failed remote call. Message is meant for humans.
type Error struct {
	Status  int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote store error (status %d)", e.Status)
	}
	return e.Message
}

func NotFound(collection, id string) *Error {
	return &Error{Status: http.StatusNotFound, Message: fmt.Sprintf("The requested resource wasn't found (%s/%s).", collection, id)}
}

func BadRequest(msg string) *Error {
	return &Error{Status: http.StatusBadRequest, Message: msg}
}

type tokenKey struct{}

// WithToken overrides the session token for calls made with ctx.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func tokenFromContext(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(tokenKey{}).(string)
	return tok, ok && tok != ""
}
