package remote

import (
	"context"
	"encoding/json"
	"net/http"
)

// AuthCollection holds the store's user accounts.
const AuthCollection = "users"

// AuthResult is the store's answer to a sign-in or refresh.
type AuthResult struct {
	Token  string          `json:"token"`
	Record json.RawMessage `json:"record"`
}

// AuthWithPassword signs in by email or username.
func (t *HTTPTransport) AuthWithPassword(ctx context.Context, identity, password string) (AuthResult, error) {
	body := map[string]string{"identity": identity, "password": password}
	var out AuthResult
	if err := t.do(ctx, http.MethodPost, authPath("auth-with-password"), nil, body, &out); err != nil {
		return AuthResult{}, err
	}
	return out, nil
}

// AuthRefresh trades the current token for a fresh one.
func (t *HTTPTransport) AuthRefresh(ctx context.Context) (AuthResult, error) {
	var out AuthResult
	if err := t.do(ctx, http.MethodPost, authPath("auth-refresh"), nil, nil, &out); err != nil {
		return AuthResult{}, err
	}
	return out, nil
}

func authPath(action string) string {
	return "/api/collections/" + AuthCollection + "/" + action
}
