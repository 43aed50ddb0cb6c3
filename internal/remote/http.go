package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrNoFeed = errors.New("change feed is not configured")

// TokenSource yields the auth token to attach to each request.
type TokenSource interface {
	Token() string
}

// Feed opens change feeds. The HTTP API only covers request/response calls;
// notifications arrive over a separate channel such as NATS.
type Feed interface {
	Subscribe(ctx context.Context, collection, topic string) (RawSubscription, error)
}

// HTTPTransport talks to the store's REST API under BaseURL.
type HTTPTransport struct {
	BaseURL string
	Client  *http.Client
	Tokens  TokenSource
	Feed    Feed
}

func NewHTTPTransport(baseURL string, tokens TokenSource, feed Feed) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 15 * time.Second},
		Tokens:  tokens,
		Feed:    feed,
	}
}

type listResponse struct {
	Items []json.RawMessage `json:"items"`
}

func (t *HTTPTransport) List(ctx context.Context, collection string, q ListQuery) ([]json.RawMessage, error) {
	params := url.Values{}
	if q.Sort != "" {
		params.Set("sort", q.Sort)
	}
	if q.Filter != "" {
		params.Set("filter", q.Filter)
	}
	if len(q.Expand) > 0 {
		params.Set("expand", strings.Join(q.Expand, ","))
	}
	var out listResponse
	if err := t.do(ctx, http.MethodGet, recordsPath(collection, ""), params, nil, &out); err != nil {
		return nil, err
	}
	if out.Items == nil {
		return []json.RawMessage{}, nil
	}
	return out.Items, nil
}

func (t *HTTPTransport) Create(ctx context.Context, collection string, fields any) (json.RawMessage, error) {
	var out json.RawMessage
	if err := t.do(ctx, http.MethodPost, recordsPath(collection, ""), nil, fields, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *HTTPTransport) Update(ctx context.Context, collection, id string, patch any) (json.RawMessage, error) {
	var out json.RawMessage
	if err := t.do(ctx, http.MethodPatch, recordsPath(collection, id), nil, patch, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *HTTPTransport) Delete(ctx context.Context, collection, id string) error {
	return t.do(ctx, http.MethodDelete, recordsPath(collection, id), nil, nil, nil)
}

func (t *HTTPTransport) Subscribe(ctx context.Context, collection, topic string) (RawSubscription, error) {
	if t.Feed == nil {
		return nil, ErrNoFeed
	}
	return t.Feed.Subscribe(ctx, collection, topic)
}

func recordsPath(collection, id string) string {
	p := "/api/collections/" + url.PathEscape(collection) + "/records"
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

func (t *HTTPTransport) token(ctx context.Context) string {
	if tok, ok := tokenFromContext(ctx); ok {
		return tok
	}
	if t.Tokens == nil {
		return ""
	}
	return t.Tokens.Token()
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	target := t.BaseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := t.token(ctx); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	// The body's code wins only when it is a real status.
	if apiErr.Status < 400 {
		apiErr.Status = resp.StatusCode
	}
	return apiErr
}
