package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/todo-1m/replicasync/internal/contracts"
)

// SSEFeed reads change notifications from the store's realtime endpoint,
// one server-sent event stream per subscription.
type SSEFeed struct {
	BaseURL string
	// Client must not set a Timeout; streams stay open indefinitely.
	Client *http.Client
	Tokens TokenSource
	Logger *slog.Logger
	Buffer int
}

func NewSSEFeed(baseURL string, tokens TokenSource, logger *slog.Logger) *SSEFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEFeed{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{},
		Tokens:  tokens,
		Logger:  logger.With("component", "sse_feed"),
		Buffer:  64,
	}
}

// Subscribe opens the stream and returns once the server has accepted it.
// The stream outlives ctx; it ends on Unsubscribe or when the server closes
// it.
func (f *SSEFeed) Subscribe(ctx context.Context, collection, topic string) (RawSubscription, error) {
	params := url.Values{}
	params.Set("collection", collection)
	params.Set("topic", topic)

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, f.BaseURL+"/api/realtime?"+params.Encode(), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	tok, ok := tokenFromContext(ctx)
	if !ok && f.Tokens != nil {
		tok = f.Tokens.Token()
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	// Abort the handshake if the caller gives up before the server answers.
	stopWatch := context.AfterFunc(ctx, cancel)
	resp, err := client.Do(req)
	stopWatch()
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		return nil, decodeError(resp)
	}

	buffer := max(f.Buffer, 0)
	s := &sseSubscription{
		collection: collection,
		logger:     f.Logger.With("collection", collection),
		events:     make(chan contracts.RawNotification, buffer),
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	go s.read(resp)
	return s, nil
}

type sseSubscription struct {
	collection string
	logger     *slog.Logger
	events     chan contracts.RawNotification
	done       chan struct{}
	once       sync.Once
	cancel     context.CancelFunc
}

func (s *sseSubscription) Events() <-chan contracts.RawNotification {
	return s.events
}

func (s *sseSubscription) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
	return nil
}

// read is the only sender on events and closes it when the stream ends.
func (s *sseSubscription) read(resp *http.Response) {
	defer close(s.events)
	defer resp.Body.Close()
	defer s.cancel()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !s.dispatch(event, data.String()) {
				return
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment, used as keep-alive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	select {
	case <-s.done:
	default:
		if err := scanner.Err(); err != nil {
			s.logger.Warn("realtime stream ended", "error", err)
		}
	}
}

// dispatch delivers one complete event and reports whether to keep reading.
func (s *sseSubscription) dispatch(event, data string) bool {
	if event != s.collection || data == "" {
		return true
	}
	var n contracts.RawNotification
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		s.logger.Warn("discarding undecodable change notification", "error", err)
		return true
	}
	select {
	case s.events <- n:
		return true
	case <-s.done:
		return false
	}
}
