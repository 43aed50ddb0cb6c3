package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/todo-1m/replicasync/internal/app/workspace"
	"github.com/todo-1m/replicasync/internal/gateway"
	"github.com/todo-1m/replicasync/internal/platform/env"
	"github.com/todo-1m/replicasync/internal/platform/natsutil"
	"github.com/todo-1m/replicasync/internal/remote"
	"github.com/todo-1m/replicasync/internal/session"
)

var (
	storeURL string
	natsURL  string
	feedKind string
	token    string
	userID   string
	email    string
	password string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:           "workspace",
	Short:         "Synchronized todos, tags, events and notes",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeURL, "store-url", env.String("STORE_URL", env.DefaultStoreURL), "base URL of the store API")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats-url", env.String("NATS_URL", env.DefaultNATSURL), "NATS server carrying change notifications")
	rootCmd.PersistentFlags().StringVar(&feedKind, "feed", env.String("WORKSPACE_FEED", "nats"), "change feed transport: nats or sse")
	rootCmd.PersistentFlags().StringVar(&token, "token", env.String("WORKSPACE_TOKEN", ""), "auth token for the store")
	rootCmd.PersistentFlags().StringVar(&userID, "user", env.String("WORKSPACE_USER", ""), "request a dev token for this user id when no --token is given")
	rootCmd.PersistentFlags().StringVar(&email, "email", env.String("WORKSPACE_EMAIL", ""), "sign in with this email or username")
	rootCmd.PersistentFlags().StringVar(&password, "password", env.String("WORKSPACE_PASSWORD", ""), "password for --email")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// client is one signed-in workspace plus whatever it holds open.
type client struct {
	ws      *workspace.Workspace
	session *session.Session
	feed    *natsutil.Feed
	nats    *natsutil.Client
}

// openClient signs in and builds a workspace. withFeed opens the change feed
// selected by --feed so the workspace can run its reconcilers.
func openClient(ctx context.Context, withFeed bool) (*client, error) {
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	tok, err := resolveToken(ctx)
	if err != nil {
		return nil, err
	}
	sess := session.New()
	if err := sess.SignIn(tok); err != nil {
		return nil, fmt.Errorf("sign in: %w (pass --token, --email or --user)", err)
	}

	c := &client{session: sess}
	var feed remote.Feed
	if withFeed {
		switch feedKind {
		case "nats":
			cfg := natsutil.ConfigFromEnv("workspace", logger)
			cfg.URL = natsURL
			nc, err := natsutil.Connect(ctx, cfg)
			if err != nil {
				return nil, err
			}
			c.nats = nc
			c.feed = natsutil.NewFeed(nc.JS, logger)
			feed = c.feed
		case "sse":
			feed = remote.NewSSEFeed(storeURL, sess, logger)
		default:
			return nil, fmt.Errorf("unknown feed %q (want nats or sse)", feedKind)
		}
	}

	transport := remote.NewHTTPTransport(storeURL, sess, feed)
	c.ws = workspace.New(transport, sess, logger, workspace.Options{
		AutoSaveDelay:    env.Duration("AUTOSAVE_DEBOUNCE", env.DefaultAutoSaveDebounce),
		ResubscribeDelay: env.Duration("RESUBSCRIBE_DELAY", env.DefaultResubscribeDelay),
	})
	return c, nil
}

func (c *client) Close() {
	c.ws.Close()
	if c.feed != nil {
		c.feed.Close()
	}
	c.nats.Close()
}

// resolveToken prefers an explicit token, then a password sign-in, then a
// dev token.
func resolveToken(ctx context.Context) (string, error) {
	switch {
	case token != "":
		return token, nil
	case email != "":
		res, err := remote.NewHTTPTransport(storeURL, nil, nil).AuthWithPassword(ctx, email, password)
		if err != nil {
			return "", fmt.Errorf("sign in as %s: %w", email, err)
		}
		return res.Token, nil
	case userID != "":
		return requestDevToken(ctx, storeURL, userID)
	}
	return "", nil
}

type devTokenResponse struct {
	Token string `json:"token"`
}

func requestDevToken(ctx context.Context, baseURL, user string) (string, error) {
	body, err := json.Marshal(map[string]string{"userId": user})
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/dev/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request dev token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("request dev token: status %d", resp.StatusCode)
	}
	var out devTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode dev token: %w", err)
	}
	return out.Token, nil
}

// unwrap turns a gateway result into the usual value/error pair.
func unwrap[T any](r gateway.Result[T]) (T, error) {
	if v, ok := r.Value(); ok {
		return v, nil
	}
	var zero T
	return zero, errors.New(r.Message())
}
