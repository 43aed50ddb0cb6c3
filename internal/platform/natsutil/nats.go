package natsutil

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/todo-1m/replicasync/internal/messaging"
	"github.com/todo-1m/replicasync/internal/platform/env"
)

const retryInterval = 500 * time.Millisecond

// Config describes how a process connects to the NATS server carrying
// change notifications.
type Config struct {
	URL string
	// Name identifies the connection in server monitoring, e.g. "store-dev".
	Name string
	// ConnectTimeout bounds the initial connect including retries.
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	// MaxReconnects is the reconnect budget after a drop; negative retries
	// forever.
	MaxReconnects int
	Logger        *slog.Logger
}

// ConfigFromEnv reads NATS_URL, NATS_CONNECT_TIMEOUT, NATS_RECONNECT_WAIT
// and NATS_MAX_RECONNECTS.
func ConfigFromEnv(name string, logger *slog.Logger) Config {
	return Config{
		URL:            env.String("NATS_URL", env.DefaultNATSURL),
		Name:           name,
		ConnectTimeout: env.Duration("NATS_CONNECT_TIMEOUT", env.DefaultNATSConnectTimeout),
		ReconnectWait:  env.Duration("NATS_RECONNECT_WAIT", env.DefaultNATSReconnectWait),
		MaxReconnects:  env.Int("NATS_MAX_RECONNECTS", env.DefaultNATSMaxReconnects),
		Logger:         logger,
	}
}

// Options turns the config into connection options. Connection state
// changes are logged so a dropped feed is visible next to the reconciler's
// resubscribe warnings.
func (c Config) Options() []nats.Option {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats", "connection", c.Name)

	opts := []nats.Option{
		nats.MaxReconnects(c.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("nats connection closed")
		}),
	}
	if c.Name != "" {
		opts = append(opts, nats.Name(c.Name))
	}
	if c.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(c.ReconnectWait))
	}
	return opts
}

type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

// ConnectJetStream dials once and makes sure the change stream exists.
func ConnectJetStream(cfg Config, extra ...nats.Option) (*Client, error) {
	conn, err := nats.Connect(cfg.URL, append(cfg.Options(), extra...)...)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err == nil {
		err = messaging.EnsureStreams(js)
	}
	if err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

// Connect retries ConnectJetStream until it succeeds, cfg.ConnectTimeout
// passes or ctx ends.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = env.DefaultNATSConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for attempt := 1; ; attempt++ {
		client, err := ConnectJetStream(cfg)
		if err == nil {
			return client, nil
		}
		if cfg.Logger != nil {
			cfg.Logger.Debug("nats connect failed", "url", cfg.URL, "attempt", attempt, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect jetstream %s after %d attempts: %w", cfg.URL, attempt, err)
		case <-ticker.C:
		}
	}
}

// Publish sends payload to the change stream and waits for the ack.
func (c *Client) Publish(subject string, payload []byte) error {
	_, err := c.JS.Publish(subject, payload)
	return err
}

func (c *Client) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}
