package natsutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func applyOptions(t *testing.T, cfg Config) nats.Options {
	t.Helper()
	opts := nats.GetDefaultOptions()
	for _, opt := range cfg.Options() {
		if err := opt(&opts); err != nil {
			t.Fatalf("apply option: %v", err)
		}
	}
	return opts
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("NATS_URL", "nats://feed:4222")
	t.Setenv("NATS_CONNECT_TIMEOUT", "3s")
	t.Setenv("NATS_RECONNECT_WAIT", "250ms")
	t.Setenv("NATS_MAX_RECONNECTS", "7")

	cfg := ConfigFromEnv("store-dev", nil)
	if cfg.URL != "nats://feed:4222" || cfg.ConnectTimeout != 3*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	opts := applyOptions(t, cfg)
	if opts.Name != "store-dev" {
		t.Fatalf("unexpected connection name %q", opts.Name)
	}
	if opts.ReconnectWait != 250*time.Millisecond || opts.MaxReconnect != 7 {
		t.Fatalf("unexpected reconnect options: wait=%s max=%d", opts.ReconnectWait, opts.MaxReconnect)
	}
	if opts.DisconnectedErrCB == nil || opts.ReconnectedCB == nil {
		t.Fatal("connection state handlers not installed")
	}
}

func TestConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("NATS_MAX_RECONNECTS", "")
	t.Setenv("NATS_RECONNECT_WAIT", "not-a-duration")

	opts := applyOptions(t, ConfigFromEnv("", nil))
	if opts.MaxReconnect != -1 {
		t.Fatalf("expected unlimited reconnects, got %d", opts.MaxReconnect)
	}
	if opts.ReconnectWait != 2*time.Second {
		t.Fatalf("unexpected reconnect wait %s", opts.ReconnectWait)
	}
}

func TestConnect_GivesUpWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Connect(ctx, Config{URL: "nats://127.0.0.1:1", ConnectTimeout: time.Second, MaxReconnects: 0})
	if err == nil {
		t.Fatal("expected an error for an unreachable server")
	}
	if !strings.Contains(err.Error(), "after 1 attempts") {
		t.Fatalf("unexpected error: %v", err)
	}
}
