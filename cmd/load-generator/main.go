package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/todo-1m/replicasync/internal/app/workspace"
	"github.com/todo-1m/replicasync/internal/contracts"
	"github.com/todo-1m/replicasync/internal/gateway"
	"github.com/todo-1m/replicasync/internal/platform/env"
	"github.com/todo-1m/replicasync/internal/platform/metrics"
	"github.com/todo-1m/replicasync/internal/platform/natsutil"
	"github.com/todo-1m/replicasync/internal/remote"
	"github.com/todo-1m/replicasync/internal/session"
)

type config struct {
	StoreURL                string
	NATSURL                 string
	EnableFeed              bool
	Users                   int
	SetupConcurrency        int
	Duration                time.Duration
	RampUp                  time.Duration
	ActionsPerUserPerSecond float64
	SettleTime              time.Duration
	MetricsAddr             string
}

type simulatedUser struct {
	Index     int
	ID        string
	ws        *workspace.Workspace
	transport remote.Transport
}

type runner struct {
	cfg    config
	runID  string
	feed   remote.Feed
	logger *slog.Logger

	actionsOK  atomic.Int64
	actionsErr atomic.Int64
	activeVUs  atomic.Int64
}

var (
	actionsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "replica_sync_loadgen_actions_total",
		Help: "Workspace actions executed by the load generator.",
	}, []string{"action", "outcome"})

	virtualUsersGauge = metrics.NewGauge(metrics.Opts{
		Name: "replica_sync_loadgen_virtual_users",
		Help: "Current number of active virtual users sending actions.",
	})

	divergedTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "replica_sync_loadgen_diverged_replicas_total",
		Help: "Replicas that differed from a fresh fetch at the end of a run.",
	}, []string{"collection"})
)

func init() {
	metrics.Default.MustRegister(actionsTotal, virtualUsersGauge, divergedTotal)
}

func main() {
	cfg := loadConfig()
	if cfg.Users <= 0 {
		log.Fatal("LOADGEN_USERS must be > 0")
	}
	if cfg.SetupConcurrency <= 0 {
		log.Fatal("LOADGEN_SETUP_CONCURRENCY must be > 0")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	go runMetricsServer(cfg.MetricsAddr)

	r := &runner{
		cfg:    cfg,
		runID:  strconv.FormatInt(time.Now().UTC().UnixNano(), 36),
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
	if cfg.EnableFeed {
		natsCfg := natsutil.ConfigFromEnv("load-generator", r.logger)
		natsCfg.URL = cfg.NATSURL
		client, err := natsutil.Connect(baseCtx, natsCfg)
		if err != nil {
			log.Fatal(err)
		}
		defer client.Close()
		feed := natsutil.NewFeed(client.JS, r.logger)
		defer feed.Close()
		r.feed = feed
	}

	users, err := r.setupUsers(baseCtx)
	if err != nil {
		log.Fatalf("setup users: %v", err)
	}
	defer func() {
		for _, u := range users {
			u.ws.Close()
		}
	}()
	log.Printf("load generator initialized: run=%s users=%d duration=%s feed=%v rate_per_user=%.2f",
		r.runID, len(users), cfg.Duration, cfg.EnableFeed, cfg.ActionsPerUserPerSecond)

	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runUser(ctx, user)
		}()
	}
	<-ctx.Done()
	wg.Wait()

	log.Printf("load test complete: ok_actions=%d error_actions=%d", r.actionsOK.Load(), r.actionsErr.Load())
	if cfg.EnableFeed && baseCtx.Err() == nil {
		r.checkConvergence(baseCtx, users)
	}
}

func loadConfig() config {
	return config{
		StoreURL:                strings.TrimRight(env.String("STORE_URL", env.DefaultStoreURL), "/"),
		NATSURL:                 env.String("NATS_URL", env.DefaultNATSURL),
		EnableFeed:              env.Bool("LOADGEN_ENABLE_FEED", true),
		Users:                   env.Int("LOADGEN_USERS", 50),
		SetupConcurrency:        env.Int("LOADGEN_SETUP_CONCURRENCY", 10),
		Duration:                env.Duration("LOADGEN_DURATION", time.Minute),
		RampUp:                  env.Duration("LOADGEN_RAMP_UP", 10*time.Second),
		ActionsPerUserPerSecond: floatEnv("LOADGEN_ACTIONS_PER_USER_PER_SECOND", 0.5),
		SettleTime:              env.Duration("LOADGEN_SETTLE_TIME", 2*time.Second),
		MetricsAddr:             env.String("LOADGEN_METRICS_ADDR", ":9099"),
	}
}

// setupUsers signs in every virtual user and loads its workspace, a bounded
// number at a time.
func (r *runner) setupUsers(ctx context.Context) ([]*simulatedUser, error) {
	users := make([]*simulatedUser, r.cfg.Users)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.SetupConcurrency)
	for i := range users {
		g.Go(func() error {
			u, err := r.setupSingleUser(gctx, i)
			if err != nil {
				return fmt.Errorf("user %d: %w", i, err)
			}
			users[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, u := range users {
			if u != nil {
				u.ws.Close()
			}
		}
		return nil, err
	}
	return users, nil
}

func (r *runner) setupSingleUser(ctx context.Context, idx int) (*simulatedUser, error) {
	id := fmt.Sprintf("lg-%s-%d", r.runID, idx)
	token, err := r.devToken(ctx, id)
	if err != nil {
		return nil, err
	}
	sess := session.New()
	if err := sess.SignIn(token); err != nil {
		return nil, err
	}
	transport := remote.NewHTTPTransport(r.cfg.StoreURL, sess, r.feed)
	ws := workspace.New(transport, sess, r.logger, workspace.Options{AutoSaveDelay: 200 * time.Millisecond})
	if r.cfg.EnableFeed {
		if err := ws.Init(ctx); err != nil {
			ws.Close()
			return nil, err
		}
	}
	return &simulatedUser{Index: idx, ID: id, ws: ws, transport: transport}, nil
}

func (r *runner) devToken(ctx context.Context, userID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"userId": userID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.StoreURL+"/api/dev/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("dev token: status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (r *runner) runUser(ctx context.Context, user *simulatedUser) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration(float64(r.cfg.RampUp) / float64(max(r.cfg.Users, 1)) * float64(user.Index))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	virtualUsersGauge.Inc()
	r.activeVUs.Add(1)
	defer virtualUsersGauge.Dec()
	defer r.activeVUs.Add(-1)

	interval := time.Second
	if r.cfg.ActionsPerUserPerSecond > 0 {
		interval = max(time.Duration(float64(time.Second)/r.cfg.ActionsPerUserPerSecond), 25*time.Millisecond)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(user.Index*7)))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAction(ctx, user, rng)
		}
	}
}

func (r *runner) runAction(ctx context.Context, user *simulatedUser, rng *rand.Rand) {
	ws := user.ws
	todos := ws.Todos.Items()
	notes := ws.Notes.Items()

	switch p := rng.Intn(100); {
	case p < 35 || len(todos) == 0:
		record(r, "create_todo", ws.Todos.Gateway.Create(ctx, contracts.CreateTodo{
			Title: fmt.Sprintf("todo %d", rng.Intn(1_000_000)),
		}))
	case p < 60:
		record(r, "toggle_todo", ws.ToggleCompleted(ctx, todos[rng.Intn(len(todos))].ID))
	case p < 70:
		record(r, "delete_todo", ws.Todos.Gateway.Delete(ctx, todos[rng.Intn(len(todos))].ID))
	case p < 80 || len(notes) == 0:
		record(r, "create_note", ws.Notes.Gateway.Create(ctx, contracts.CreateNote{
			Title: fmt.Sprintf("note %d", rng.Intn(1_000_000)),
		}))
	case p < 95:
		note := notes[rng.Intn(len(notes))]
		ws.AutoSave(note.ID, contracts.NotePatch{Content: contracts.Ptr(strconv.Itoa(rng.Int()))}, 0, func(contracts.Note) {
			actionsTotal.WithLabelValues("autosave_note", "ok").Inc()
			r.actionsOK.Add(1)
		})
	default:
		record(r, "pin_note", ws.TogglePin(ctx, notes[rng.Intn(len(notes))].ID))
	}
}

func record[T any](r *runner, action string, res gateway.Result[T]) {
	if res.IsOk() {
		actionsTotal.WithLabelValues(action, "ok").Inc()
		r.actionsOK.Add(1)
		return
	}
	actionsTotal.WithLabelValues(action, "error").Inc()
	r.actionsErr.Add(1)
}

// checkConvergence waits for in-flight notifications and compares every
// todo and note replica with what the store returns now.
func (r *runner) checkConvergence(ctx context.Context, users []*simulatedUser) {
	time.Sleep(r.cfg.SettleTime)
	diverged := 0
	for _, u := range users {
		owner, _ := u.ws.Session.PrincipalID()
		todos, err := remote.NewCollection[contracts.Todo](u.transport, contracts.CollectionTodos).
			List(ctx, remote.ListQuery{Sort: "-created", Filter: remote.Eq("userId", owner)})
		if err != nil {
			log.Printf("convergence check for %s failed: %v", u.ID, err)
			continue
		}
		if !sameRecords(u.ws.Todos.Items(), todos, func(t contracts.Todo) time.Time { return t.Updated.Time }) {
			divergedTotal.WithLabelValues(contracts.CollectionTodos).Inc()
			diverged++
		}
		notes, err := remote.NewCollection[contracts.Note](u.transport, contracts.CollectionNotes).
			List(ctx, remote.ListQuery{Sort: "-isPinned,-updated", Filter: remote.Eq("userId", owner)})
		if err != nil {
			log.Printf("convergence check for %s failed: %v", u.ID, err)
			continue
		}
		if !sameRecords(u.ws.Notes.Items(), notes, func(n contracts.Note) time.Time { return n.Updated.Time }) {
			divergedTotal.WithLabelValues(contracts.CollectionNotes).Inc()
			diverged++
		}
	}
	log.Printf("convergence: %d users checked, %d diverged replicas", len(users), diverged)
}

// sameRecords compares ids and update times. Order is ignored: records
// created in the same millisecond may sort either way.
func sameRecords[T contracts.Record](a, b []T, updated func(T) time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]time.Time, len(a))
	for _, rec := range a {
		seen[rec.RecordID()] = updated(rec)
	}
	for _, rec := range b {
		at, ok := seen[rec.RecordID()]
		if !ok || !at.Equal(updated(rec)) {
			return false
		}
	}
	return true
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("progress: ok_actions=%d error_actions=%d active_vus=%d",
				r.actionsOK.Load(), r.actionsErr.Load(), r.activeVUs.Load())
		}
	}
}

func runMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("load generator metrics endpoint listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("load generator metrics server failed: %v", err)
	}
}

func floatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
