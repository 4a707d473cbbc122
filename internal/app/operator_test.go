package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"perp-grid-bot/internal/alerts"
	"perp-grid-bot/internal/config"
	"perp-grid-bot/internal/metrics"
	"perp-grid-bot/internal/state"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) keysWithPrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n
}

func newOperatorApp(t *testing.T) (*App, *memoryStore) {
	t.Helper()
	store := newMemoryStore()
	cfg := &config.Config{}
	cfg.Trading.Ticker = "BTC"
	app := &App{
		cfg:      cfg,
		log:      zap.NewNop(),
		met:      metrics.NewNoop(),
		store:    store,
		telegram: alerts.NewTelegram(config.TelegramConfig{}, zap.NewNop()),
	}
	return app, store
}

func TestParseOperatorCommand(t *testing.T) {
	cases := []struct {
		text string
		cmd  string
		ok   bool
	}{
		{"/status", "status", true},
		{"/PAUSE now", "pause", true},
		{"  /Resume  ", "resume", true},
		{"/stop", "stop", true},
		{"hello", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		cmd, ok := parseOperatorCommand(tc.text)
		if ok != tc.ok || cmd != tc.cmd {
			t.Fatalf("parse %q: expected (%q, %t), got (%q, %t)", tc.text, tc.cmd, tc.ok, cmd, ok)
		}
	}
}

func TestOperatorPauseResumeAudit(t *testing.T) {
	app, store := newOperatorApp(t)
	meta := operatorMeta{UpdateID: 7, ChatID: 2, Raw: "/pause"}

	resp, err := app.handleOperatorCommand(context.Background(), "pause", meta, func() {})
	if err != nil {
		t.Fatalf("pause error: %v", err)
	}
	if resp != "placement paused" {
		t.Fatalf("unexpected pause response: %s", resp)
	}
	if !app.opPaused.Load() {
		t.Fatalf("expected paused")
	}

	resp, err = app.handleOperatorCommand(context.Background(), "pause", meta, func() {})
	if err != nil {
		t.Fatalf("second pause error: %v", err)
	}
	if resp != "placement already paused" {
		t.Fatalf("unexpected second pause response: %s", resp)
	}

	meta.Raw = "/resume"
	resp, err = app.handleOperatorCommand(context.Background(), "resume", meta, func() {})
	if err != nil {
		t.Fatalf("resume error: %v", err)
	}
	if resp != "placement resumed" {
		t.Fatalf("unexpected resume response: %s", resp)
	}
	if app.opPaused.Load() {
		t.Fatalf("expected resumed")
	}

	resp, err = app.handleOperatorCommand(context.Background(), "resume", meta, func() {})
	if err != nil {
		t.Fatalf("second resume error: %v", err)
	}
	if resp != "placement already active" {
		t.Fatalf("unexpected second resume response: %s", resp)
	}

	if got := store.keysWithPrefix("ops:audit:"); got != 4 {
		t.Fatalf("expected 4 audit entries, got %d", got)
	}
}

func TestOperatorStatusReadsSnapshot(t *testing.T) {
	app, store := newOperatorApp(t)

	resp, err := app.handleOperatorCommand(context.Background(), "status", operatorMeta{}, func() {})
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if resp != "no session snapshot yet" {
		t.Fatalf("unexpected empty status: %s", resp)
	}

	snapshot := state.SessionSnapshot{
		Ticker:            "BTC",
		Exchange:          "fakevenue",
		Direction:         "buy",
		Networth:          9800,
		PeakNetworth:      10000,
		DrawdownRate:      0.02,
		Level:             "NORMAL",
		PositionSize:      0.03,
		ActiveCloseOrders: 3,
		UpdatedAtMS:       time.Now().UnixMilli(),
	}
	if err := state.SaveSessionSnapshot(context.Background(), store, snapshot); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	resp, err = app.handleOperatorCommand(context.Background(), "status", operatorMeta{}, func() {})
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	for _, want := range []string{"exchange: fakevenue", "level: NORMAL", "active_close_orders: 3", "paused: false"} {
		if !strings.Contains(resp, want) {
			t.Fatalf("status missing %q:\n%s", want, resp)
		}
	}
}

func TestOperatorStopCancelsRun(t *testing.T) {
	app, _ := newOperatorApp(t)
	stopped := false
	resp, err := app.handleOperatorCommand(context.Background(), "stop", operatorMeta{UpdateID: 3, Raw: "/stop"}, func() {
		stopped = true
	})
	if err != nil {
		t.Fatalf("stop error: %v", err)
	}
	if resp != "" {
		t.Fatalf("expected empty response after stop ack, got %s", resp)
	}
	if !stopped {
		t.Fatalf("expected shutdown invoked")
	}
}

func TestOperatorUnknownCommandShowsHelp(t *testing.T) {
	app, _ := newOperatorApp(t)
	resp, err := app.handleOperatorCommand(context.Background(), "frobnicate", operatorMeta{}, func() {})
	if err != nil {
		t.Fatalf("unknown command error: %v", err)
	}
	if !strings.Contains(resp, "/status") || !strings.Contains(resp, "/stop") {
		t.Fatalf("expected help text, got %s", resp)
	}
}

func TestHandleOperatorUpdateIgnoresForeignChat(t *testing.T) {
	app, store := newOperatorApp(t)

	var upd alerts.TelegramUpdate
	upd.UpdateID = 11
	upd.Message.Text = "/pause"
	upd.Message.Chat.ID = 999

	app.handleOperatorUpdate(context.Background(), upd, 1, func() {})
	if app.opPaused.Load() {
		t.Fatalf("expected foreign chat command ignored")
	}
	if got := store.keysWithPrefix("ops:audit:"); got != 0 {
		t.Fatalf("expected no audit entries, got %d", got)
	}
}

func TestHandleOperatorUpdateDispatchesCommand(t *testing.T) {
	app, _ := newOperatorApp(t)

	var upd alerts.TelegramUpdate
	upd.UpdateID = 12
	upd.Message.Text = "/pause"
	upd.Message.Chat.ID = 1

	app.handleOperatorUpdate(context.Background(), upd, 1, func() {})
	if !app.opPaused.Load() {
		t.Fatalf("expected pause applied from operator chat")
	}
}

func TestOperatorOffsetRoundTrip(t *testing.T) {
	app, store := newOperatorApp(t)
	ctx := context.Background()

	if got := app.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("expected 0 offset on empty store, got %d", got)
	}
	app.saveOperatorOffset(ctx, 42)
	if got := app.loadOperatorOffset(ctx); got != 42 {
		t.Fatalf("expected offset 42, got %d", got)
	}

	if err := store.Set(ctx, operatorOffsetKey, "not-a-number"); err != nil {
		t.Fatalf("seed corrupt offset: %v", err)
	}
	if got := app.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("expected corrupt offset treated as 0, got %d", got)
	}
}
