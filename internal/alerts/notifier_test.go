package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"perp-grid-bot/internal/config"

	"go.uber.org/zap"
)

type stubNotifier struct {
	name  string
	calls int
	err   error
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Send(context.Context, string) error {
	s.calls++
	return s.err
}

func TestMultiFansOutToAllChannels(t *testing.T) {
	a := &stubNotifier{name: "a"}
	b := &stubNotifier{name: "b"}
	multi := NewMulti(zap.NewNop(), a, b)
	if err := multi.Send(context.Background(), "msg"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("expected one call per channel, got %d/%d", a.calls, b.calls)
	}
}

func TestMultiSwallowsChannelFailures(t *testing.T) {
	failing := &stubNotifier{name: "dead", err: errors.New("down")}
	ok := &stubNotifier{name: "ok"}
	multi := NewMulti(zap.NewNop(), failing, ok)
	if err := multi.Send(context.Background(), "msg"); err != nil {
		t.Fatalf("expected failures swallowed, got %v", err)
	}
	if ok.calls != 1 {
		t.Fatalf("expected healthy channel still called, got %d", ok.calls)
	}
}

func TestMultiSkipsNilChannelsAndEmptyMessages(t *testing.T) {
	a := &stubNotifier{name: "a"}
	multi := NewMulti(zap.NewNop(), nil, a)
	if multi.Channels() != 1 {
		t.Fatalf("expected 1 channel, got %d", multi.Channels())
	}
	if err := multi.Send(context.Background(), "   "); err != nil {
		t.Fatalf("expected nil error for empty message, got %v", err)
	}
	if a.calls != 0 {
		t.Fatalf("expected empty message not delivered, got %d calls", a.calls)
	}
}

func TestLarkSendPostsPayload(t *testing.T) {
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":0,"msg":"success"}`))
	}))
	defer server.Close()

	cfg := config.LarkConfig{Enabled: true, Webhook: server.URL}
	client := newLark(cfg, zap.NewNop(), server.Client())
	if err := client.Send(context.Background(), "alert"); err != nil {
		t.Fatalf("expected send success, got %v", err)
	}
	if gotPayload["msg_type"] != "text" {
		t.Fatalf("expected msg_type text, got %v", gotPayload["msg_type"])
	}
	content, ok := gotPayload["content"].(map[string]any)
	if !ok || content["text"] != "alert" {
		t.Fatalf("unexpected content payload: %v", gotPayload["content"])
	}
}

func TestLarkSendReportsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":19001,"msg":"param invalid"}`))
	}))
	defer server.Close()

	cfg := config.LarkConfig{Enabled: true, Webhook: server.URL}
	client := newLark(cfg, zap.NewNop(), server.Client())
	if err := client.Send(context.Background(), "alert"); err == nil {
		t.Fatalf("expected error for non-zero lark code")
	}
}

func TestLarkSendDisabled(t *testing.T) {
	client := newLark(config.LarkConfig{Enabled: false}, zap.NewNop(), nil)
	if err := client.Send(context.Background(), "alert"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
}
