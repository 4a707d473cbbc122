package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"perp-grid-bot/internal/config"

	"go.uber.org/zap"
)

// Lark posts to a Lark/Feishu group bot webhook.
type Lark struct {
	enabled bool
	webhook string
	client  *http.Client
	log     *zap.Logger
}

func NewLark(cfg config.LarkConfig, log *zap.Logger) *Lark {
	return newLark(cfg, log, &http.Client{Timeout: 10 * time.Second})
}

func newLark(cfg config.LarkConfig, log *zap.Logger, client *http.Client) *Lark {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Lark{
		enabled: cfg.Enabled,
		webhook: strings.TrimSpace(cfg.Webhook),
		client:  client,
		log:     log,
	}
}

func (l *Lark) Name() string { return "lark" }

func (l *Lark) Send(ctx context.Context, message string) error {
	if !l.enabled {
		return nil
	}
	if l.webhook == "" {
		return errors.New("lark webhook is required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("lark message is empty")
	}
	payload := map[string]any{
		"msg_type": "text",
		"content":  map[string]string{"text": message},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("lark send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && result.Code != 0 {
		msg := strings.TrimSpace(result.Msg)
		if msg == "" {
			msg = "unknown lark error"
		}
		return fmt.Errorf("lark send failed: %s", msg)
	}
	return nil
}
