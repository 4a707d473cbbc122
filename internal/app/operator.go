package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"perp-grid-bot/internal/alerts"
	"perp-grid-bot/internal/state"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
}

// operatorLoop long-polls Telegram for commands. It runs on its own
// goroutine and touches trading state only through opPaused and the
// shutdown cancel; everything it reports comes from the persisted snapshot.
func (a *App) operatorLoop(ctx context.Context, shutdown context.CancelFunc) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.telegram.ChatID()), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	poll := a.cfg.Operator.PollInterval
	if poll <= 0 {
		poll = 3 * time.Second
	}
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.telegram.GetUpdates(ctx, offset, poll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(poll):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, shutdown)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.TelegramUpdate, chatID int64, shutdown context.CancelFunc) {
	if upd.Message.Chat.ID != chatID {
		return
	}
	cmd, ok := parseOperatorCommand(upd.Message.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		ChatID:   upd.Message.Chat.ID,
		Raw:      upd.Message.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, meta, shutdown)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.telegram.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", false
	}
	return strings.ToLower(strings.TrimPrefix(fields[0], "/")), true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, meta operatorMeta, shutdown context.CancelFunc) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(ctx)
	case "pause":
		before := a.opPaused.Swap(true)
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:     meta.UpdateID,
			Time:         time.Now().UTC(),
			Action:       "pause",
			Command:      meta.Raw,
			ChatID:       meta.ChatID,
			PausedBefore: before,
			PausedAfter:  true,
		})
		if before {
			return "placement already paused", nil
		}
		a.log.Info("operator paused placements", zap.Int64("update_id", meta.UpdateID))
		return "placement paused", nil
	case "resume":
		before := a.opPaused.Swap(false)
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:     meta.UpdateID,
			Time:         time.Now().UTC(),
			Action:       "resume",
			Command:      meta.Raw,
			ChatID:       meta.ChatID,
			PausedBefore: before,
			PausedAfter:  false,
		})
		if !before {
			return "placement already active", nil
		}
		a.log.Info("operator resumed placements", zap.Int64("update_id", meta.UpdateID))
		return "placement resumed", nil
	case "stop":
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:     meta.UpdateID,
			Time:         time.Now().UTC(),
			Action:       "stop",
			Command:      meta.Raw,
			ChatID:       meta.ChatID,
			PausedBefore: a.opPaused.Load(),
			PausedAfter:  a.opPaused.Load(),
		})
		a.log.Info("operator requested shutdown", zap.Int64("update_id", meta.UpdateID))
		// Acknowledge before canceling; the cancel kills this ctx too.
		if err := a.telegram.Send(ctx, "shutting down"); err != nil {
			a.log.Warn("operator response failed", zap.Error(err))
		}
		shutdown()
		return "", nil
	case "help":
		return operatorHelpText(), nil
	default:
		return operatorHelpText(), nil
	}
}

// operatorStatus renders the last persisted snapshot. The orchestrator owns
// the live trading state, so the operator view is always one iteration old.
func (a *App) operatorStatus(ctx context.Context) (string, error) {
	snap, ok, err := state.LoadSessionSnapshot(ctx, a.store)
	if err != nil {
		return "", err
	}
	if !ok {
		return "no session snapshot yet", nil
	}
	return strings.Join([]string{
		fmt.Sprintf("exchange: %s", snap.Exchange),
		fmt.Sprintf("ticker: %s %s", snap.Ticker, snap.Direction),
		fmt.Sprintf("level: %s", snap.Level),
		fmt.Sprintf("networth: %.4f (peak %.4f)", snap.Networth, snap.PeakNetworth),
		fmt.Sprintf("drawdown_rate: %.4f", snap.DrawdownRate),
		fmt.Sprintf("position_size: %.6f", snap.PositionSize),
		fmt.Sprintf("active_close_orders: %d", snap.ActiveCloseOrders),
		fmt.Sprintf("paused: %t", snap.Paused),
		fmt.Sprintf("operator_paused: %t", a.opPaused.Load()),
		fmt.Sprintf("stop_loss_triggered: %t", snap.StopLossTriggered),
		fmt.Sprintf("updated: %s", time.UnixMilli(snap.UpdatedAtMS).UTC().Format(time.RFC3339)),
	}, "\n"), nil
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - last session snapshot",
		"/pause - hold new order placement",
		"/resume - resume order placement",
		"/stop - shut the bot down",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if err := a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		a.log.Warn("operator offset save failed", zap.Error(err))
	}
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	key := fmt.Sprintf("ops:audit:%d:%d", event.Time.UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := a.store.Set(ctx, key, string(payload)); err != nil {
		a.log.Warn("operator audit save failed", zap.Error(err))
	}
}
