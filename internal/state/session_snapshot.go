package state

import (
	"context"
	"encoding/json"
	"strings"
)

const SessionSnapshotKey = "session:last_snapshot"

// SessionSnapshot is the last observed trading state, written every loop
// iteration. It is observability data for the operator surface and
// postmortems, never an input to trading decisions.
type SessionSnapshot struct {
	Ticker            string  `json:"ticker"`
	Exchange          string  `json:"exchange"`
	Direction         string  `json:"direction"`
	Networth          float64 `json:"networth"`
	PeakNetworth      float64 `json:"peak_networth"`
	DrawdownRate      float64 `json:"drawdown_rate"`
	Level             string  `json:"level"`
	Paused            bool    `json:"paused"`
	StopLossTriggered bool    `json:"stop_loss_triggered"`
	PositionSize      float64 `json:"position_size"`
	ActiveCloseOrders int     `json:"active_close_orders"`
	UpdatedAtMS       int64   `json:"updated_at_ms"`
}

func LoadSessionSnapshot(ctx context.Context, store Store) (SessionSnapshot, bool, error) {
	if store == nil {
		return SessionSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, SessionSnapshotKey)
	if err != nil {
		return SessionSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return SessionSnapshot{}, false, nil
	}
	var snapshot SessionSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return SessionSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveSessionSnapshot(ctx context.Context, store Store, snapshot SessionSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, SessionSnapshotKey, string(payload))
}
