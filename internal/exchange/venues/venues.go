// Package venues constructs exchange clients from config by venue name.
// It lives outside package exchange so the adapters can import the shared
// contract without a cycle.
package venues

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"perp-grid-bot/internal/config"
	"perp-grid-bot/internal/exchange"
	"perp-grid-bot/internal/exchange/grvt"
	"perp-grid-bot/internal/exchange/hyperliquid"
)

// New builds the adapter for the named venue from its config section. The
// returned client is not yet connected.
func New(name string, cfg *config.Config, log *zap.Logger) (exchange.Client, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "hyperliquid":
		hc := cfg.Exchange.Hyperliquid
		return hyperliquid.New(hyperliquid.Config{
			RESTURL:        hc.RESTURL,
			WSURL:          hc.WSURL,
			Timeout:        hc.Timeout,
			ReconnectDelay: hc.ReconnectDelay,
			WalletAddress:  hc.WalletAddress,
			PrivateKey:     hc.PrivateKey,
			VaultAddress:   hc.VaultAddress,
		}, log)
	case "grvt":
		gc := cfg.Exchange.Grvt
		return grvt.New(grvt.Config{
			RESTURL:        gc.RESTURL,
			WSURL:          gc.WSURL,
			Timeout:        gc.Timeout,
			ReconnectDelay: gc.ReconnectDelay,
			APIKey:         gc.APIKey,
			SubAccountID:   gc.SubAccountID,
		}, log)
	default:
		return nil, fmt.Errorf("unknown exchange %q (supported: hyperliquid, grvt)", name)
	}
}
