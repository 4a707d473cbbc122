// Command verify checks venue connectivity and credentials without starting
// the trading loop: it connects to one venue, resolves the configured
// contract and prints account state, then disconnects.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"perp-grid-bot/internal/config"
	"perp-grid-bot/internal/exchange"
	"perp-grid-bot/internal/exchange/venues"
	"perp-grid-bot/internal/logging"

	"go.uber.org/zap"
)

const (
	verifyTimeout     = 30 * time.Second
	disconnectTimeout = 5 * time.Second
	verifyEnvFile     = ".env"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	venue := flag.String("venue", "", "venue to verify (defaults to exchange.name)")
	ticker := flag.String("ticker", "", "ticker to resolve (defaults to trading.ticker)")
	dryRun := flag.Bool("dry-run", false, "print the derived venue settings and exit without connecting")
	flag.Parse()

	if err := config.LoadEnv(verifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}

	name := strings.TrimSpace(*venue)
	if name == "" {
		name = cfg.Exchange.Name
	}
	symbol := strings.TrimSpace(*ticker)
	if symbol == "" {
		symbol = cfg.Trading.Ticker
	}
	if symbol == "" {
		fatal(errors.New("ticker is required (trading.ticker or -ticker)"))
	}

	if *dryRun {
		printDerived(cfg, name, symbol)
		return
	}

	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	client, err := venues.New(name, cfg, log)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		fatal(err)
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer dcancel()
		if err := client.Disconnect(dctx); err != nil {
			log.Warn("disconnect failed", zap.Error(err))
		}
	}()

	contractID, tickSize, err := client.ContractAttributes(ctx, symbol)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("venue: %s\n", client.Name())
	fmt.Printf("contract: %s tick_size=%s\n", contractID, tickSize)

	bid, ask, err := client.BBO(ctx, contractID)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("bbo: bid=%s ask=%s\n", bid, ask)

	networth, err := client.Networth(ctx)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("networth: %s\n", networth)

	position, err := client.Position(ctx)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("position: %s\n", position)

	if reporter, ok := client.(exchange.PnLReporter); ok {
		pnl, margin, err := reporter.UnrealizedPnLAndMargin(ctx)
		if err != nil {
			log.Warn("pnl query failed", zap.Error(err))
		} else {
			fmt.Printf("unrealized_pnl: %s margin_used: %s\n", pnl, margin)
		}
	}

	orders, err := client.ActiveOrders(ctx, contractID)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("active orders: %d\n", len(orders))
	for _, o := range orders {
		fmt.Printf("  %s %s %s size=%s filled=%s price=%s\n",
			o.OrderID, o.Side, o.Status, o.Size, o.FilledSize, o.Price)
	}
}

func printDerived(cfg *config.Config, name, symbol string) {
	fmt.Printf("venue: %s\n", name)
	fmt.Printf("ticker: %s\n", symbol)
	switch strings.ToLower(name) {
	case "hyperliquid":
		hc := cfg.Exchange.Hyperliquid
		fmt.Printf("rest_url: %s\n", hc.RESTURL)
		fmt.Printf("ws_url: %s\n", hc.WSURL)
		fmt.Printf("timeout: %s\n", hc.Timeout)
		fmt.Printf("wallet_address: %s\n", hc.WalletAddress)
		fmt.Printf("private_key_set: %t\n", hc.PrivateKey != "")
		fmt.Printf("vault_address: %s\n", hc.VaultAddress)
	case "grvt":
		gc := cfg.Exchange.Grvt
		fmt.Printf("rest_url: %s\n", gc.RESTURL)
		fmt.Printf("ws_url: %s\n", gc.WSURL)
		fmt.Printf("timeout: %s\n", gc.Timeout)
		fmt.Printf("api_key_set: %t\n", gc.APIKey != "")
		fmt.Printf("sub_account_id: %s\n", gc.SubAccountID)
	default:
		fmt.Printf("unknown venue %q\n", name)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
