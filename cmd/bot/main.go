package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"perp-grid-bot/internal/app"
	"perp-grid-bot/internal/config"
	"perp-grid-bot/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	exchangeName := flag.String("exchange", "", "exchange to trade on (hyperliquid, grvt)")
	ticker := flag.String("ticker", "", "ticker to trade")
	quantity := flag.Float64("quantity", 0, "per-order quantity")
	takeProfit := flag.Float64("take-profit", 0, "take profit in percent")
	direction := flag.String("direction", "", "grid direction (buy, sell)")
	maxOrders := flag.Int("max-orders", 0, "maximum resting close orders")
	waitTime := flag.Float64("wait-time", 0, "base placement interval in seconds")
	gridStep := flag.Float64("grid-step", 0, "minimum close spacing in percent")
	stopPrice := flag.Float64("stop-price", 0, "hard stop price band")
	pausePrice := flag.Float64("pause-price", 0, "soft pause price band")
	maxLoss := flag.Float64("max-loss", 0, "unrealized loss limit in percent of margin")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	// Flags override the file only when set explicitly on the command line.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "exchange":
			cfg.Exchange.Name = *exchangeName
		case "ticker":
			cfg.Trading.Ticker = *ticker
		case "quantity":
			cfg.Trading.Quantity = *quantity
		case "take-profit":
			cfg.Trading.TakeProfit = *takeProfit
		case "direction":
			cfg.Trading.Direction = *direction
		case "max-orders":
			cfg.Trading.MaxOrders = *maxOrders
		case "wait-time":
			cfg.Trading.WaitTime = *waitTime
		case "grid-step":
			cfg.Trading.GridStep = *gridStep
		case "stop-price":
			cfg.Trading.StopPrice = *stopPrice
		case "pause-price":
			cfg.Trading.PausePrice = *pausePrice
		case "max-loss":
			cfg.Trading.MaxLoss = *maxLoss
		}
	})
	if err := config.Validate(cfg); err != nil {
		panic(err)
	}

	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded",
		zap.String("path", *configPath),
		zap.String("exchange", cfg.Exchange.Name),
		zap.String("ticker", cfg.Trading.Ticker),
		zap.String("direction", cfg.Trading.Direction))

	application, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		os.Exit(1)
	}
	log.Info("app initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("app terminated", zap.Error(err))
		os.Exit(1)
	}
}
