package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"perp-grid-bot/internal/config"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const writeTimeout = 3 * time.Second

// NetworthSample is one drawdown-monitor observation.
type NetworthSample struct {
	Time         time.Time
	Networth     decimal.Decimal
	SessionPeak  decimal.Decimal
	DrawdownRate decimal.Decimal
	Level        string
}

// OrderEvent is one order lifecycle transition on either venue.
type OrderEvent struct {
	Time       time.Time
	Venue      string
	OrderID    string
	Side       string
	OrderType  string
	Status     string
	Size       decimal.Decimal
	Price      decimal.Decimal
	FilledSize decimal.Decimal
}

// Writer records samples and order events into TimescaleDB from a background
// goroutine. Enqueue never blocks the trading loop: full queues drop and
// count instead.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	samples   chan NetworthSample
	events    chan OrderEvent
	started   atomic.Bool
	dropSamp  atomic.Uint64
	dropEvent atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		samples: make(chan NetworthSample, queueSize),
		events:  make(chan OrderEvent, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueNetworth(sample NetworthSample) {
	if w == nil {
		return
	}
	select {
	case w.samples <- sample:
		return
	default:
		if w.dropSamp.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale networth queue full")
		}
	}
}

func (w *Writer) EnqueueOrderEvent(event OrderEvent) {
	if w == nil {
		return
	}
	select {
	case w.events <- event:
		return
	default:
		if w.dropEvent.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale order event queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-w.samples:
			w.writeNetworth(ctx, sample)
		case event := <-w.events:
			w.writeOrderEvent(ctx, event)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		networth DOUBLE PRECISION NOT NULL,
		session_peak DOUBLE PRECISION NOT NULL,
		drawdown_rate DOUBLE PRECISION NOT NULL,
		level TEXT NOT NULL
	)`, w.table("networth_samples"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		venue TEXT NOT NULL,
		order_id TEXT NOT NULL,
		side TEXT NOT NULL,
		order_type TEXT NOT NULL,
		status TEXT NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		filled_size DOUBLE PRECISION NOT NULL
	)`, w.table("order_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("networth_samples"))); err != nil && w.log != nil {
		w.log.Warn("timescale networth_samples hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("order_events"))); err != nil && w.log != nil {
		w.log.Warn("timescale order_events hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeNetworth(ctx context.Context, sample NetworthSample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, networth, session_peak, drawdown_rate, level
	) VALUES ($1,$2,$3,$4,$5)`, w.table("networth_samples"))
	if _, err := w.db.ExecContext(ctx, query,
		sample.Time,
		f64(sample.Networth),
		f64(sample.SessionPeak),
		f64(sample.DrawdownRate),
		sample.Level,
	); err != nil && w.log != nil {
		w.log.Warn("timescale networth insert failed", zap.Error(err))
	}
}

func (w *Writer) writeOrderEvent(ctx context.Context, event OrderEvent) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, venue, order_id, side, order_type, status, size, price, filled_size
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, w.table("order_events"))
	if _, err := w.db.ExecContext(ctx, query,
		event.Time,
		event.Venue,
		event.OrderID,
		event.Side,
		event.OrderType,
		event.Status,
		f64(event.Size),
		f64(event.Price),
		f64(event.FilledSize),
	); err != nil && w.log != nil {
		w.log.Warn("timescale order event insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}

func f64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
