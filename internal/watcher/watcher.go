// Package watcher implements the master side of the copier: it polls the
// master account and publishes the full state into the shared snapshot
// region every cycle, while journaling open/close/modify events for the
// dashboard.
package watcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jdtradelabs/mt5-copier/internal/broker"
	"github.com/jdtradelabs/mt5-copier/internal/config"
	"github.com/jdtradelabs/mt5-copier/internal/journal"
	"github.com/jdtradelabs/mt5-copier/internal/shm"
)

// Options tune one watcher instance.
type Options struct {
	PairID string

	Interval       time.Duration
	DisabledPause  time.Duration
	HeartbeatEvery time.Duration
	HistoryWindow  time.Duration
	LoopErrLimit   int
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 100 * time.Millisecond
	}
	if o.DisabledPause <= 0 {
		o.DisabledPause = time.Second
	}
	if o.HeartbeatEvery <= 0 {
		o.HeartbeatEvery = 5 * time.Minute
	}
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = 5 * time.Minute
	}
	if o.LoopErrLimit <= 0 {
		o.LoopErrLimit = 10
	}
}

// Watcher publishes one master account's state.
type Watcher struct {
	opts    Options
	loader  *config.Loader
	adapter broker.Adapter
	writer  *shm.Writer
	logger  *zap.Logger
	journal *journal.ActivityLog
	closed  *journal.ClosedTradeLog

	trackedPositions map[int64]broker.Position
	trackedOrders    map[int64]broker.PendingOrder
	primed           bool
	loopErrs         int
	lastHeartbeat    time.Time
	lastIdle         time.Time

	now func() time.Time
}

func New(opts Options, loader *config.Loader, adapter broker.Adapter, writer *shm.Writer, activity *journal.ActivityLog, closed *journal.ClosedTradeLog, logger *zap.Logger) *Watcher {
	opts.defaults()
	return &Watcher{
		opts:    opts,
		loader:  loader,
		adapter: adapter,
		writer:  writer,
		logger:  logger.Named("watcher"),
		journal: activity,
		closed:  closed,

		trackedPositions: make(map[int64]broker.Position),
		trackedOrders:    make(map[int64]broker.PendingOrder),
		now:              time.Now,
	}
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watcher started", zap.String("pair", w.opts.PairID))
	for {
		pause := w.cycle(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
}

func (w *Watcher) cycle(ctx context.Context) time.Duration {
	pair, err := w.loader.Pair(w.opts.PairID)
	if err != nil {
		w.throttledIdle("config unavailable", zap.Error(err))
		return w.opts.DisabledPause
	}
	if !pair.Enabled {
		w.throttledIdle("pair disabled")
		return w.opts.DisabledPause
	}

	acct, err := w.adapter.AccountInfo(ctx)
	if err != nil {
		w.loopError(ctx, "account info", err)
		return w.opts.Interval
	}
	positions, err := w.adapter.Positions(ctx)
	if err != nil {
		w.logger.Warn("query positions", zap.Error(err))
		positions = nil
	}
	orders, err := w.adapter.Orders(ctx)
	if err != nil {
		w.logger.Warn("query orders", zap.Error(err))
		orders = nil
	}
	w.loopErrs = 0

	if !w.primed {
		w.prime(positions, orders)
	} else {
		w.diffPositions(ctx, positions)
		w.diffOrders(orders)
	}

	if err := w.writer.Write(buildSnapshot(w.now(), acct, positions, orders)); err != nil {
		w.logger.Error("snapshot write failed", zap.Error(err))
	}

	w.heartbeat(acct, positions, orders)
	return w.opts.Interval
}

// prime adopts whatever is already open without emitting events. A restart
// must not replay open notifications for positions the children have long
// since copied.
func (w *Watcher) prime(positions []broker.Position, orders []broker.PendingOrder) {
	w.primed = true
	for _, p := range positions {
		w.trackedPositions[p.Ticket] = p
	}
	for _, o := range orders {
		w.trackedOrders[o.Ticket] = o
	}
	w.logger.Info("tracking primed",
		zap.Int("positions", len(positions)), zap.Int("orders", len(orders)))
}

func (w *Watcher) diffPositions(ctx context.Context, positions []broker.Position) {
	live := make(map[int64]broker.Position, len(positions))
	for _, p := range positions {
		live[p.Ticket] = p
		if _, known := w.trackedPositions[p.Ticket]; !known {
			w.journal.Record(journal.LevelTrade,
				fmt.Sprintf("NEW %s %s %.2f @ %.5f #%d", p.Side, p.Symbol, p.Volume, p.OpenPrice, p.Ticket))
		}
		w.trackedPositions[p.Ticket] = p
	}

	for ticket, last := range w.trackedPositions {
		if _, still := live[ticket]; still {
			continue
		}
		delete(w.trackedPositions, ticket)
		closePrice, profit, closeTime := w.recoverClose(ctx, last)
		w.journal.Record(journal.LevelClose,
			fmt.Sprintf("CLOSED %s %s %.2f @ %.5f P/L %.2f #%d",
				last.Side, last.Symbol, last.Volume, closePrice, profit, ticket))
		w.closed.Record(journal.ClosedTrade{
			Ticket:     last.Ticket,
			Symbol:     last.Symbol,
			Type:       last.Side.String(),
			Volume:     last.Volume,
			PriceOpen:  last.OpenPrice,
			ClosePrice: closePrice,
			Profit:     profit,
			SL:         last.SL,
			TP:         last.TP,
			OpenTime:   last.OpenTime.Format(time.DateTime),
			CloseTime:  closeTime.Format(time.DateTime),
		})
	}
}

// recoverClose pulls the real close price and profit from the deal history.
// The position is already gone, so the last cached quote is the fallback.
func (w *Watcher) recoverClose(ctx context.Context, last broker.Position) (price, profit float64, closed time.Time) {
	now := w.now()
	price, profit, closed = last.OpenPrice, last.Profit, now

	deals, err := w.adapter.DealsInRange(ctx, now.Add(-w.opts.HistoryWindow), now)
	if err != nil {
		w.logger.Warn("deal history unavailable", zap.Int64("ticket", last.Ticket), zap.Error(err))
		return price, profit, closed
	}
	for _, d := range deals {
		if d.PositionID == last.Ticket && d.Entry == broker.DealEntryOut {
			price, profit, closed = d.Price, d.Profit, d.Time
		}
	}
	return price, profit, closed
}

func (w *Watcher) diffOrders(orders []broker.PendingOrder) {
	live := make(map[int64]broker.PendingOrder, len(orders))
	for _, o := range orders {
		live[o.Ticket] = o
		prev, known := w.trackedOrders[o.Ticket]
		switch {
		case !known:
			w.journal.Record(journal.LevelSignal,
				fmt.Sprintf("NEW PENDING %s %s %.2f @ %.5f #%d", o.Kind, o.Symbol, o.Volume, o.Price, o.Ticket))
		case orderChanged(prev, o):
			w.journal.Record(journal.LevelSignal,
				fmt.Sprintf("MODIFIED PENDING #%d: price=%.5f SL=%.5f TP=%.5f", o.Ticket, o.Price, o.SL, o.TP))
		}
		w.trackedOrders[o.Ticket] = o
	}

	for ticket, prev := range w.trackedOrders {
		if _, still := live[ticket]; still {
			continue
		}
		delete(w.trackedOrders, ticket)
		w.journal.Record(journal.LevelSignal,
			fmt.Sprintf("PENDING GONE %s #%d (triggered or cancelled)", prev.Symbol, ticket))
	}
}

func orderChanged(a, b broker.PendingOrder) bool {
	return !levelEqual(a.Price, b.Price) || !levelEqual(a.SL, b.SL) || !levelEqual(a.TP, b.TP)
}

const levelEps = 1e-5

func levelEqual(a, b float64) bool {
	d := a - b
	return d < levelEps && d > -levelEps
}

func buildSnapshot(now time.Time, acct broker.AccountInfo, positions []broker.Position, orders []broker.PendingOrder) *shm.Snapshot {
	snap := &shm.Snapshot{
		Timestamp: uint64(now.UnixMilli()),
		Balance:   acct.Balance,
		Equity:    acct.Equity,
	}
	for _, p := range positions {
		snap.Positions = append(snap.Positions, shm.PositionRecord{
			Ticket: p.Ticket,
			Side:   byte(p.Side),
			Volume: p.Volume,
			SL:     p.SL,
			TP:     p.TP,
			Symbol: p.Symbol,
		})
	}
	for _, o := range orders {
		snap.Orders = append(snap.Orders, shm.OrderRecord{
			Ticket: o.Ticket,
			Kind:   byte(o.Kind),
			Volume: o.Volume,
			Price:  o.Price,
			SL:     o.SL,
			TP:     o.TP,
			Symbol: o.Symbol,
		})
	}
	return snap
}

func (w *Watcher) heartbeat(acct broker.AccountInfo, positions []broker.Position, orders []broker.PendingOrder) {
	now := w.now()
	if now.Sub(w.lastHeartbeat) < w.opts.HeartbeatEvery {
		return
	}
	w.lastHeartbeat = now
	w.journal.Record(journal.LevelInfo,
		fmt.Sprintf("Status OK: %d positions, %d pending, balance %.2f, equity %.2f",
			len(positions), len(orders), acct.Balance, acct.Equity))
}

func (w *Watcher) loopError(ctx context.Context, op string, err error) {
	w.loopErrs++
	w.logger.Warn("cycle error", zap.String("op", op), zap.Error(err), zap.Int("streak", w.loopErrs))
	if w.loopErrs < w.opts.LoopErrLimit {
		return
	}
	w.loopErrs = 0
	w.journal.Record(journal.LevelWarn, "Too many consecutive errors, reconnecting to terminal")
	if rerr := w.adapter.Reconnect(ctx); rerr != nil {
		w.logger.Error("reconnect failed", zap.Error(rerr))
	}
}

func (w *Watcher) throttledIdle(msg string, fields ...zap.Field) {
	now := w.now()
	if now.Sub(w.lastIdle) < time.Minute {
		return
	}
	w.lastIdle = now
	w.logger.Info(msg, fields...)
}
