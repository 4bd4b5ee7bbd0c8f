// Package executor implements the child side of the copier: it polls the
// master's shared snapshot, diffs it against its own tracking state and
// issues the idempotent order actions that keep the child account in sync.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jdtradelabs/mt5-copier/internal/broker"
	"github.com/jdtradelabs/mt5-copier/internal/config"
	"github.com/jdtradelabs/mt5-copier/internal/journal"
	"github.com/jdtradelabs/mt5-copier/internal/shm"
)

// childTicketNone marks a master ticket that is handled but has no child
// counterpart: skipped by a filter, or failed permanently. Submission
// failures are never retried across cycles; a blind resubmit risks a
// duplicate order.
const childTicketNone int64 = -1

// stopEps is the tolerance when comparing price levels.
const stopEps = 1e-5

// Options tune one executor instance.
type Options struct {
	PairID  string
	ChildID string

	Interval       time.Duration
	DisabledPause  time.Duration
	StatusEvery    time.Duration
	MapAttempts    int
	ModifyCooldown time.Duration
	Deviation      int
	LoopErrLimit   int
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Millisecond
	}
	if o.DisabledPause <= 0 {
		o.DisabledPause = time.Second
	}
	if o.StatusEvery <= 0 {
		o.StatusEvery = time.Minute
	}
	if o.MapAttempts <= 0 {
		o.MapAttempts = 10
	}
	if o.ModifyCooldown <= 0 {
		o.ModifyCooldown = 5 * time.Second
	}
	if o.Deviation <= 0 {
		o.Deviation = 50
	}
	if o.LoopErrLimit <= 0 {
		o.LoopErrLimit = 10
	}
}

// pendingEntry tracks a submitted copy whose child ticket is not yet known.
// The broker needs a moment before the new position shows up in queries.
type pendingEntry struct {
	masterSymbol string
	childSymbol  string
	attempts     int
	firstSeen    time.Time
	// viaOrder marks a mapping created by a master pending order executing;
	// attempts do not advance while the child order is still waiting for
	// its own trigger.
	viaOrder bool
}

// Executor mirrors one master account onto one child account.
type Executor struct {
	opts    Options
	loader  *config.Loader
	adapter broker.Adapter
	reader  *shm.Reader
	feed    *shm.Writer
	logger  *zap.Logger
	journal *journal.ActivityLog
	closed  *journal.ClosedTradeLog
	stats   *journal.Stats

	tracked      map[int64]int64 // master position ticket -> child ticket
	copiedOrders map[int64]int64 // master order ticket -> child order ticket
	pendingPos   map[int64]*pendingEntry
	pendingOrd   map[int64]*pendingEntry
	modifyFail   map[int64]time.Time // child ticket -> last failed modify

	firstRun   bool
	readErrs   int
	loopErrs   int
	lastStatus time.Time
	lastIdle   time.Time

	now func() time.Time
}

// New wires an executor. The adapter should already carry the retry
// decoration; the executor itself never re-sends a rejected submission.
func New(opts Options, loader *config.Loader, adapter broker.Adapter, reader *shm.Reader, feed *shm.Writer, activity *journal.ActivityLog, closed *journal.ClosedTradeLog, stats *journal.Stats, logger *zap.Logger) *Executor {
	opts.defaults()
	return &Executor{
		opts:    opts,
		loader:  loader,
		adapter: adapter,
		reader:  reader,
		feed:    feed,
		logger:  logger.Named("executor"),
		journal: activity,
		closed:  closed,
		stats:   stats,

		tracked:      make(map[int64]int64),
		copiedOrders: make(map[int64]int64),
		pendingPos:   make(map[int64]*pendingEntry),
		pendingOrd:   make(map[int64]*pendingEntry),
		modifyFail:   make(map[int64]time.Time),

		firstRun: true,
		now:      time.Now,
	}
}

// Run polls until the context is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started",
		zap.String("pair", e.opts.PairID),
		zap.String("child", e.opts.ChildID))

	for {
		pause := e.cycle(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
}

// cycle runs one reconciliation pass and returns the pause before the next.
func (e *Executor) cycle(ctx context.Context) time.Duration {
	pair, child, err := e.loader.PairChild(e.opts.PairID, e.opts.ChildID)
	if err != nil {
		e.throttledIdle("config unavailable", zap.Error(err))
		return e.opts.DisabledPause
	}
	if !pair.Enabled || !child.Enabled {
		e.throttledIdle("copying disabled")
		return e.opts.DisabledPause
	}
	if !child.InActivePeriod(e.now()) {
		e.throttledIdle("outside copy period")
		return e.opts.DisabledPause
	}

	snap, err := e.reader.Read()
	if err != nil {
		e.readErrs++
		if e.readErrs == 1 || e.readErrs%500 == 0 {
			e.logger.Warn("snapshot read failed", zap.Error(err), zap.Int("streak", e.readErrs))
		}
		return e.opts.Interval
	}
	e.readErrs = 0

	childPositions, err := e.adapter.Positions(ctx)
	if err != nil {
		e.loopError(ctx, "query positions", err)
		return e.opts.Interval
	}
	childOrders, err := e.adapter.Orders(ctx)
	if err != nil {
		e.loopError(ctx, "query orders", err)
		return e.opts.Interval
	}
	e.loopErrs = 0

	if e.firstRun {
		e.primeTracking(child, snap)
	}

	e.resolvePending(childPositions, childOrders)
	e.openNewPositions(ctx, child, snap)
	e.syncStops(ctx, child, snap, childPositions)
	e.closeVanished(ctx, child, snap, childPositions)
	if child.CopyPending {
		e.syncOrders(ctx, child, snap, childOrders)
	}

	e.publishFeed(ctx, childPositions, childOrders)
	e.statusLog(snap, childPositions, childOrders)

	return e.opts.Interval
}

// primeTracking marks everything already open on the master as handled so
// a restart never re-copies live positions.
func (e *Executor) primeTracking(child *config.Child, snap *shm.Snapshot) {
	e.firstRun = false
	if child.ForceCopy {
		return
	}
	for _, p := range snap.Positions {
		e.tracked[p.Ticket] = childTicketNone
	}
	for _, o := range snap.Orders {
		e.copiedOrders[o.Ticket] = childTicketNone
	}
	if n := len(snap.Positions) + len(snap.Orders); n > 0 {
		e.journal.Record(journal.LevelInfo,
			fmt.Sprintf("Startup: %d pre-existing master entries will not be copied", n))
	}
}

// resolvePending matches previously submitted copies to their child
// tickets. A copy stays pending for a bounded number of cycles; after that
// it is written off so one master ticket can never map twice.
func (e *Executor) resolvePending(childPositions []broker.Position, childOrders []broker.PendingOrder) {
	for mt, pe := range e.pendingPos {
		if ct, ok := findChildPosition(childPositions, mt); ok {
			e.tracked[mt] = ct
			delete(e.pendingPos, mt)
			e.logger.Info("copy mapped",
				zap.Int64("master_ticket", mt), zap.Int64("child_ticket", ct))
			continue
		}
		if pe.viaOrder {
			if _, waiting := findChildOrder(childOrders, mt); waiting {
				continue
			}
		}
		pe.attempts++
		if pe.attempts >= e.opts.MapAttempts {
			e.tracked[mt] = childTicketNone
			delete(e.pendingPos, mt)
			e.journal.Record(journal.LevelWarn,
				fmt.Sprintf("Could not locate child position for master ticket %d, giving up", mt))
		}
	}

	for mt, pe := range e.pendingOrd {
		if ct, ok := findChildOrder(childOrders, mt); ok {
			e.copiedOrders[mt] = ct
			delete(e.pendingOrd, mt)
			continue
		}
		pe.attempts++
		if pe.attempts >= e.opts.MapAttempts {
			e.copiedOrders[mt] = childTicketNone
			delete(e.pendingOrd, mt)
			e.journal.Record(journal.LevelWarn,
				fmt.Sprintf("Could not locate child order for master ticket %d, giving up", mt))
		}
	}
}

// openNewPositions copies master positions seen for the first time.
func (e *Executor) openNewPositions(ctx context.Context, child *config.Child, snap *shm.Snapshot) {
	for _, mp := range snap.Positions {
		if _, ok := e.tracked[mp.Ticket]; ok {
			continue
		}
		if _, ok := e.pendingPos[mp.Ticket]; ok {
			continue
		}
		// A ticket known as a copied pending order is an executed order,
		// not a fresh position; the order flow hands it over.
		if _, ok := e.copiedOrders[mp.Ticket]; ok {
			continue
		}
		e.copyPosition(ctx, child, mp)
	}
}

func (e *Executor) copyPosition(ctx context.Context, child *config.Child, mp shm.PositionRecord) {
	childSymbol, ok := child.MapSymbol(mp.Symbol)
	if !ok {
		e.tracked[mp.Ticket] = childTicketNone
		e.journal.Record(journal.LevelWarn,
			fmt.Sprintf("SKIPPED %s #%d: symbol not mapped for this child", mp.Symbol, mp.Ticket))
		return
	}

	side, ok := TransformSide(child.CopyMode, broker.Side(mp.Side))
	if !ok {
		e.tracked[mp.Ticket] = childTicketNone
		e.logger.Debug("signal filtered by copy mode",
			zap.Int64("master_ticket", mp.Ticket), zap.String("mode", string(child.CopyMode)))
		return
	}

	sl, tp := e.desiredStops(child, mp.SL, mp.TP, 0, 0)
	volume := ChildVolume(mp.Volume, child.LotMultiplier)

	if err := e.adapter.EnsureVisible(ctx, childSymbol); err != nil {
		e.logger.Warn("symbol visibility", zap.String("symbol", childSymbol), zap.Error(err))
	}

	res, err := e.adapter.OpenMarket(ctx, broker.MarketRequest{
		Symbol:    childSymbol,
		Side:      side,
		Volume:    volume,
		Deviation: e.opts.Deviation,
		SL:        sl,
		TP:        tp,
		Magic:     mp.Ticket,
		Comment:   copyTag(mp.Ticket),
	})
	if err != nil {
		e.tracked[mp.Ticket] = childTicketNone
		e.stats.RecordAttempt(e.opts.PairID, false)
		verdict := "FAILED to copy"
		if broker.IsReject(err) {
			verdict = "REJECTED"
		}
		e.journal.Record(journal.LevelError,
			fmt.Sprintf("%s %s %s %.2f (#%d): %v", verdict, childSymbol, side, volume, mp.Ticket, err))
		return
	}

	e.pendingPos[mp.Ticket] = &pendingEntry{
		masterSymbol: mp.Symbol,
		childSymbol:  childSymbol,
		firstSeen:    e.now(),
	}
	e.stats.RecordAttempt(e.opts.PairID, true)
	e.journal.Record(journal.LevelTrade,
		fmt.Sprintf("COPIED %s %s %.2f @ %.5f (master #%d)", childSymbol, side, volume, res.Price, mp.Ticket))

	// One immediate resolution attempt; the position usually shows up in
	// the same query window as the submission.
	if positions, qerr := e.adapter.PositionsBySymbol(ctx, childSymbol); qerr == nil {
		if ct, found := findChildPosition(positions, mp.Ticket); found {
			e.tracked[mp.Ticket] = ct
			delete(e.pendingPos, mp.Ticket)
		}
	}
}

// desiredStops computes the child SL/TP for a master signal. Disabled copy
// flags keep the child's current value in the slot the master level would
// land in after the mode transform.
func (e *Executor) desiredStops(child *config.Child, masterSL, masterTP, childSL, childTP float64) (float64, float64) {
	sl, tp := TransformStops(child.CopyMode, masterSL, masterTP)
	slFromSL, tpFromTP := child.CopySL, child.CopyTP
	if child.CopyMode == config.ModeReverse {
		slFromSL, tpFromTP = child.CopyTP, child.CopySL
	}
	if !slFromSL {
		sl = childSL
	}
	if !tpFromTP {
		tp = childTP
	}
	return sl, tp
}

// syncStops pushes master SL/TP changes onto mapped child positions.
func (e *Executor) syncStops(ctx context.Context, child *config.Child, snap *shm.Snapshot, childPositions []broker.Position) {
	if !child.CopySL && !child.CopyTP {
		return
	}
	for mt, ct := range e.tracked {
		if ct == childTicketNone {
			continue
		}
		mp, ok := snap.PositionByTicket(mt)
		if !ok {
			continue
		}
		cp, ok := positionByTicket(childPositions, ct)
		if !ok {
			continue
		}
		wantSL, wantTP := e.desiredStops(child, mp.SL, mp.TP, cp.SL, cp.TP)
		if levelEqual(cp.SL, wantSL) && levelEqual(cp.TP, wantTP) {
			continue
		}
		if e.inCooldown(ct) {
			continue
		}
		if _, err := e.adapter.ModifyPosition(ctx, ct, cp.Symbol, wantSL, wantTP); err != nil {
			e.modifyFail[ct] = e.now()
			e.logger.Warn("stop sync failed",
				zap.Int64("child_ticket", ct), zap.Error(err))
			continue
		}
		delete(e.modifyFail, ct)
		e.journal.Record(journal.LevelInfo,
			fmt.Sprintf("Updated SL/TP on %s #%d: SL=%.5f TP=%.5f", cp.Symbol, ct, wantSL, wantTP))
	}
}

// closeVanished closes child positions whose master side is gone and runs
// the flatten sweep when the master account is completely out.
func (e *Executor) closeVanished(ctx context.Context, child *config.Child, snap *shm.Snapshot, childPositions []broker.Position) {
	for mt, ct := range e.tracked {
		if _, stillOpen := snap.PositionByTicket(mt); stillOpen {
			continue
		}
		if ct == childTicketNone || !child.CopyClose {
			delete(e.tracked, mt)
			delete(e.modifyFail, ct)
			continue
		}
		cp, ok := positionByTicket(childPositions, ct)
		if !ok {
			delete(e.tracked, mt)
			delete(e.modifyFail, ct)
			continue
		}
		res, err := e.adapter.ClosePosition(ctx, cp)
		if err != nil {
			// Closes retry on the next cycle; missing a close is worse
			// than sending it twice, the second attempt just fails.
			e.logger.Warn("close failed",
				zap.Int64("child_ticket", ct), zap.Error(err))
			continue
		}
		delete(e.tracked, mt)
		delete(e.modifyFail, ct)
		e.recordClosed(cp, res)
		e.journal.Record(journal.LevelClose,
			fmt.Sprintf("CLOSED %s #%d profit=%.2f (master #%d)", cp.Symbol, ct, res.Profit, mt))
	}

	if len(snap.Positions) == 0 {
		e.bulkClose(ctx, child)
	}
}

// bulkClose flattens every copied child position in one sweep. Matching is
// deliberately broad: comment tags, tracked ticket or magic number, so a
// position whose mapping was lost still gets closed.
func (e *Executor) bulkClose(ctx context.Context, child *config.Child) {
	if !child.CopyClose {
		return
	}
	// The per-ticket closes above already changed the account, so the
	// sweep works from a fresh query rather than the cycle's opening one.
	childPositions, err := e.adapter.Positions(ctx)
	if err != nil {
		e.logger.Warn("query positions for sweep", zap.Error(err))
		return
	}
	byChildTicket := make(map[int64]bool, len(e.tracked))
	byMagic := make(map[int64]bool, len(e.tracked))
	for mt, ct := range e.tracked {
		byMagic[mt] = true
		if ct != childTicketNone {
			byChildTicket[ct] = true
		}
	}

	closed := 0
	for _, cp := range childPositions {
		if !byChildTicket[cp.Ticket] && !byMagic[cp.Magic] &&
			!strings.HasPrefix(cp.Comment, copyTagPrefix) && !strings.HasPrefix(cp.Comment, pendingTagPrefix) {
			continue
		}
		res, err := e.adapter.ClosePosition(ctx, cp)
		if err != nil {
			e.logger.Warn("bulk close failed",
				zap.Int64("child_ticket", cp.Ticket), zap.Error(err))
			continue
		}
		e.recordClosed(cp, res)
		closed++
	}
	if closed > 0 {
		e.journal.Record(journal.LevelClose,
			fmt.Sprintf("Master flat: closed %d copied positions", closed))
	}
	e.tracked = make(map[int64]int64)
	e.pendingPos = make(map[int64]*pendingEntry)
}

// recordClosed appends the child's side of a close to the trade history.
func (e *Executor) recordClosed(cp broker.Position, res broker.Result) {
	if e.closed == nil {
		return
	}
	e.closed.Record(journal.ClosedTrade{
		Ticket:     cp.Ticket,
		Symbol:     cp.Symbol,
		Type:       cp.Side.String(),
		Volume:     cp.Volume,
		PriceOpen:  cp.OpenPrice,
		ClosePrice: res.Price,
		Profit:     res.Profit,
		SL:         cp.SL,
		TP:         cp.TP,
		OpenTime:   cp.OpenTime.Format(time.DateTime),
		CloseTime:  e.now().Format(time.DateTime),
	})
}

// publishFeed writes this child's own account snapshot for the dashboard.
func (e *Executor) publishFeed(ctx context.Context, childPositions []broker.Position, childOrders []broker.PendingOrder) {
	if e.feed == nil {
		return
	}
	acct, err := e.adapter.AccountInfo(ctx)
	if err != nil {
		e.logger.Debug("account info for feed", zap.Error(err))
		return
	}
	snap := &shm.Snapshot{
		Timestamp: uint64(e.now().UnixMilli()),
		Balance:   acct.Balance,
		Equity:    acct.Equity,
	}
	for _, p := range childPositions {
		snap.Positions = append(snap.Positions, shm.PositionRecord{
			Ticket: p.Ticket,
			Side:   byte(p.Side),
			Volume: p.Volume,
			SL:     p.SL,
			TP:     p.TP,
			Symbol: p.Symbol,
		})
	}
	for _, o := range childOrders {
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
	if err := e.feed.Write(snap); err != nil {
		e.logger.Warn("feed write failed", zap.Error(err))
	}
}

func (e *Executor) statusLog(snap *shm.Snapshot, childPositions []broker.Position, childOrders []broker.PendingOrder) {
	now := e.now()
	if now.Sub(e.lastStatus) < e.opts.StatusEvery {
		return
	}
	e.lastStatus = now
	e.logger.Info("status",
		zap.Int("master_positions", len(snap.Positions)),
		zap.Int("master_orders", len(snap.Orders)),
		zap.Int("child_positions", len(childPositions)),
		zap.Int("child_orders", len(childOrders)),
		zap.Int("tracked", len(e.tracked)),
		zap.Int("pending_map", len(e.pendingPos)+len(e.pendingOrd)))
}

// loopError counts consecutive adapter failures and reconnects once the
// streak suggests a dead terminal session rather than a blip.
func (e *Executor) loopError(ctx context.Context, op string, err error) {
	e.loopErrs++
	e.logger.Warn("cycle error", zap.String("op", op), zap.Error(err), zap.Int("streak", e.loopErrs))
	if e.loopErrs < e.opts.LoopErrLimit {
		return
	}
	e.loopErrs = 0
	e.journal.Record(journal.LevelWarn, "Too many consecutive errors, reconnecting to terminal")
	if rerr := e.adapter.Reconnect(ctx); rerr != nil {
		e.logger.Error("reconnect failed", zap.Error(rerr))
	}
}

func (e *Executor) throttledIdle(msg string, fields ...zap.Field) {
	now := e.now()
	if now.Sub(e.lastIdle) < time.Minute {
		return
	}
	e.lastIdle = now
	e.logger.Info(msg, fields...)
}

func (e *Executor) inCooldown(childTicket int64) bool {
	last, ok := e.modifyFail[childTicket]
	return ok && e.now().Sub(last) < e.opts.ModifyCooldown
}

const (
	copyTagPrefix    = "copy_"
	pendingTagPrefix = "pending_"
)

func copyTag(masterTicket int64) string {
	return fmt.Sprintf("%s%d", copyTagPrefix, masterTicket)
}

func pendingTag(masterTicket int64) string {
	return fmt.Sprintf("%s%d", pendingTagPrefix, masterTicket)
}

func levelEqual(a, b float64) bool {
	d := a - b
	return d < stopEps && d > -stopEps
}

func positionByTicket(positions []broker.Position, ticket int64) (broker.Position, bool) {
	for _, p := range positions {
		if p.Ticket == ticket {
			return p, true
		}
	}
	return broker.Position{}, false
}

// findChildPosition locates the child position copied from a master ticket
// by magic number or comment tag.
func findChildPosition(positions []broker.Position, masterTicket int64) (int64, bool) {
	tag := copyTag(masterTicket)
	ptag := pendingTag(masterTicket)
	for _, p := range positions {
		if p.Magic == masterTicket || p.Comment == tag || p.Comment == ptag {
			return p.Ticket, true
		}
	}
	return 0, false
}

func findChildOrder(orders []broker.PendingOrder, masterTicket int64) (int64, bool) {
	tag := pendingTag(masterTicket)
	for _, o := range orders {
		if o.Magic == masterTicket || o.Comment == tag {
			return o.Ticket, true
		}
	}
	return 0, false
}
