package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jdtradelabs/mt5-copier/internal/broker"
	"github.com/jdtradelabs/mt5-copier/internal/config"
	"github.com/jdtradelabs/mt5-copier/internal/journal"
	"github.com/jdtradelabs/mt5-copier/internal/shm"
)

// syncOrders reconciles the child's pending orders against the master's:
// copies new ones, follows price and stop changes, cancels orphans and
// hands executed orders over to position tracking.
func (e *Executor) syncOrders(ctx context.Context, child *config.Child, snap *shm.Snapshot, childOrders []broker.PendingOrder) {
	e.handleExecuted(snap, childOrders)
	e.cancelOrphans(ctx, snap, childOrders)
	e.copyNewOrders(ctx, child, snap)
	e.followOrderChanges(ctx, child, snap, childOrders)
}

// handleExecuted detects a master pending order turning into a position:
// the order vanishes from the snapshot while a position with the same
// ticket appears. The child side is moved to position tracking; if the
// child's own order has not triggered yet the mapping waits for it.
func (e *Executor) handleExecuted(snap *shm.Snapshot, childOrders []broker.PendingOrder) {
	for mt := range e.copiedOrders {
		if _, stillPending := snap.OrderByTicket(mt); stillPending {
			continue
		}
		if _, executed := snap.PositionByTicket(mt); !executed {
			continue
		}
		ct := e.copiedOrders[mt]
		delete(e.copiedOrders, mt)
		if ct == childTicketNone {
			e.tracked[mt] = childTicketNone
			continue
		}
		_, waiting := findChildOrder(childOrders, mt)
		e.pendingPos[mt] = &pendingEntry{
			firstSeen: e.now(),
			viaOrder:  waiting,
		}
		e.logger.Info("master pending executed",
			zap.Int64("master_ticket", mt), zap.Bool("child_waiting", waiting))
	}
}

// cancelOrphans removes child orders whose master order vanished without
// turning into a position.
func (e *Executor) cancelOrphans(ctx context.Context, snap *shm.Snapshot, childOrders []broker.PendingOrder) {
	for mt, ct := range e.copiedOrders {
		if _, stillPending := snap.OrderByTicket(mt); stillPending {
			continue
		}
		if _, executed := snap.PositionByTicket(mt); executed {
			continue
		}
		if ct != childTicketNone {
			if _, live := orderByTicket(childOrders, ct); live {
				if _, err := e.adapter.CancelOrder(ctx, ct); err != nil {
					e.logger.Warn("cancel failed", zap.Int64("child_ticket", ct), zap.Error(err))
					continue
				}
				e.journal.Record(journal.LevelInfo,
					fmt.Sprintf("Cancelled pending order #%d (master #%d removed)", ct, mt))
			}
		}
		delete(e.copiedOrders, mt)
		delete(e.modifyFail, ct)
	}
}

// copyNewOrders mirrors master pending orders seen for the first time.
func (e *Executor) copyNewOrders(ctx context.Context, child *config.Child, snap *shm.Snapshot) {
	for _, mo := range snap.Orders {
		if _, ok := e.copiedOrders[mo.Ticket]; ok {
			continue
		}
		if _, ok := e.pendingOrd[mo.Ticket]; ok {
			continue
		}
		e.copyOrder(ctx, child, mo)
	}
}

func (e *Executor) copyOrder(ctx context.Context, child *config.Child, mo shm.OrderRecord) {
	childSymbol, ok := child.MapSymbol(mo.Symbol)
	if !ok {
		e.copiedOrders[mo.Ticket] = childTicketNone
		e.journal.Record(journal.LevelWarn,
			fmt.Sprintf("SKIPPED pending %s #%d: symbol not mapped for this child", mo.Symbol, mo.Ticket))
		return
	}

	kind, ok := TransformKind(child.CopyMode, broker.OrderKind(mo.Kind))
	if !ok {
		e.copiedOrders[mo.Ticket] = childTicketNone
		e.logger.Debug("pending order filtered by copy mode",
			zap.Int64("master_ticket", mo.Ticket), zap.String("mode", string(child.CopyMode)))
		return
	}

	sl, tp := e.desiredStops(child, mo.SL, mo.TP, 0, 0)
	volume := ChildVolume(mo.Volume, child.LotMultiplier)

	if err := e.adapter.EnsureVisible(ctx, childSymbol); err != nil {
		e.logger.Warn("symbol visibility", zap.String("symbol", childSymbol), zap.Error(err))
	}

	res, err := e.adapter.PlacePending(ctx, broker.PendingRequest{
		Symbol:  childSymbol,
		Kind:    kind,
		Volume:  volume,
		Price:   mo.Price,
		SL:      sl,
		TP:      tp,
		Magic:   mo.Ticket,
		Comment: pendingTag(mo.Ticket),
	})
	if err != nil {
		e.copiedOrders[mo.Ticket] = childTicketNone
		e.stats.RecordAttempt(e.opts.PairID, false)
		verdict := "FAILED to copy pending"
		if broker.IsReject(err) {
			verdict = "REJECTED pending"
		}
		e.journal.Record(journal.LevelError,
			fmt.Sprintf("%s %s %s %.2f @ %.5f (#%d): %v",
				verdict, childSymbol, kind, volume, mo.Price, mo.Ticket, err))
		return
	}

	e.stats.RecordAttempt(e.opts.PairID, true)
	e.journal.Record(journal.LevelSignal,
		fmt.Sprintf("PLACED pending %s %s %.2f @ %.5f (master #%d)",
			childSymbol, kind, volume, mo.Price, mo.Ticket))

	if res.Ticket > 0 {
		e.copiedOrders[mo.Ticket] = res.Ticket
		return
	}
	e.pendingOrd[mo.Ticket] = &pendingEntry{
		masterSymbol: mo.Symbol,
		childSymbol:  childSymbol,
		firstSeen:    e.now(),
	}
}

// followOrderChanges pushes master trigger-price and stop edits onto mapped
// child orders. A moved trigger uses the price modify; stop-only drift uses
// the narrower stops modify so an unchanged trigger is never resubmitted.
func (e *Executor) followOrderChanges(ctx context.Context, child *config.Child, snap *shm.Snapshot, childOrders []broker.PendingOrder) {
	for mt, ct := range e.copiedOrders {
		if ct == childTicketNone {
			continue
		}
		mo, ok := snap.OrderByTicket(mt)
		if !ok {
			continue
		}
		co, ok := orderByTicket(childOrders, ct)
		if !ok {
			continue
		}

		wantSL, wantTP := e.desiredStops(child, mo.SL, mo.TP, co.SL, co.TP)
		priceMoved := !levelEqual(co.Price, mo.Price)
		stopsMoved := !levelEqual(co.SL, wantSL) || !levelEqual(co.TP, wantTP)
		if !priceMoved && !stopsMoved {
			continue
		}
		if e.inCooldown(ct) {
			continue
		}

		var err error
		if priceMoved {
			_, err = e.adapter.ModifyOrderPrice(ctx, ct, mo.Price, wantSL, wantTP)
		} else {
			_, err = e.adapter.ModifyOrderStops(ctx, ct, wantSL, wantTP)
		}
		if err != nil {
			e.modifyFail[ct] = e.now()
			e.logger.Warn("order modify failed",
				zap.Int64("child_ticket", ct), zap.Error(err))
			continue
		}
		delete(e.modifyFail, ct)
		e.journal.Record(journal.LevelInfo,
			fmt.Sprintf("Updated pending #%d: price=%.5f SL=%.5f TP=%.5f", ct, mo.Price, wantSL, wantTP))
	}
}

func orderByTicket(orders []broker.PendingOrder, ticket int64) (broker.PendingOrder, bool) {
	for _, o := range orders {
		if o.Ticket == ticket {
			return o, true
		}
	}
	return broker.PendingOrder{}, false
}
