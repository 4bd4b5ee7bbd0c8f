package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jdtradelabs/mt5-copier/internal/broker"
	"github.com/jdtradelabs/mt5-copier/internal/broker/brokertest"
	"github.com/jdtradelabs/mt5-copier/internal/config"
	"github.com/jdtradelabs/mt5-copier/internal/journal"
	"github.com/jdtradelabs/mt5-copier/internal/shm"
)

func writeConfig(t *testing.T, path string, childOverrides map[string]any) {
	t.Helper()
	child := map[string]any{
		"id":      "c1",
		"account": 222,
		"symbols": []map[string]string{{"master": "EURUSD", "child": "EURUSD.m"}},
	}
	for k, v := range childOverrides {
		child[k] = v
	}
	cfg := map[string]any{
		"pairs": []map[string]any{{
			"id":             "p1",
			"master_account": 111,
			"children":       []map[string]any{child},
		}},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

type fixture struct {
	fake     *brokertest.Fake
	exec     *Executor
	writer   *shm.Writer
	activity *journal.ActivityLog
	closed   *journal.ClosedTradeLog
	stats    *journal.Stats
}

func newFixture(t *testing.T, childOverrides map[string]any) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "pairs.json")
	writeConfig(t, cfgPath, childOverrides)

	regionPath := filepath.Join(dir, "master.shm")
	w, err := shm.CreateWriter(regionPath)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	r, err := shm.OpenReader(regionPath)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	logger := zap.NewNop()
	fake := brokertest.New()
	activity := journal.NewActivityLog(filepath.Join(dir, "activity.json"), 100, logger)
	closed := journal.NewClosedTradeLog(filepath.Join(dir, "closed.json"), 50, logger)
	stats := journal.NewStats(filepath.Join(dir, "stats.json"), logger)

	exec := New(
		Options{PairID: "p1", ChildID: "c1"},
		config.NewLoader(cfgPath),
		broker.WithRetry(fake, logger),
		r, nil, activity, closed, stats, logger)

	return &fixture{fake: fake, exec: exec, writer: w, activity: activity, closed: closed, stats: stats}
}

func (f *fixture) publish(t *testing.T, snap *shm.Snapshot) {
	t.Helper()
	require.NoError(t, f.writer.Write(snap))
}

func (f *fixture) cycle(t *testing.T) {
	t.Helper()
	f.exec.cycle(context.Background())
}

// start runs the first cycle against an empty master so the pre-existing
// protection does not swallow the positions a test publishes later.
func (f *fixture) start(t *testing.T) {
	f.publish(t, &shm.Snapshot{Timestamp: 1})
	f.cycle(t)
}

func masterPos(ticket int64, side byte, volume float64) shm.PositionRecord {
	return shm.PositionRecord{Ticket: ticket, Side: side, Volume: volume, Symbol: "EURUSD"}
}

func TestCopiesNewMasterPosition(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{masterPos(1001, 0, 0.5)}})
	f.cycle(t)

	require.Len(t, f.fake.OpenCalls, 1)
	req := f.fake.OpenCalls[0]
	assert.Equal(t, "EURUSD.m", req.Symbol)
	assert.Equal(t, broker.SideBuy, req.Side)
	assert.InDelta(t, 0.5, req.Volume, 1e-9)
	assert.Equal(t, int64(1001), req.Magic)
	assert.Equal(t, "copy_1001", req.Comment)

	ct, ok := f.exec.tracked[1001]
	require.True(t, ok)
	assert.Greater(t, ct, int64(0))

	// The same master ticket is never copied twice.
	f.cycle(t)
	f.cycle(t)
	assert.Len(t, f.fake.OpenCalls, 1)

	assert.Equal(t, 1, f.stats.Pair("p1").Success)
}

func TestSkipsUnmappedSymbol(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{
		{Ticket: 1002, Side: 0, Volume: 0.3, Symbol: "GBPUSD"},
	}})
	f.cycle(t)
	f.cycle(t)

	assert.Empty(t, f.fake.OpenCalls)
	assert.Equal(t, childTicketNone, f.exec.tracked[1002])

	warns := 0
	for _, e := range f.activity.Entries() {
		if e.Type == journal.LevelWarn {
			warns++
		}
	}
	assert.Equal(t, 1, warns, "skip is journaled exactly once")
}

func TestFirstRunSkipsPreexisting(t *testing.T) {
	f := newFixture(t, nil)

	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{masterPos(900, 0, 1.0)}})
	f.cycle(t)
	f.cycle(t)

	assert.Empty(t, f.fake.OpenCalls)
	assert.Equal(t, childTicketNone, f.exec.tracked[900])
}

func TestForceCopyTakesPreexisting(t *testing.T) {
	f := newFixture(t, map[string]any{"force_copy": true})

	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{masterPos(901, 0, 1.0)}})
	f.cycle(t)

	assert.Len(t, f.fake.OpenCalls, 1)
}

func TestReverseModeFlipsDirectionAndStops(t *testing.T) {
	f := newFixture(t, map[string]any{"copy_mode": "reverse"})
	f.start(t)

	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{
		{Ticket: 1003, Side: 0, Volume: 0.2, SL: 1.08, TP: 1.10, Symbol: "EURUSD"},
	}})
	f.cycle(t)

	require.Len(t, f.fake.OpenCalls, 1)
	req := f.fake.OpenCalls[0]
	assert.Equal(t, broker.SideSell, req.Side)
	assert.InDelta(t, 1.10, req.SL, 1e-9)
	assert.InDelta(t, 1.08, req.TP, 1e-9)
}

func TestReverseModeSingleSidedStop(t *testing.T) {
	f := newFixture(t, map[string]any{"copy_mode": "reverse"})
	f.start(t)

	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{
		{Ticket: 1004, Side: 1, Volume: 0.2, SL: 1.08, TP: 0, Symbol: "EURUSD"},
	}})
	f.cycle(t)

	require.Len(t, f.fake.OpenCalls, 1)
	req := f.fake.OpenCalls[0]
	assert.Equal(t, broker.SideBuy, req.Side)
	assert.Zero(t, req.SL)
	assert.InDelta(t, 1.08, req.TP, 1e-9)
}

func TestOnlyBuyFiltersSells(t *testing.T) {
	f := newFixture(t, map[string]any{"copy_mode": "only_buy"})
	f.start(t)

	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{masterPos(1005, 1, 0.4)}})
	f.cycle(t)

	assert.Empty(t, f.fake.OpenCalls)
	assert.Equal(t, childTicketNone, f.exec.tracked[1005])
}

func TestLotMultiplierAndFloor(t *testing.T) {
	f := newFixture(t, map[string]any{"lot_multiplier": 0.1})
	f.start(t)

	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{
		masterPos(1006, 0, 0.5),
		{Ticket: 1007, Side: 0, Volume: 0.05, Symbol: "EURUSD"},
	}})
	f.cycle(t)

	require.Len(t, f.fake.OpenCalls, 2)
	assert.InDelta(t, 0.05, f.fake.OpenCalls[0].Volume, 1e-9)
	assert.InDelta(t, 0.01, f.fake.OpenCalls[1].Volume, 1e-9, "floored at minimum lot")
}

func TestSubmissionRejectionIsFinal(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.fake.OpenResults = []broker.Retcode{broker.RetcodeNoMoney}
	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{masterPos(1008, 0, 0.5)}})
	f.cycle(t)
	f.cycle(t)
	f.cycle(t)

	assert.Len(t, f.fake.OpenCalls, 1, "a rejected submission is never resent")
	assert.Equal(t, childTicketNone, f.exec.tracked[1008])
	assert.Equal(t, 1, f.stats.Pair("p1").Failed)

	rejected := false
	for _, e := range f.activity.Entries() {
		if e.Type == journal.LevelError && strings.Contains(e.Message, "REJECTED") {
			rejected = true
		}
	}
	assert.True(t, rejected, "the journal names the broker rejection")
}

func TestStopSyncFollowsMaster(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{masterPos(1009, 0, 0.5)}})
	f.cycle(t)
	require.Len(t, f.fake.OpenCalls, 1)

	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{
		{Ticket: 1009, Side: 0, Volume: 0.5, SL: 1.05, TP: 1.12, Symbol: "EURUSD"},
	}})
	f.cycle(t)

	require.Len(t, f.fake.ModifyPosCalls, 1)
	mod := f.fake.ModifyPosCalls[0]
	assert.InDelta(t, 1.05, mod.SL, 1e-9)
	assert.InDelta(t, 1.12, mod.TP, 1e-9)

	// Stable stops mean no further modifies.
	f.cycle(t)
	assert.Len(t, f.fake.ModifyPosCalls, 1)
}

func TestStopSyncCooldownAfterFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{masterPos(1010, 0, 0.5)}})
	f.cycle(t)

	f.fake.ModifyResults = []broker.Retcode{broker.RetcodeInvalidStops}
	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{
		{Ticket: 1010, Side: 0, Volume: 0.5, SL: 1.05, Symbol: "EURUSD"},
	}})
	f.cycle(t)
	require.Len(t, f.fake.ModifyPosCalls, 1)

	// Within the cool-down the modify is not retried.
	f.cycle(t)
	assert.Len(t, f.fake.ModifyPosCalls, 1)

	// Once the cool-down elapses the drift is picked up again.
	f.exec.now = func() time.Time { return time.Now().Add(10 * time.Second) }
	f.cycle(t)
	assert.Len(t, f.fake.ModifyPosCalls, 2)
}

func TestDisabledStopFlagsKeepChildLevels(t *testing.T) {
	f := newFixture(t, map[string]any{"copy_sl": false})
	f.start(t)

	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{
		{Ticket: 1011, Side: 0, Volume: 0.5, SL: 1.05, TP: 1.12, Symbol: "EURUSD"},
	}})
	f.cycle(t)

	require.Len(t, f.fake.OpenCalls, 1)
	assert.Zero(t, f.fake.OpenCalls[0].SL)
	assert.InDelta(t, 1.12, f.fake.OpenCalls[0].TP, 1e-9)
}

func TestClosesVanishedPosition(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{masterPos(1012, 0, 0.5)}})
	f.cycle(t)
	require.Len(t, f.exec.tracked, 1)

	f.publish(t, &shm.Snapshot{Timestamp: 2})
	f.cycle(t)

	// Exactly one close: the master-flat sweep must not close the same
	// child ticket a second time.
	assert.Len(t, f.fake.CloseCalls, 1)
	assert.Empty(t, f.exec.tracked)
	assert.Empty(t, f.fake.Open)

	trades := f.closed.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "EURUSD.m", trades[0].Symbol)
	assert.InDelta(t, 0.5, trades[0].Volume, 1e-9)
}

func TestCopyCloseOffLeavesChildOpen(t *testing.T) {
	f := newFixture(t, map[string]any{"copy_close": false})
	f.start(t)

	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{masterPos(1013, 0, 0.5)}})
	f.cycle(t)

	f.publish(t, &shm.Snapshot{Timestamp: 2})
	f.cycle(t)

	assert.Empty(t, f.fake.CloseCalls)
	assert.Len(t, f.fake.Open, 1)
	assert.Empty(t, f.exec.tracked)
}

func TestBulkCloseWhenMasterFlat(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{
		masterPos(2001, 0, 0.1),
		masterPos(2002, 1, 0.2),
		masterPos(2003, 0, 0.3),
	}})
	f.cycle(t)
	require.Len(t, f.fake.OpenCalls, 3)

	// A stray copy whose mapping was lost, and a manual trade that must
	// survive the sweep.
	stray := f.fake.AddPosition(broker.Position{Symbol: "EURUSD.m", Comment: "copy_999"})
	manual := f.fake.AddPosition(broker.Position{Symbol: "EURUSD.m", Comment: "my own trade"})

	f.publish(t, &shm.Snapshot{Timestamp: 2})
	f.cycle(t)

	assert.Empty(t, f.exec.tracked)
	assert.Len(t, f.fake.CloseCalls, 4, "three copies and the stray, each closed once")
	assert.NotContains(t, f.fake.CloseCalls, manual)
	assert.Contains(t, f.fake.CloseCalls, stray)
	require.Len(t, f.fake.Open, 1)
	assert.Equal(t, manual, f.fake.Open[0].Ticket)
	assert.Len(t, f.closed.Trades(), 4)
}

func TestBulkCloseSweepsPendingTaggedStray(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	// A position born from a copied pending order carries the pending tag.
	// After a restart nothing is tracked, so the sweep must catch it by
	// comment alone when the master goes flat.
	stray := f.fake.AddPosition(broker.Position{Symbol: "EURUSD.m", Comment: "pending_777"})

	f.publish(t, &shm.Snapshot{Timestamp: 2})
	f.cycle(t)

	assert.Contains(t, f.fake.CloseCalls, stray)
	assert.Empty(t, f.fake.Open)
	assert.Len(t, f.closed.Trades(), 1)
}

func TestMappingGivesUpAfterBoundedAttempts(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.exec.pendingPos[555] = &pendingEntry{firstSeen: time.Now()}
	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{masterPos(555, 0, 0.5)}})

	for i := 0; i < f.exec.opts.MapAttempts; i++ {
		f.cycle(t)
	}

	assert.Empty(t, f.exec.pendingPos)
	assert.Equal(t, childTicketNone, f.exec.tracked[555])
	assert.Empty(t, f.fake.OpenCalls, "an unmapped copy is not resubmitted")
}

func TestDisabledChildDoesNothing(t *testing.T) {
	f := newFixture(t, map[string]any{"enabled": false})

	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{masterPos(3001, 0, 0.5)}})
	f.cycle(t)

	assert.Empty(t, f.fake.OpenCalls)
}

func TestOutsideCopyPeriodDoesNothing(t *testing.T) {
	f := newFixture(t, map[string]any{
		"copy_period_enabled": true,
		"active_from":         "2099-01-01",
	})

	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{masterPos(3002, 0, 0.5)}})
	f.cycle(t)

	assert.Empty(t, f.fake.OpenCalls)
}

func masterOrder(ticket int64, kind byte, price float64) shm.OrderRecord {
	return shm.OrderRecord{Ticket: ticket, Kind: kind, Volume: 0.1, Price: price, Symbol: "EURUSD"}
}

func TestCopiesPendingOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.publish(t, &shm.Snapshot{Orders: []shm.OrderRecord{masterOrder(4001, 2, 1.0750)}})
	f.cycle(t)

	require.Len(t, f.fake.PendingCalls, 1)
	req := f.fake.PendingCalls[0]
	assert.Equal(t, "EURUSD.m", req.Symbol)
	assert.Equal(t, broker.KindBuyLimit, req.Kind)
	assert.InDelta(t, 1.0750, req.Price, 1e-9)
	assert.Equal(t, "pending_4001", req.Comment)

	f.cycle(t)
	assert.Len(t, f.fake.PendingCalls, 1)
}

func TestReversePendingKeepsTriggerPrice(t *testing.T) {
	f := newFixture(t, map[string]any{"copy_mode": "reverse"})
	f.start(t)

	f.publish(t, &shm.Snapshot{Orders: []shm.OrderRecord{masterOrder(4002, 2, 1.0750)}})
	f.cycle(t)

	require.Len(t, f.fake.PendingCalls, 1)
	assert.Equal(t, broker.KindSellStop, f.fake.PendingCalls[0].Kind)
	assert.InDelta(t, 1.0750, f.fake.PendingCalls[0].Price, 1e-9)
}

func TestPendingPriceDriftUsesPriceModify(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.publish(t, &shm.Snapshot{Orders: []shm.OrderRecord{masterOrder(4003, 2, 1.0750)}})
	f.cycle(t)
	require.Len(t, f.fake.PendingCalls, 1)

	f.publish(t, &shm.Snapshot{Orders: []shm.OrderRecord{masterOrder(4003, 2, 1.0760)}})
	f.cycle(t)

	require.Len(t, f.fake.ModifyPriceCalls, 1)
	assert.InDelta(t, 1.0760, f.fake.ModifyPriceCalls[0].Price, 1e-9)
	assert.Empty(t, f.fake.ModifyStopCalls)
}

func TestPendingStopDriftUsesStopsModify(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.publish(t, &shm.Snapshot{Orders: []shm.OrderRecord{masterOrder(4004, 2, 1.0750)}})
	f.cycle(t)

	o := masterOrder(4004, 2, 1.0750)
	o.SL = 1.07
	f.publish(t, &shm.Snapshot{Orders: []shm.OrderRecord{o}})
	f.cycle(t)

	require.Len(t, f.fake.ModifyStopCalls, 1)
	assert.InDelta(t, 1.07, f.fake.ModifyStopCalls[0].SL, 1e-9)
	assert.Empty(t, f.fake.ModifyPriceCalls)
}

func TestCancelsOrphanedPendingOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.publish(t, &shm.Snapshot{Orders: []shm.OrderRecord{masterOrder(4005, 2, 1.0750)}})
	f.cycle(t)
	require.Len(t, f.fake.Pending, 1)
	childTicket := f.fake.Pending[0].Ticket

	f.publish(t, &shm.Snapshot{Timestamp: 2})
	f.cycle(t)

	assert.Equal(t, []int64{childTicket}, f.fake.CancelCalls)
	assert.Empty(t, f.fake.Pending)
	assert.Empty(t, f.exec.copiedOrders)
}

func TestMasterPendingExecutedHandsOverToPositionTracking(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.publish(t, &shm.Snapshot{Orders: []shm.OrderRecord{masterOrder(4006, 2, 1.0750)}})
	f.cycle(t)
	require.Len(t, f.fake.Pending, 1)

	// The master order triggers: it leaves the order table and shows up as
	// a position with the same ticket. The child order has not triggered.
	f.publish(t, &shm.Snapshot{Positions: []shm.PositionRecord{masterPos(4006, 0, 0.1)}})
	f.cycle(t)

	assert.Empty(t, f.fake.CancelCalls, "an executed order is not cancelled on the child")
	assert.NotContains(t, f.exec.copiedOrders, int64(4006))
	require.Contains(t, f.exec.pendingPos, int64(4006))

	// Mapping does not time out while the child order is still waiting.
	for i := 0; i < f.exec.opts.MapAttempts+2; i++ {
		f.cycle(t)
	}
	assert.Contains(t, f.exec.pendingPos, int64(4006))

	// The child order triggers too; the resulting position carries the tag.
	f.fake.Pending = nil
	ct := f.fake.AddPosition(broker.Position{Symbol: "EURUSD.m", Magic: 4006, Comment: "pending_4006"})
	f.cycle(t)

	assert.Equal(t, ct, f.exec.tracked[4006])
	assert.NotContains(t, f.exec.pendingPos, int64(4006))
}

func TestCopyPendingOffIgnoresOrders(t *testing.T) {
	f := newFixture(t, map[string]any{"copy_pending": false})
	f.start(t)

	f.publish(t, &shm.Snapshot{Orders: []shm.OrderRecord{masterOrder(4007, 2, 1.0750)}})
	f.cycle(t)

	assert.Empty(t, f.fake.PendingCalls)
}

func TestTornSnapshotSkipsCycle(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	// Corrupt the region by shrinking the file under the reader.
	require.NoError(t, f.writer.Close())
	require.NoError(t, os.Truncate(f.writer.Path(), shm.RegionSize/2))

	f.cycle(t)
	assert.Empty(t, f.fake.OpenCalls)
	assert.Equal(t, 1, f.exec.readErrs)
}
