package executor

import (
	"math"

	"github.com/jdtradelabs/mt5-copier/internal/broker"
	"github.com/jdtradelabs/mt5-copier/internal/config"
)

// minVolume is the smallest lot any broker here accepts.
const minVolume = 0.01

// ChildVolume scales the master volume by the child's multiplier, rounded
// to two decimals and floored at the minimum lot.
func ChildVolume(masterVolume, multiplier float64) float64 {
	v := math.Round(masterVolume*multiplier*100) / 100
	if v < minVolume {
		return minVolume
	}
	return v
}

// TransformSide maps a master position direction through the child's copy
// mode. The boolean is false when the mode filters the signal out entirely.
func TransformSide(mode config.CopyMode, side broker.Side) (broker.Side, bool) {
	switch mode {
	case config.ModeReverse:
		if side == broker.SideBuy {
			return broker.SideSell, true
		}
		return broker.SideBuy, true
	case config.ModeOnlyBuy:
		return side, side == broker.SideBuy
	case config.ModeOnlySell:
		return side, side == broker.SideSell
	}
	return side, true
}

// TransformKind maps a pending-order kind through the copy mode. Reverse
// pairs each kind with the opposite-direction kind that triggers on the
// same side of the market price, so the trigger price carries over
// unchanged: a buy limit below market becomes a sell stop below market,
// and so on.
func TransformKind(mode config.CopyMode, kind broker.OrderKind) (broker.OrderKind, bool) {
	switch mode {
	case config.ModeReverse:
		switch kind {
		case broker.KindBuyLimit:
			return broker.KindSellStop, true
		case broker.KindSellStop:
			return broker.KindBuyLimit, true
		case broker.KindSellLimit:
			return broker.KindBuyStop, true
		case broker.KindBuyStop:
			return broker.KindSellLimit, true
		}
		return kind, true
	case config.ModeOnlyBuy:
		return kind, kind.IsBuy()
	case config.ModeOnlySell:
		return kind, !kind.IsBuy()
	}
	return kind, true
}

// TransformStops maps SL/TP through the copy mode. In reverse mode the
// levels swap roles: the master's stop loss protects the child as a take
// profit and vice versa. A single-sided level moves to the other slot and
// the source slot is zeroed, which the plain swap already does.
func TransformStops(mode config.CopyMode, sl, tp float64) (float64, float64) {
	if mode == config.ModeReverse {
		return tp, sl
	}
	return sl, tp
}
