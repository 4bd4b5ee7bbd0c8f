// Package broker defines the adapter surface over an MT5 trading terminal.
// The copier core only ever talks to this interface; concrete terminal
// bindings register themselves through the factory in registry.go.
package broker

import (
	"context"
	"time"
)

// Side is the direction of a market position.
type Side byte

const (
	SideBuy  Side = 0
	SideSell Side = 1
)

func (s Side) String() string {
	if s == SideSell {
		return "SELL"
	}
	return "BUY"
}

// OrderKind is the pending-order type, using MT5's numeric encoding.
type OrderKind byte

const (
	KindBuyLimit  OrderKind = 2
	KindSellLimit OrderKind = 3
	KindBuyStop   OrderKind = 4
	KindSellStop  OrderKind = 5
)

func (k OrderKind) String() string {
	switch k {
	case KindBuyLimit:
		return "BUY_LIMIT"
	case KindSellLimit:
		return "SELL_LIMIT"
	case KindBuyStop:
		return "BUY_STOP"
	case KindSellStop:
		return "SELL_STOP"
	}
	return "PENDING"
}

// IsBuy reports whether the kind opens a long position on trigger.
func (k OrderKind) IsBuy() bool {
	return k == KindBuyLimit || k == KindBuyStop
}

// Position is an open market trade. Owned by the broker; the copier holds
// read-only transient copies.
type Position struct {
	Ticket    int64
	Symbol    string
	Side      Side
	Volume    float64
	SL        float64
	TP        float64
	OpenPrice float64
	Profit    float64
	Magic     int64
	Comment   string
	OpenTime  time.Time
}

// PendingOrder is a limit/stop order waiting for its trigger price.
type PendingOrder struct {
	Ticket  int64
	Symbol  string
	Kind    OrderKind
	Volume  float64
	Price   float64
	SL      float64
	TP      float64
	Magic   int64
	Comment string
}

// AccountInfo is the account state queried each poll cycle.
type AccountInfo struct {
	Login   int64
	Server  string
	Balance float64
	Equity  float64
}

// SymbolInfo carries the metadata needed before submitting an order.
type SymbolInfo struct {
	Name    string
	Visible bool
	Digits  int
	Point   float64
}

// Tick is a live quote.
type Tick struct {
	Bid  float64
	Ask  float64
	Time time.Time
}

// DealEntry distinguishes opening from closing deals in the history.
type DealEntry int

const (
	DealEntryIn  DealEntry = 0
	DealEntryOut DealEntry = 1
)

// Deal is one entry from the terminal's deal history, used to recover the
// real close price and profit after a position vanishes.
type Deal struct {
	PositionID int64
	Entry      DealEntry
	Price      float64
	Profit     float64
	Time       time.Time
}

// MarketRequest submits a market order.
type MarketRequest struct {
	Symbol    string
	Side      Side
	Volume    float64
	Price     float64
	Deviation int
	SL        float64
	TP        float64
	Magic     int64
	Comment   string
}

// PendingRequest submits a limit/stop order.
type PendingRequest struct {
	Symbol  string
	Kind    OrderKind
	Volume  float64
	Price   float64
	SL      float64
	TP      float64
	Magic   int64
	Comment string
}

// Settings identify one account session on one terminal installation.
type Settings struct {
	Terminal string
	Login    int64
	Password string
	Server   string
}

// Adapter is the terminal surface the watcher and executor poll. All calls
// are synchronous; the terminal binding offers no push notifications.
type Adapter interface {
	AccountInfo(ctx context.Context) (AccountInfo, error)
	SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
	EnsureVisible(ctx context.Context, symbol string) error
	Tick(ctx context.Context, symbol string) (Tick, error)

	Positions(ctx context.Context) ([]Position, error)
	PositionByTicket(ctx context.Context, ticket int64) (*Position, error)
	PositionsBySymbol(ctx context.Context, symbol string) ([]Position, error)
	Orders(ctx context.Context) ([]PendingOrder, error)

	OpenMarket(ctx context.Context, req MarketRequest) (Result, error)
	PlacePending(ctx context.Context, req PendingRequest) (Result, error)
	ModifyPosition(ctx context.Context, ticket int64, symbol string, sl, tp float64) (Result, error)
	// ModifyOrderPrice moves a pending order's trigger price (SL/TP ride
	// along); ModifyOrderStops touches only SL/TP.
	ModifyOrderPrice(ctx context.Context, ticket int64, price, sl, tp float64) (Result, error)
	ModifyOrderStops(ctx context.Context, ticket int64, sl, tp float64) (Result, error)
	CancelOrder(ctx context.Context, ticket int64) (Result, error)
	ClosePosition(ctx context.Context, pos Position) (Result, error)

	DealsInRange(ctx context.Context, from, to time.Time) ([]Deal, error)

	Reconnect(ctx context.Context) error
	Close() error
}
