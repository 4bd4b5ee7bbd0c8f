// Package brokertest provides a scripted in-memory terminal for tests.
// It behaves like a tiny broker: market orders become positions, pending
// orders sit until removed, and every mutating call is recorded so tests
// can assert on exactly what was sent.
package brokertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jdtradelabs/mt5-copier/internal/broker"
)

// Fake implements broker.Adapter.
type Fake struct {
	mu sync.Mutex

	Account broker.AccountInfo
	Open    []broker.Position
	Pending []broker.PendingOrder
	Deals   []broker.Deal

	nextTicket int64

	// Scripted outcomes, consumed one per call. Empty means accept.
	OpenResults    []broker.Retcode
	PendingResults []broker.Retcode
	ModifyResults  []broker.Retcode

	OpenCalls        []broker.MarketRequest
	PendingCalls     []broker.PendingRequest
	ModifyPosCalls   []ModifyPos
	ModifyPriceCalls []ModifyPrice
	ModifyStopCalls  []ModifyStops
	CancelCalls      []int64
	CloseCalls       []int64
	Reconnects       int
}

type ModifyPos struct {
	Ticket int64
	Symbol string
	SL, TP float64
}

type ModifyPrice struct {
	Ticket int64
	Price  float64
	SL, TP float64
}

type ModifyStops struct {
	Ticket int64
	SL, TP float64
}

// New returns an empty fake with tickets starting at 9000.
func New() *Fake {
	return &Fake{nextTicket: 9000}
}

func (f *Fake) take() int64 {
	f.nextTicket++
	return f.nextTicket
}

func pop(q *[]broker.Retcode) broker.Retcode {
	if len(*q) == 0 {
		return broker.RetcodeDone
	}
	rc := (*q)[0]
	*q = (*q)[1:]
	return rc
}

func (f *Fake) AccountInfo(context.Context) (broker.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Account, nil
}

func (f *Fake) SymbolInfo(_ context.Context, symbol string) (broker.SymbolInfo, error) {
	return broker.SymbolInfo{Name: symbol, Visible: true, Digits: 5, Point: 0.00001}, nil
}

func (f *Fake) EnsureVisible(context.Context, string) error { return nil }

func (f *Fake) Tick(_ context.Context, symbol string) (broker.Tick, error) {
	return broker.Tick{Bid: 1.0, Ask: 1.0001, Time: time.Now()}, nil
}

func (f *Fake) Positions(context.Context) ([]broker.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broker.Position, len(f.Open))
	copy(out, f.Open)
	return out, nil
}

func (f *Fake) PositionByTicket(_ context.Context, ticket int64) (*broker.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.Open {
		if f.Open[i].Ticket == ticket {
			p := f.Open[i]
			return &p, nil
		}
	}
	return nil, nil
}

func (f *Fake) PositionsBySymbol(_ context.Context, symbol string) ([]broker.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broker.Position
	for _, p := range f.Open {
		if strings.EqualFold(p.Symbol, symbol) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *Fake) Orders(context.Context) ([]broker.PendingOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broker.PendingOrder, len(f.Pending))
	copy(out, f.Pending)
	return out, nil
}

func (f *Fake) OpenMarket(_ context.Context, req broker.MarketRequest) (broker.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpenCalls = append(f.OpenCalls, req)
	if rc := pop(&f.OpenResults); rc != broker.RetcodeDone {
		return broker.Result{Retcode: rc}, nil
	}
	t := f.take()
	f.Open = append(f.Open, broker.Position{
		Ticket:    t,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Volume:    req.Volume,
		SL:        req.SL,
		TP:        req.TP,
		OpenPrice: 1.0,
		Magic:     req.Magic,
		Comment:   req.Comment,
		OpenTime:  time.Now(),
	})
	return broker.Result{Retcode: broker.RetcodeDone, Ticket: t, Price: 1.0}, nil
}

func (f *Fake) PlacePending(_ context.Context, req broker.PendingRequest) (broker.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PendingCalls = append(f.PendingCalls, req)
	if rc := pop(&f.PendingResults); rc != broker.RetcodeDone {
		return broker.Result{Retcode: rc}, nil
	}
	t := f.take()
	f.Pending = append(f.Pending, broker.PendingOrder{
		Ticket:  t,
		Symbol:  req.Symbol,
		Kind:    req.Kind,
		Volume:  req.Volume,
		Price:   req.Price,
		SL:      req.SL,
		TP:      req.TP,
		Magic:   req.Magic,
		Comment: req.Comment,
	})
	return broker.Result{Retcode: broker.RetcodeDone, Ticket: t}, nil
}

func (f *Fake) ModifyPosition(_ context.Context, ticket int64, symbol string, sl, tp float64) (broker.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ModifyPosCalls = append(f.ModifyPosCalls, ModifyPos{Ticket: ticket, Symbol: symbol, SL: sl, TP: tp})
	if rc := pop(&f.ModifyResults); rc != broker.RetcodeDone {
		return broker.Result{Retcode: rc}, nil
	}
	for i := range f.Open {
		if f.Open[i].Ticket == ticket {
			f.Open[i].SL = sl
			f.Open[i].TP = tp
			return broker.Result{Retcode: broker.RetcodeDone, Ticket: ticket}, nil
		}
	}
	return broker.Result{Retcode: broker.RetcodeRejected, Comment: "position not found"}, nil
}

func (f *Fake) ModifyOrderPrice(_ context.Context, ticket int64, price, sl, tp float64) (broker.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ModifyPriceCalls = append(f.ModifyPriceCalls, ModifyPrice{Ticket: ticket, Price: price, SL: sl, TP: tp})
	if rc := pop(&f.ModifyResults); rc != broker.RetcodeDone {
		return broker.Result{Retcode: rc}, nil
	}
	for i := range f.Pending {
		if f.Pending[i].Ticket == ticket {
			f.Pending[i].Price = price
			f.Pending[i].SL = sl
			f.Pending[i].TP = tp
			return broker.Result{Retcode: broker.RetcodeDone, Ticket: ticket}, nil
		}
	}
	return broker.Result{Retcode: broker.RetcodeRejected, Comment: "order not found"}, nil
}

func (f *Fake) ModifyOrderStops(_ context.Context, ticket int64, sl, tp float64) (broker.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ModifyStopCalls = append(f.ModifyStopCalls, ModifyStops{Ticket: ticket, SL: sl, TP: tp})
	if rc := pop(&f.ModifyResults); rc != broker.RetcodeDone {
		return broker.Result{Retcode: rc}, nil
	}
	for i := range f.Pending {
		if f.Pending[i].Ticket == ticket {
			f.Pending[i].SL = sl
			f.Pending[i].TP = tp
			return broker.Result{Retcode: broker.RetcodeDone, Ticket: ticket}, nil
		}
	}
	return broker.Result{Retcode: broker.RetcodeRejected, Comment: "order not found"}, nil
}

func (f *Fake) CancelOrder(_ context.Context, ticket int64) (broker.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CancelCalls = append(f.CancelCalls, ticket)
	for i := range f.Pending {
		if f.Pending[i].Ticket == ticket {
			f.Pending = append(f.Pending[:i], f.Pending[i+1:]...)
			return broker.Result{Retcode: broker.RetcodeDone, Ticket: ticket}, nil
		}
	}
	return broker.Result{Retcode: broker.RetcodeRejected, Comment: "order not found"}, nil
}

func (f *Fake) ClosePosition(_ context.Context, pos broker.Position) (broker.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCalls = append(f.CloseCalls, pos.Ticket)
	for i := range f.Open {
		if f.Open[i].Ticket == pos.Ticket {
			profit := f.Open[i].Profit
			f.Open = append(f.Open[:i], f.Open[i+1:]...)
			return broker.Result{Retcode: broker.RetcodeDone, Ticket: pos.Ticket, Profit: profit}, nil
		}
	}
	return broker.Result{Retcode: broker.RetcodeRejected, Comment: "position not found"}, nil
}

func (f *Fake) DealsInRange(context.Context, time.Time, time.Time) ([]broker.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broker.Deal, len(f.Deals))
	copy(out, f.Deals)
	return out, nil
}

func (f *Fake) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reconnects++
	return nil
}

func (f *Fake) Close() error { return nil }

// AddPosition seeds an open position with a fresh ticket.
func (f *Fake) AddPosition(p broker.Position) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.Ticket == 0 {
		p.Ticket = f.take()
	}
	f.Open = append(f.Open, p)
	return p.Ticket
}

// AddOrder seeds a pending order with a fresh ticket.
func (f *Fake) AddOrder(o broker.PendingOrder) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.Ticket == 0 {
		o.Ticket = f.take()
	}
	f.Pending = append(f.Pending, o)
	return o.Ticket
}

// RemovePosition drops a position without recording a close call.
func (f *Fake) RemovePosition(ticket int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.Open {
		if f.Open[i].Ticket == ticket {
			f.Open = append(f.Open[:i], f.Open[i+1:]...)
			return
		}
	}
}

var _ broker.Adapter = (*Fake)(nil)

// String helps test failure output.
func (f *Fake) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("fake{positions=%d orders=%d}", len(f.Open), len(f.Pending))
}
