package journal

import (
	"encoding/json"
	"os"

	"go.uber.org/zap"
)

// ClosedTrade is the dashboard record of a finished master position.
type ClosedTrade struct {
	Ticket     int64   `json:"ticket"`
	Symbol     string  `json:"symbol"`
	Type       string  `json:"type"`
	Volume     float64 `json:"volume"`
	PriceOpen  float64 `json:"price_open"`
	ClosePrice float64 `json:"close_price"`
	Profit     float64 `json:"profit"`
	SL         float64 `json:"sl"`
	TP         float64 `json:"tp"`
	OpenTime   string  `json:"open_time"`
	CloseTime  string  `json:"close_time"`
}

// ClosedTradeLog keeps the newest trades first, capped.
type ClosedTradeLog struct {
	path   string
	cap    int
	trades []ClosedTrade
	logger *zap.Logger
}

func NewClosedTradeLog(path string, capacity int, logger *zap.Logger) *ClosedTradeLog {
	c := &ClosedTradeLog{path: path, cap: capacity, logger: logger}
	c.restore()
	return c
}

func (c *ClosedTradeLog) restore() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var trades []ClosedTrade
	if err := json.Unmarshal(data, &trades); err != nil {
		return
	}
	if len(trades) > c.cap {
		trades = trades[:c.cap]
	}
	c.trades = trades
}

func (c *ClosedTradeLog) Record(t ClosedTrade) {
	c.trades = append([]ClosedTrade{t}, c.trades...)
	if len(c.trades) > c.cap {
		c.trades = c.trades[:c.cap]
	}
	if err := writeJSON(c.path, c.trades); err != nil {
		c.logger.Warn("closed trades write failed", zap.String("path", c.path), zap.Error(err))
	}
}

func (c *ClosedTradeLog) Trades() []ClosedTrade {
	out := make([]ClosedTrade, len(c.trades))
	copy(out, c.trades)
	return out
}
