// Package shm implements the fixed-layout shared snapshot region: a single
// writer (the master watcher) overwrites the whole region every poll cycle
// and any number of readers parse it at fixed offsets. There is no locking;
// readers tolerate torn reads by retrying next cycle.
package shm

// Layout constants. Everything is little-endian. The region size is
// constant: the writer zero-pads unused slots so readers can always seek to
// fixed offsets. There is no version field; layout changes are breaking and
// require replacing writer and readers together.
const (
	// MaxPositions and MaxOrders cap how many records one snapshot carries.
	MaxPositions = 50
	MaxOrders    = 20

	// Header: timestamp ms (8) + balance (8) + equity (8) +
	// position count (4) + order count (4).
	headerSize = 32

	// Position record: ticket (8) + side (1) + volume (8) + sl (8) +
	// tp (8) + symbol (15).
	positionSize = 48

	// Order record: ticket (8) + kind (1) + volume (8) + price (8) +
	// sl (8) + tp (8) + symbol (15) + 8 reserved.
	orderSize = 64

	symbolSize = 15

	ordersOffset = headerSize + MaxPositions*positionSize

	// RegionSize is the constant byte size of the whole region.
	RegionSize = headerSize + MaxPositions*positionSize + MaxOrders*orderSize
)

// PositionRecord is one open-position slot in the snapshot.
type PositionRecord struct {
	Ticket int64
	Side   byte
	Volume float64
	SL     float64
	TP     float64
	Symbol string
}

// OrderRecord is one pending-order slot in the snapshot.
type OrderRecord struct {
	Ticket int64
	Kind   byte
	Volume float64
	Price  float64
	SL     float64
	TP     float64
	Symbol string
}

// Snapshot is the full picture of one account the writer publishes each
// cycle: balance, equity, open positions and pending orders.
type Snapshot struct {
	Timestamp uint64 // unix milliseconds
	Balance   float64
	Equity    float64
	Positions []PositionRecord
	Orders    []OrderRecord
}
