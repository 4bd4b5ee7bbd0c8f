package shm

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
)

// ErrShortRead is returned when a buffer is smaller than the full region.
// Readers treat it as "no data this cycle", never as a failure.
var ErrShortRead = errors.New("shm: short read")

// Encode serializes the snapshot into a full region buffer. Record slices
// beyond the slot caps are truncated; unused slots stay zeroed.
func Encode(s *Snapshot) []byte {
	buf := make([]byte, RegionSize)

	binary.LittleEndian.PutUint64(buf[0:8], s.Timestamp)
	putFloat(buf, 8, s.Balance)
	putFloat(buf, 16, s.Equity)

	posCount := len(s.Positions)
	if posCount > MaxPositions {
		posCount = MaxPositions
	}
	ordCount := len(s.Orders)
	if ordCount > MaxOrders {
		ordCount = MaxOrders
	}
	binary.LittleEndian.PutUint32(buf[24:28], uint32(posCount))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(ordCount))

	for i := 0; i < posCount; i++ {
		p := s.Positions[i]
		off := headerSize + i*positionSize
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(p.Ticket))
		buf[off+8] = p.Side
		putFloat(buf, off+9, p.Volume)
		putFloat(buf, off+17, p.SL)
		putFloat(buf, off+25, p.TP)
		putSymbol(buf, off+33, p.Symbol)
	}

	for i := 0; i < ordCount; i++ {
		o := s.Orders[i]
		off := ordersOffset + i*orderSize
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(o.Ticket))
		buf[off+8] = o.Kind
		putFloat(buf, off+9, o.Volume)
		putFloat(buf, off+17, o.Price)
		putFloat(buf, off+25, o.SL)
		putFloat(buf, off+33, o.TP)
		putSymbol(buf, off+41, o.Symbol)
	}

	return buf
}

// Decode parses a full region buffer. A buffer shorter than the region
// returns ErrShortRead; record counts are clamped to the slot caps.
func Decode(data []byte) (*Snapshot, error) {
	if len(data) < RegionSize {
		return nil, ErrShortRead
	}

	s := &Snapshot{
		Timestamp: binary.LittleEndian.Uint64(data[0:8]),
		Balance:   getFloat(data, 8),
		Equity:    getFloat(data, 16),
	}

	posCount := int(binary.LittleEndian.Uint32(data[24:28]))
	if posCount > MaxPositions {
		posCount = MaxPositions
	}
	ordCount := int(binary.LittleEndian.Uint32(data[28:32]))
	if ordCount > MaxOrders {
		ordCount = MaxOrders
	}

	s.Positions = make([]PositionRecord, 0, posCount)
	for i := 0; i < posCount; i++ {
		off := headerSize + i*positionSize
		s.Positions = append(s.Positions, PositionRecord{
			Ticket: int64(binary.LittleEndian.Uint64(data[off : off+8])),
			Side:   data[off+8],
			Volume: getFloat(data, off+9),
			SL:     getFloat(data, off+17),
			TP:     getFloat(data, off+25),
			Symbol: getSymbol(data, off+33),
		})
	}

	s.Orders = make([]OrderRecord, 0, ordCount)
	for i := 0; i < ordCount; i++ {
		off := ordersOffset + i*orderSize
		s.Orders = append(s.Orders, OrderRecord{
			Ticket: int64(binary.LittleEndian.Uint64(data[off : off+8])),
			Kind:   data[off+8],
			Volume: getFloat(data, off+9),
			Price:  getFloat(data, off+17),
			SL:     getFloat(data, off+25),
			TP:     getFloat(data, off+33),
			Symbol: getSymbol(data, off+41),
		})
	}

	return s, nil
}

// PositionByTicket returns the position record for the ticket, if present.
func (s *Snapshot) PositionByTicket(ticket int64) (PositionRecord, bool) {
	for _, p := range s.Positions {
		if p.Ticket == ticket {
			return p, true
		}
	}
	return PositionRecord{}, false
}

// OrderByTicket returns the pending-order record for the ticket, if present.
func (s *Snapshot) OrderByTicket(ticket int64) (OrderRecord, bool) {
	for _, o := range s.Orders {
		if o.Ticket == ticket {
			return o, true
		}
	}
	return OrderRecord{}, false
}

func putFloat(buf []byte, off int, v float64) {
	binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(v))
}

func getFloat(data []byte, off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(data[off : off+8]))
}

func putSymbol(buf []byte, off int, symbol string) {
	b := []byte(symbol)
	if len(b) > symbolSize {
		b = b[:symbolSize]
	}
	copy(buf[off:off+symbolSize], b)
}

func getSymbol(data []byte, off int) string {
	return strings.TrimRight(string(data[off:off+symbolSize]), "\x00")
}
