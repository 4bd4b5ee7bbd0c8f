package journal

import (
	"encoding/json"
	"os"

	"go.uber.org/zap"
)

// PairStats holds copy attempt counters for a single pair.
type PairStats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Stats accumulates per-pair copy counters in pair_stats.json.
type Stats struct {
	path   string
	pairs  map[string]*PairStats
	logger *zap.Logger
}

func NewStats(path string, logger *zap.Logger) *Stats {
	s := &Stats{path: path, pairs: make(map[string]*PairStats), logger: logger}
	s.restore()
	return s
}

func (s *Stats) restore() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var pairs map[string]*PairStats
	if err := json.Unmarshal(data, &pairs); err != nil {
		return
	}
	if pairs != nil {
		s.pairs = pairs
	}
}

// RecordAttempt counts one copy attempt for the pair and flushes.
func (s *Stats) RecordAttempt(pairID string, success bool) {
	ps := s.pairs[pairID]
	if ps == nil {
		ps = &PairStats{}
		s.pairs[pairID] = ps
	}
	ps.Total++
	if success {
		ps.Success++
	} else {
		ps.Failed++
	}
	if err := writeJSON(s.path, s.pairs); err != nil {
		s.logger.Warn("pair stats write failed", zap.String("path", s.path), zap.Error(err))
	}
}

func (s *Stats) Pair(pairID string) PairStats {
	if ps := s.pairs[pairID]; ps != nil {
		return *ps
	}
	return PairStats{}
}
