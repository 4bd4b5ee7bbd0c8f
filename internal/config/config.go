// Package config defines the copier's configuration schema. The JSON file
// is owned by the dashboard; the watcher and executor re-read it every poll
// cycle, so enable/disable and setting changes take effect without a
// restart.
package config

import (
	"strings"
	"time"
)

// CopyMode is the per-child transform applied to every mirrored signal.
type CopyMode string

const (
	ModeNormal   CopyMode = "normal"
	ModeReverse  CopyMode = "reverse"
	ModeOnlyBuy  CopyMode = "only_buy"
	ModeOnlySell CopyMode = "only_sell"
)

// SymbolMapping maps one master symbol to the child account's equivalent.
type SymbolMapping struct {
	Master string `json:"master" validate:"required"`
	Child  string `json:"child" validate:"required"`
}

// Child is one mirroring account with its transform settings. Defaults are
// resolved at load time; the struct carries final values only.
type Child struct {
	ID       string `validate:"required"`
	Enabled  bool
	Account  int64 `validate:"required,gt=0"`
	Password string
	Server   string
	Terminal string

	LotMultiplier float64  `validate:"gt=0"`
	CopyMode      CopyMode `validate:"oneof=normal reverse only_buy only_sell"`
	CopyClose     bool
	CopySL        bool
	CopyTP        bool
	CopyPending   bool
	ForceCopy     bool

	CopyPeriodEnabled bool
	ActiveFrom        string `validate:"omitempty,datetime=2006-01-02"`
	ActiveTo          string `validate:"omitempty,datetime=2006-01-02"`

	Symbols []SymbolMapping `validate:"dive"`
}

// Pair is one master account with its children.
type Pair struct {
	ID             string `validate:"required"`
	Enabled        bool
	MasterAccount  int64 `validate:"required,gt=0"`
	MasterPassword string
	MasterServer   string
	MasterTerminal string
	Children       []Child `validate:"dive"`
}

// Config is the full file contents.
type Config struct {
	Pairs []Pair `validate:"dive"`
}

// PairByID returns the pair with the given id.
func (c *Config) PairByID(id string) (*Pair, bool) {
	for i := range c.Pairs {
		if c.Pairs[i].ID == id {
			return &c.Pairs[i], true
		}
	}
	return nil, false
}

// ChildByID returns the child with the given id.
func (p *Pair) ChildByID(id string) (*Child, bool) {
	for i := range p.Children {
		if p.Children[i].ID == id {
			return &p.Children[i], true
		}
	}
	return nil, false
}

// MapSymbol resolves a master symbol through the child's mapping table.
// The boolean is false when the symbol is not allow-listed; callers must
// not copy such signals.
func (c *Child) MapSymbol(master string) (string, bool) {
	key := strings.ToUpper(strings.TrimSpace(master))
	for _, m := range c.Symbols {
		if strings.ToUpper(strings.TrimSpace(m.Master)) == key && strings.TrimSpace(m.Child) != "" {
			return strings.TrimSpace(m.Child), true
		}
	}
	return "", false
}

// HasSymbols reports whether at least one complete mapping is configured.
// A child with none is a configuration error: the executor refuses to start.
func (c *Child) HasSymbols() bool {
	for _, m := range c.Symbols {
		if strings.TrimSpace(m.Master) != "" && strings.TrimSpace(m.Child) != "" {
			return true
		}
	}
	return false
}

// InActivePeriod reports whether copying is active at the given time. The
// window applies when explicitly enabled or when either bound is set.
// Dates are calendar days, inclusive on both ends.
func (c *Child) InActivePeriod(now time.Time) bool {
	from := strings.TrimSpace(c.ActiveFrom)
	to := strings.TrimSpace(c.ActiveTo)
	if !c.CopyPeriodEnabled && from == "" && to == "" {
		return true
	}
	today := now.Format("2006-01-02")
	if from != "" && today < from {
		return false
	}
	if to != "" && today > to {
		return false
	}
	return true
}
