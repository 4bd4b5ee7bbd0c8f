package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var (
	ErrPairNotFound  = errors.New("pair not found in config")
	ErrChildNotFound = errors.New("child not found in config")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Defaults applied when the file omits a field.
const (
	DefaultLotMultiplier = 1.0
	legacySymbolSlots    = 20
)

// File shapes. The dashboard historically wrote booleans as strings and
// symbol mappings as numbered master_symbol_N/child_symbol_N fields, so the
// raw layer decodes weakly and keeps unknown keys for the slot migration.
type rawConfig struct {
	Pairs []rawPair `mapstructure:"pairs"`
}

type rawPair struct {
	ID             string         `mapstructure:"id"`
	Enabled        *bool          `mapstructure:"enabled"`
	MasterAccount  int64          `mapstructure:"master_account"`
	MasterPassword string         `mapstructure:"master_password"`
	MasterServer   string         `mapstructure:"master_server"`
	MasterTerminal string         `mapstructure:"master_terminal"`
	Children       []rawChild     `mapstructure:"children"`
	Rest           map[string]any `mapstructure:",remain"`
}

type rawChild struct {
	ID       string `mapstructure:"id"`
	Enabled  *bool  `mapstructure:"enabled"`
	Account  int64  `mapstructure:"account"`
	Password string `mapstructure:"password"`
	Server   string `mapstructure:"server"`
	Terminal string `mapstructure:"terminal"`

	LotMultiplier *float64 `mapstructure:"lot_multiplier"`
	CopyMode      string   `mapstructure:"copy_mode"`
	CopyClose     *bool    `mapstructure:"copy_close"`
	CopySL        *bool    `mapstructure:"copy_sl"`
	CopyTP        *bool    `mapstructure:"copy_tp"`
	CopyPending   *bool    `mapstructure:"copy_pending"`
	ForceCopy     *bool    `mapstructure:"force_copy"`

	CopyPeriodEnabled *bool  `mapstructure:"copy_period_enabled"`
	ActiveFrom        string `mapstructure:"active_from"`
	ActiveTo          string `mapstructure:"active_to"`

	Symbols []rawSymbol    `mapstructure:"symbols"`
	Rest    map[string]any `mapstructure:",remain"`
}

type rawSymbol struct {
	Master string `mapstructure:"master"`
	Child  string `mapstructure:"child"`
}

// Load reads, migrates and validates the configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg := &Config{Pairs: make([]Pair, 0, len(raw.Pairs))}
	for _, rp := range raw.Pairs {
		cfg.Pairs = append(cfg.Pairs, resolvePair(rp))
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func resolvePair(rp rawPair) Pair {
	p := Pair{
		ID:             strings.TrimSpace(rp.ID),
		Enabled:        boolOr(rp.Enabled, true),
		MasterAccount:  rp.MasterAccount,
		MasterPassword: strings.TrimSpace(rp.MasterPassword),
		MasterServer:   strings.TrimSpace(rp.MasterServer),
		MasterTerminal: stripQuotes(rp.MasterTerminal),
	}
	for _, rc := range rp.Children {
		p.Children = append(p.Children, resolveChild(rp, rc))
	}
	return p
}

func resolveChild(rp rawPair, rc rawChild) Child {
	mode := CopyMode(strings.TrimSpace(rc.CopyMode))
	if mode == "" {
		mode = ModeNormal
	}

	c := Child{
		ID:       strings.TrimSpace(rc.ID),
		Enabled:  boolOr(rc.Enabled, true),
		Account:  rc.Account,
		Password: rc.Password,
		Server:   strings.TrimSpace(rc.Server),
		Terminal: stripQuotes(rc.Terminal),

		LotMultiplier: floatOr(rc.LotMultiplier, DefaultLotMultiplier),
		CopyMode:      mode,
		CopyClose:     boolOr(rc.CopyClose, true),
		CopySL:        boolOr(rc.CopySL, true),
		CopyTP:        boolOr(rc.CopyTP, true),
		CopyPending:   boolOr(rc.CopyPending, true),
		ForceCopy:     boolOr(rc.ForceCopy, false),

		CopyPeriodEnabled: boolOr(rc.CopyPeriodEnabled, false),
		ActiveFrom:        strings.TrimSpace(rc.ActiveFrom),
		ActiveTo:          strings.TrimSpace(rc.ActiveTo),
	}

	for _, m := range rc.Symbols {
		master := strings.TrimSpace(m.Master)
		child := strings.TrimSpace(m.Child)
		if master != "" && child != "" {
			c.Symbols = append(c.Symbols, SymbolMapping{Master: master, Child: child})
		}
	}

	migrateLegacySlots(rp, rc, &c)
	return c
}

// migrateLegacySlots folds the numbered master_symbol_N/child_symbol_N
// fields into the mapping list. The list format wins on conflicts; the
// slots exist only for configs written by old dashboard versions.
func migrateLegacySlots(rp rawPair, rc rawChild, c *Child) {
	for i := 1; i <= legacySymbolSlots; i++ {
		master := restString(rp.Rest, fmt.Sprintf("master_symbol_%d", i))
		if master == "" {
			master = restString(rc.Rest, fmt.Sprintf("master_symbol_%d", i))
		}
		child := restString(rc.Rest, fmt.Sprintf("child_symbol_%d", i))
		if master == "" || child == "" {
			continue
		}
		if _, ok := c.MapSymbol(master); ok {
			continue
		}
		c.Symbols = append(c.Symbols, SymbolMapping{Master: master, Child: child})
	}
}

func restString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func stripQuotes(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"'`)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil || *p <= 0 {
		return def
	}
	return *p
}
