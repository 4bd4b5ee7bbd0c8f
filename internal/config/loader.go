package config

import "fmt"

// Loader re-reads the config file on every call so dashboard edits take
// effect on the next polling cycle without a process restart.
type Loader struct {
	path string
}

func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

func (l *Loader) Path() string { return l.path }

func (l *Loader) Load() (*Config, error) {
	return Load(l.path)
}

// Pair loads the file and returns the pair with the given id.
func (l *Loader) Pair(pairID string) (*Pair, error) {
	cfg, err := l.Load()
	if err != nil {
		return nil, err
	}
	p, ok := cfg.PairByID(pairID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPairNotFound, pairID)
	}
	return p, nil
}

// PairChild loads the file and returns both the pair and one of its children.
func (l *Loader) PairChild(pairID, childID string) (*Pair, *Child, error) {
	p, err := l.Pair(pairID)
	if err != nil {
		return nil, nil, err
	}
	c, ok := p.ChildByID(childID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q in pair %q", ErrChildNotFound, childID, pairID)
	}
	return p, c, nil
}
