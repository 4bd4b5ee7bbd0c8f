package broker

import (
	"fmt"
	"sort"
	"sync"
)

// ConnectFunc opens a session against one terminal installation.
type ConnectFunc func(Settings) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]ConnectFunc{}
)

// Register installs a terminal binding under a name. Bindings are
// platform-specific (the MT5 terminal only runs on Windows) and register
// themselves from an init function behind a build tag.
func Register(name string, fn ConnectFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = fn
}

// Connect opens a session using the named binding.
func Connect(name string, s Settings) (Adapter, error) {
	registryMu.RLock()
	fn, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no broker binding registered for %q (available: %v)", name, names())
	}
	return fn(s)
}

func names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
