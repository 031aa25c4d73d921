package backends

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/inokufu/ralph/internal/config"
)

// Factory builds an adapter from the loaded configuration.
type Factory func(cfg *config.Config, logger *zap.Logger) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes an adapter available to Open under the given name. Adapters
// register themselves from init; importing a backend package is enough.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("backends: duplicate registration of " + name)
	}
	registry[name] = f
}

// Names lists the registered adapter names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds the adapter selected by cfg.Backend.
func Open(cfg *config.Config, logger *zap.Logger) (Adapter, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Backend]
	registryMu.RUnlock()
	if !ok {
		return nil, Parameterf("unknown backend %q (registered: %v)", cfg.Backend, Names())
	}
	return f(cfg, logger)
}
