package common

import (
	"sync"

	"github.com/YoshitsuguKoike/autolab/internal/app/config"
)

var (
	configMu     sync.RWMutex
	globalPolicy *config.Policy
)

// SetGlobalPolicy stores the loaded policy for command handlers
func SetGlobalPolicy(p *config.Policy) {
	configMu.Lock()
	defer configMu.Unlock()
	globalPolicy = p
}

// GetGlobalPolicy returns the loaded policy, falling back to defaults
// when commands run before the root PersistentPreRunE (tests mostly)
func GetGlobalPolicy() *config.Policy {
	configMu.RLock()
	defer configMu.RUnlock()
	if globalPolicy == nil {
		return config.Default()
	}
	return globalPolicy
}
