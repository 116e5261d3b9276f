// ABOUTME: Immutable town lookup by ID and by bridge key
// ABOUTME: Duplicate IDs/keys are rejected at construction, before anything starts

package registry

import (
	"errors"
	"fmt"

	"github.com/2389/town-warden/internal/town"
)

// Lookup errors
var (
	ErrTownNotFound      = errors.New("town not found")
	ErrBridgeKeyNotFound = errors.New("no town for bridge key")
)

// Registry is the fleet's lookup table. Its maps are never written after
// New returns, so lookups need no locking.
type Registry struct {
	byID  map[string]town.Config
	byKey map[string]town.Config
	order []string
}

// New builds a registry from the loaded fleet. Duplicate town identifiers
// or bridge keys are configuration errors and fail construction.
func New(configs []town.Config) (*Registry, error) {
	r := &Registry{
		byID:  make(map[string]town.Config, len(configs)),
		byKey: make(map[string]town.Config, len(configs)),
		order: make([]string, 0, len(configs)),
	}

	for _, cfg := range configs {
		if existing, ok := r.byID[cfg.ID]; ok {
			return nil, fmt.Errorf("duplicate town id %q (also used by town %q)", cfg.ID, existing.Name)
		}
		if cfg.BridgeKey != "" {
			if existing, ok := r.byKey[cfg.BridgeKey]; ok {
				return nil, fmt.Errorf("town %q: duplicate bridge key %q (also used by town %q)",
					cfg.ID, cfg.BridgeKey, existing.ID)
			}
			r.byKey[cfg.BridgeKey] = cfg
		}
		r.byID[cfg.ID] = cfg
		r.order = append(r.order, cfg.ID)
	}

	return r, nil
}

// ByID returns the town with the given identifier.
func (r *Registry) ByID(id string) (town.Config, error) {
	cfg, ok := r.byID[id]
	if !ok {
		return town.Config{}, fmt.Errorf("%w: %q", ErrTownNotFound, id)
	}
	return cfg, nil
}

// ByBridgeKey returns the town owning the given bridge connection key.
func (r *Registry) ByBridgeKey(key string) (town.Config, error) {
	cfg, ok := r.byKey[key]
	if !ok {
		return town.Config{}, fmt.Errorf("%w: %q", ErrBridgeKeyNotFound, key)
	}
	return cfg, nil
}

// All returns the fleet in declaration order.
func (r *Registry) All() []town.Config {
	out := make([]town.Config, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Len returns the number of registered towns.
func (r *Registry) Len() int { return len(r.order) }
