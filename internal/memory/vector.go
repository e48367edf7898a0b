// Package memory implements the four-tier memory system: ephemeral
// key/value working state (L1), semantic chunk search (L2), structured
// fact tables (L3), and cold blob archive (L4), unified behind Router.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"
)

// searchVisible reports whether a search scoped to domain may return a
// chunk tagged chunkDomain. A SHARED-scoped search sees every domain;
// BI and CODE see themselves plus SHARED.
func searchVisible(domain, chunkDomain models.Domain) bool {
	return domain == models.DomainShared || domain.CanRead(chunkDomain)
}

// VectorRegistry holds named L2 drivers. Thread-safe.
type VectorRegistry struct {
	mu      sync.RWMutex
	drivers map[string]contracts.VectorDriver
}

// NewVectorRegistry creates an empty registry.
func NewVectorRegistry() *VectorRegistry {
	return &VectorRegistry{drivers: make(map[string]contracts.VectorDriver)}
}

// Register adds a driver under its kind. Overwrites if present.
func (r *VectorRegistry) Register(driver contracts.VectorDriver) {
	r.mu.Lock()
	r.drivers[driver.Kind()] = driver
	r.mu.Unlock()
	log.Info().Str("kind", driver.Kind()).Msg("vector driver registered")
}

// Get returns the driver by kind, or an error if not found.
func (r *VectorRegistry) Get(kind string) (contracts.VectorDriver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("vector driver not found: %s", kind)
	}
	return d, nil
}

// List returns registered driver kinds.
func (r *VectorRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.drivers))
	for kind := range r.drivers {
		kinds = append(kinds, kind)
	}
	return kinds
}

// HealthCheckAll pings every driver, errors keyed by kind.
func (r *VectorRegistry) HealthCheckAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	snapshot := make(map[string]contracts.VectorDriver, len(r.drivers))
	for k, v := range r.drivers {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(snapshot))
	for kind, driver := range snapshot {
		results[kind] = driver.HealthCheck(ctx)
	}
	return results
}
