package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/meridiankb/meridian/internal/services/sync/domain/event"
	"github.com/meridiankb/meridian/internal/services/sync/domain/tenant"
	"github.com/meridiankb/meridian/internal/services/sync/migrator"
	"github.com/meridiankb/meridian/internal/services/sync/projection"
	syncsqlite "github.com/meridiankb/meridian/internal/services/sync/storage/sqlite"
)

// tenantProvisioner backs tier migrations with per-tenant SQLite databases
// under a data directory. Provisioning the same location twice reuses the
// open store, so a restarted migration picks up its replica.
type tenantProvisioner struct {
	dir  string
	logf func(string, ...any)

	mu   sync.Mutex
	open map[string]*syncsqlite.Store
}

func newTenantProvisioner(dir string, logf func(string, ...any)) *tenantProvisioner {
	return &tenantProvisioner{
		dir:  dir,
		logf: logf,
		open: make(map[string]*syncsqlite.Store),
	}
}

func (p *tenantProvisioner) locationPath(tenantID string, tier tenant.Tier) string {
	return filepath.Join(p.dir, fmt.Sprintf("%s_%s.sqlite", tenantID, tier))
}

// Provision opens the tenant's replica database and returns an applier that
// mirrors the stream into it.
func (p *tenantProvisioner) Provision(_ context.Context, tenantID string, tier tenant.Tier) (projection.Applier, error) {
	path := p.locationPath(tenantID, tier)

	p.mu.Lock()
	defer p.mu.Unlock()
	store, ok := p.open[path]
	if !ok {
		opened, err := syncsqlite.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open tenant location %s: %w", path, err)
		}
		store = opened
		p.open[path] = store
		p.logf("provisioned %s location for tenant %s at %s", tier, tenantID, path)
	}

	return projection.ApplierFunc(func(ctx context.Context, evt event.Event) error {
		return store.ImportEvent(ctx, evt)
	}), nil
}

// Reclaim closes and removes the tenant's database at the given tier.
func (p *tenantProvisioner) Reclaim(_ context.Context, tenantID string, tier tenant.Tier) error {
	path := p.locationPath(tenantID, tier)

	p.mu.Lock()
	if store, ok := p.open[path]; ok {
		delete(p.open, path)
		if err := store.Close(); err != nil {
			p.logf("close tenant location %s: %v", path, err)
		}
	}
	p.mu.Unlock()

	// The row_level tier lives in the shared store; there is no per-tenant
	// file to remove.
	if tier == tenant.TierRowLevel {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove tenant location %s: %w", path, err)
	}
	return nil
}

func (p *tenantProvisioner) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for path, store := range p.open {
		if err := store.Close(); err != nil {
			p.logf("close tenant location %s: %v", path, err)
		}
		delete(p.open, path)
	}
}

var _ migrator.Provisioner = (*tenantProvisioner)(nil)
