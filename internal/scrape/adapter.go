package scrape

import (
	"context"
	"fmt"
	"sync"

	"github.com/smartprice/price-watcher/internal/models"
)

// Adapter is the per-site-family fetch+parse capability. Fetch may fail with
// Network, Blocked, or Timeout; Parse may fail with LayoutChanged when the
// fields it expects are absent from otherwise-valid content.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, locator models.Locator) ([]byte, error)
	Parse(raw []byte, locator models.Locator) (models.PriceObservation, error)
}

// Registry maps site identifiers to adapter instances. Unknown sites fail
// fast at lookup, before any scheduling budget is spent on them.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds a site identifier to an adapter. Re-registering replaces.
func (r *Registry) Register(site string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[site] = a
}

// Lookup returns the adapter for a site, or an UnsupportedSite error.
func (r *Registry) Lookup(site string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[site]
	if !ok {
		return nil, models.NewScrapeError(models.ErrUnsupportedSite, "", site,
			fmt.Errorf("no adapter registered for site %q", site))
	}
	return a, nil
}

// Sites lists the registered site identifiers.
func (r *Registry) Sites() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sites := make([]string, 0, len(r.adapters))
	for site := range r.adapters {
		sites = append(sites, site)
	}
	return sites
}
