package crawler

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps site names to implementations.
type Registry struct {
	mu    sync.RWMutex
	sites map[string]Site
}

func NewRegistry() *Registry {
	return &Registry{sites: make(map[string]Site)}
}

// Register adds site. Names must be unique.
func (r *Registry) Register(site Site) error {
	name := site.Name()
	if name == "" {
		return fmt.Errorf("crawler: site has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sites[name]; ok {
		return fmt.Errorf("crawler: site %q already registered", name)
	}
	r.sites[name] = site
	return nil
}

func (r *Registry) Get(name string) (Site, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	site, ok := r.sites[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSite, name)
	}
	return site, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sites))
	for name := range r.sites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
