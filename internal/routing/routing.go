// Package routing resolves a request path to the route that should
// serve it (spec §4.E). The registration/lookup shape is adapted from
// the prefix-match Router in carlosrabelo-karoo/core/internal/routing,
// which keeps a mutex-guarded table mutated at startup and read on
// every request; here the table holds route descriptors instead of
// client connections and resolution is longest-prefix instead of
// broadcast-to-all.
package routing

import (
	"sort"
	"strings"
	"sync"

	"github.com/carlosrabelo/webproxy/internal/config"
)

// Resolver holds an immutable, longest-prefix-first route table.
type Resolver struct {
	mu     sync.RWMutex
	routes []config.Route // sorted by descending prefix length
}

// NewResolver builds a Resolver from the routes in a loaded config
// Record. Routes are copied and sorted once; lookups never allocate.
func NewResolver(routes []config.Route) *Resolver {
	r := &Resolver{}
	r.Reload(routes)
	return r
}

// Resolve returns the route whose prefix is the longest match for
// path, and whether any route matched at all.
func (r *Resolver) Resolve(path string) (config.Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, route := range r.routes {
		if matchesPrefix(path, route.Prefix) {
			return route, true
		}
	}
	return config.Route{}, false
}

// matchesPrefix treats "/" as matching every path, and any other
// prefix as matching itself or anything nested under it; "/api" does
// not match "/apikey" so two sibling routes never cross-match.
func matchesPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/'
}

// Reload atomically swaps the route table; Worker.Reload calls it.
func (r *Resolver) Reload(routes []config.Route) {
	sorted := make([]config.Route, len(routes))
	copy(sorted, routes)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})

	r.mu.Lock()
	r.routes = sorted
	r.mu.Unlock()
}

// Count reports how many routes are currently registered.
func (r *Resolver) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}
