package routing

import (
	"testing"

	"github.com/carlosrabelo/webproxy/internal/config"
)

func route(prefix string, kind config.RouteKind) config.Route {
	return config.Route{Kind: kind, Prefix: prefix}
}

func TestResolveLongestPrefixWins(t *testing.T) {
	r := NewResolver([]config.Route{
		route("/", config.Static),
		route("/api", config.Proxy),
		route("/api/v2", config.Proxy),
	})

	got, ok := r.Resolve("/api/v2/widgets")
	if !ok {
		t.Fatal("Resolve: want match")
	}
	if got.Prefix != "/api/v2" {
		t.Errorf("Prefix = %q, want /api/v2", got.Prefix)
	}
}

func TestResolveFallsBackToRoot(t *testing.T) {
	r := NewResolver([]config.Route{
		route("/", config.Static),
		route("/api", config.Proxy),
	})

	got, ok := r.Resolve("/index.html")
	if !ok {
		t.Fatal("Resolve: want match")
	}
	if got.Prefix != "/" {
		t.Errorf("Prefix = %q, want /", got.Prefix)
	}
}

func TestResolveDoesNotMatchSiblingPrefix(t *testing.T) {
	r := NewResolver([]config.Route{
		route("/api", config.Proxy),
	})

	if _, ok := r.Resolve("/apikey"); ok {
		t.Error("Resolve(/apikey): want no match against /api prefix")
	}
}

func TestResolveNoRoutesConfigured(t *testing.T) {
	r := NewResolver(nil)
	if _, ok := r.Resolve("/anything"); ok {
		t.Error("Resolve on empty table: want no match")
	}
}

func TestReloadSwapsTable(t *testing.T) {
	r := NewResolver([]config.Route{route("/old", config.Static)})

	if _, ok := r.Resolve("/old"); !ok {
		t.Fatal("Resolve(/old) before reload: want match")
	}

	r.Reload([]config.Route{route("/new", config.Static)})

	if _, ok := r.Resolve("/old"); ok {
		t.Error("Resolve(/old) after reload: want no match")
	}
	if _, ok := r.Resolve("/new"); !ok {
		t.Error("Resolve(/new) after reload: want match")
	}
}

func TestCount(t *testing.T) {
	r := NewResolver([]config.Route{route("/a", config.Static), route("/b", config.Proxy)})
	if r.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.Count())
	}
}
