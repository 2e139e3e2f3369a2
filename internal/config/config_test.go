package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "webproxy.conf")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadParsesDirectivesAndRoutes(t *testing.T) {
	path := writeTemp(t, `
# sample config
workers 4;
listen_port 9090;
max_body_bytes 2M;
route static /assets /var/www/assets;
route proxy /api api.internal:9000 auth:oauth;
`)

	rec, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Workers != 4 {
		t.Errorf("Workers = %d, want 4", rec.Workers)
	}
	if rec.ListenPort != 9090 {
		t.Errorf("ListenPort = %d, want 9090", rec.ListenPort)
	}
	if rec.MaxBodyBytes != 2<<20 {
		t.Errorf("MaxBodyBytes = %d, want %d", rec.MaxBodyBytes, 2<<20)
	}
	if len(rec.Routes) != 2 {
		t.Fatalf("len(Routes) = %d, want 2", len(rec.Routes))
	}
	if rec.Routes[0].Kind != Static || rec.Routes[0].LocalRoot != "/var/www/assets" {
		t.Errorf("Routes[0] = %+v", rec.Routes[0])
	}
	if rec.Routes[1].Kind != Proxy || rec.Routes[1].Host != "api.internal" || rec.Routes[1].Port != 9000 {
		t.Errorf("Routes[1] = %+v", rec.Routes[1])
	}
	if rec.Routes[1].Auth != AuthOAuthHMAC {
		t.Errorf("Routes[1].Auth = %v, want AuthOAuthHMAC", rec.Routes[1].Auth)
	}
}

func TestLoadRejectsDuplicatePrefix(t *testing.T) {
	path := writeTemp(t, `
route static /assets /var/www/a;
route static /assets /var/www/b;
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for duplicate route prefix")
	}
}

func TestLoadRejectsNoRoutes(t *testing.T) {
	path := writeTemp(t, `workers 2;`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error when no routes are configured")
	}
}

func TestLoadRejectsOversizeBody(t *testing.T) {
	path := writeTemp(t, `
max_body_bytes 11M;
route static / /var/www;
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for max_body_bytes above the 10 MiB cap")
	}
}

func TestAtobytesSuffixes(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"1024", 1024},
		{"1K", 1 << 10},
		{"4M", 4 << 20},
		{"1G", 1 << 30},
		{"2k", 2 << 10},
	}
	for _, c := range cases {
		got, err := atobytes([]string{c.in}, "test")
		if err != nil {
			t.Fatalf("atobytes(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("atobytes(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseRouteRejectsRelativePrefix(t *testing.T) {
	if _, err := parseRoute([]string{"static", "assets", "/var/www"}); err == nil {
		t.Fatal("parseRoute: want error for non-absolute prefix")
	}
}

func TestParseRouteRejectsBadProxyTarget(t *testing.T) {
	if _, err := parseRoute([]string{"proxy", "/api", "not-a-host-port"}); err == nil {
		t.Fatal("parseRoute: want error for proxy target without port")
	}
}
