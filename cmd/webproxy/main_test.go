package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadConfigWithoutCredentials(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "webproxy.conf", "listen_port 8080\nroute static / "+dir+"\n")

	rec, creds, err := loadConfig(cfgPath, "")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if rec.ListenPort != 8080 {
		t.Errorf("ListenPort = %d, want 8080", rec.ListenPort)
	}
	if len(creds) != 0 {
		t.Errorf("creds = %v, want empty", creds)
	}
}

func TestLoadConfigWithCredentials(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "webproxy.conf", "listen_port 8080\nroute static / "+dir+"\n")
	credPath := writeFile(t, dir, "credentials.conf",
		"[demo]\napp_secret = s3cr3t\nallowed_urls = /api/*\nrate_limit = 10\n")

	_, creds, err := loadConfig(cfgPath, credPath)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	cred, ok := creds["demo"]
	if !ok {
		t.Fatal(`creds["demo"] missing`)
	}
	if cred.AppSecret != "s3cr3t" {
		t.Errorf("AppSecret = %q, want %q", cred.AppSecret, "s3cr3t")
	}
}

func TestLoadConfigMissingFileFails(t *testing.T) {
	if _, _, err := loadConfig("/nonexistent/webproxy.conf", ""); err == nil {
		t.Fatal("loadConfig with missing file succeeded, want error")
	}
}
