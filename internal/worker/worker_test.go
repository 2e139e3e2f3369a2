package worker

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/carlosrabelo/webproxy/internal/admission"
	"github.com/carlosrabelo/webproxy/internal/config"
)

func testRecord(t *testing.T, root string) *config.Record {
	t.Helper()
	rec := config.Defaults()
	rec.ListenPort = 0
	rec.Routes = []config.Route{
		{Kind: config.Static, Prefix: "/", LocalRoot: root, Auth: config.AuthNone},
	}
	return &rec
}

func newTestWorker(t *testing.T) (*Worker, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	w, err := New(testRecord(t, dir), map[string]config.Credential{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, dir
}

func TestWorkerServesStaticRoute(t *testing.T) {
	w, _ := newTestWorker(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	addr := w.Addr().String()
	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/index.html")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		cancel()
		<-done
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestWorkerAdmitRejectsOverConnectionCap(t *testing.T) {
	dir := t.TempDir()
	rec := testRecord(t, dir)
	rec.PerIPMaxConnections = 1
	w, err := New(rec, map[string]config.Credential{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	if d := w.deps.Admit.Admit(addr, time.Now()); d != admission.Admitted {
		t.Fatalf("first Admit = %v, want Admitted", d)
	}
	if d := w.deps.Admit.Admit(addr, time.Now()); d != admission.RejectedConnectionCap {
		t.Errorf("second Admit = %v, want RejectedConnectionCap", d)
	}
}

func TestWorkerTickSweepsIdleConnections(t *testing.T) {
	w, _ := newTestWorker(t)
	w.connCfg.IdleTimeout = 1 * time.Millisecond

	server, client := dialedPairForWorker(t)
	defer client.Close()

	w.admit(server)
	if w.connCount() != 1 {
		t.Fatalf("connCount after admit = %d, want 1", w.connCount())
	}

	time.Sleep(5 * time.Millisecond)
	w.tick()

	if w.connCount() != 0 {
		t.Errorf("connCount after sweep = %d, want 0", w.connCount())
	}
}

func dialedPairForWorker(t *testing.T) (server, client *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	cl, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	sv := <-acceptCh
	return sv.(*net.TCPConn), cl.(*net.TCPConn)
}
