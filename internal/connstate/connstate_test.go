package connstate

import (
	"bufio"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/carlosrabelo/webproxy/internal/admission"
	"github.com/carlosrabelo/webproxy/internal/auth"
	"github.com/carlosrabelo/webproxy/internal/config"
	"github.com/carlosrabelo/webproxy/internal/filecache"
	"github.com/carlosrabelo/webproxy/internal/proxyfwd"
	"github.com/carlosrabelo/webproxy/internal/reactor"
	"github.com/carlosrabelo/webproxy/internal/routing"
	"github.com/carlosrabelo/webproxy/internal/static"
)

func testDeps(t *testing.T, routes []config.Route) *Deps {
	t.Helper()
	forwarder, err := proxyfwd.New(proxyfwd.DefaultConfig())
	if err != nil {
		t.Fatalf("proxyfwd.New: %v", err)
	}
	return &Deps{
		Routes:  routing.NewResolver(routes),
		Auth:    auth.New(auth.NewCredentials(nil)),
		Static:  static.New(filecache.New(filecache.DefaultConfig())),
		Forward: forwarder,
		Admit:   admission.New(admission.DefaultConfig()),
	}
}

// dialedPair returns a connected client/server TCP pair, with the
// server side as the *net.TCPConn a Conn expects.
func dialedPair(t *testing.T) (server, client *net.TCPConn) {
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
	cliConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	srvConn := <-acceptCh
	return srvConn.(*net.TCPConn), cliConn.(*net.TCPConn)
}

func TestConnServesStaticRoute(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deps := testDeps(t, []config.Route{
		{Kind: config.Static, Prefix: "/", LocalRoot: root, Auth: config.AuthNone},
	})

	r, err := reactor.New(8)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer r.Close()

	server, client := dialedPair(t)
	defer client.Close()

	closed := make(chan struct{}, 1)
	_, err = New(server, r, deps, DefaultConfig(), func(*Conn) { closed <- struct{}{} })
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := client.Write([]byte("GET /index.html HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Wait(1000); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		select {
		case <-closed:
			client.SetReadDeadline(time.Now().Add(time.Second))
			resp, err := http.ReadResponse(bufio.NewReader(client), nil)
			if err != nil {
				t.Fatalf("ReadResponse: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != 200 {
				t.Fatalf("StatusCode = %d, want 200", resp.StatusCode)
			}
			return
		default:
		}
	}
	t.Fatal("timed out waiting for connection to close")
}

func TestConnRejectsUnknownRoute(t *testing.T) {
	deps := testDeps(t, []config.Route{
		{Kind: config.Static, Prefix: "/known", LocalRoot: t.TempDir(), Auth: config.AuthNone},
	})

	r, err := reactor.New(8)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer r.Close()

	server, client := dialedPair(t)
	defer client.Close()

	closed := make(chan struct{}, 1)
	_, err = New(server, r, deps, DefaultConfig(), func(*Conn) { closed <- struct{}{} })
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := client.Write([]byte("GET /missing HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Wait(1000); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		select {
		case <-closed:
			client.SetReadDeadline(time.Now().Add(time.Second))
			resp, err := http.ReadResponse(bufio.NewReader(client), nil)
			if err != nil {
				t.Fatalf("ReadResponse: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != 404 {
				t.Fatalf("StatusCode = %d, want 404", resp.StatusCode)
			}
			return
		default:
		}
	}
	t.Fatal("timed out waiting for connection to close")
}

func TestIdleSinceReflectsLastRead(t *testing.T) {
	deps := testDeps(t, []config.Route{{Kind: config.Static, Prefix: "/", LocalRoot: t.TempDir()}})

	r, err := reactor.New(8)
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer r.Close()

	server, client := dialedPair(t)
	defer client.Close()
	defer server.Close()

	cfg := DefaultConfig()
	cfg.IdleTimeout = 10 * time.Millisecond
	c, err := New(server, r, deps, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if c.IdleSince(time.Now()) {
		t.Fatal("IdleSince: want false immediately after New")
	}
	time.Sleep(20 * time.Millisecond)
	if !c.IdleSince(time.Now()) {
		t.Fatal("IdleSince: want true after IdleTimeout elapses")
	}
}
