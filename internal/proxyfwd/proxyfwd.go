// Package proxyfwd implements the reverse-proxy forwarder (spec
// §4.I): dial the upstream, rewrite hop-by-hop headers, write the
// request upstream and then copy the upstream's response back to the
// client on the caller's goroutine (when the caller is a reactor
// callback, the reactor dispatches nothing else until the copy ends),
// and classify dial failures into the client-facing status codes spec §7
// distinguishes (502 for DNS/connect failure, 504 for a dial that
// times out).
//
// Dialing and backoff are adapted from carlosrabelo-karoo's
// connection.Upstream.Dial/Backoff
// (carlosrabelo-karoo/core/internal/connection), generalized from a
// single long-lived Stratum connection to a short-lived per-request
// dial; the optional SOCKS5 egress path is carlosrabelo-karoo's
// internal/proxysocks used directly.
package proxyfwd

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/carlosrabelo/webproxy/internal/accesslog"
	"github.com/carlosrabelo/webproxy/internal/config"
	"github.com/carlosrabelo/webproxy/internal/httpparse"
	"github.com/carlosrabelo/webproxy/internal/proxysocks"
	apperrors "github.com/carlosrabelo/webproxy/pkg/errors"
)

// Config controls how the forwarder dials and times out upstreams.
type Config struct {
	DialTimeout  time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	UpstreamTLS  bool
	InsecureTLS  bool
	SocksProxy   proxysocks.Config
}

func DefaultConfig() Config {
	return Config{
		DialTimeout: 5 * time.Second,
		BackoffMin:  50 * time.Millisecond,
		BackoffMax:  2 * time.Second,
	}
}

// Forwarder dials one upstream per request and relays bytes.
type Forwarder struct {
	cfg    Config
	dialer *proxysocks.ProxyDialer
}

func New(cfg Config) (*Forwarder, error) {
	dialer, err := proxysocks.NewProxyDialer(&cfg.SocksProxy)
	if err != nil {
		return nil, fmt.Errorf("proxyfwd: %w", err)
	}
	return &Forwarder{cfg: cfg, dialer: dialer}, nil
}

// dial connects to route's upstream, classifying the failure into a
// taxonomy code the connection state machine maps to a status.
func (f *Forwarder) dial(ctx context.Context, route config.Route) (net.Conn, error) {
	addr := net.JoinHostPort(route.Host, strconv.Itoa(int(route.Port)))

	ctx, cancel := context.WithTimeout(ctx, f.cfg.DialTimeout)
	defer cancel()

	conn, err := f.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apperrors.Wrap(apperrors.UpstreamTimeout, "dial timed out", err)
		}
		return nil, apperrors.Wrap(apperrors.UpstreamFailed, "dial failed", err)
	}

	if f.cfg.UpstreamTLS {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         route.Host,
			InsecureSkipVerify: f.cfg.InsecureTLS,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, apperrors.Wrap(apperrors.UpstreamFailed, "TLS handshake failed", err)
		}
		return tlsConn, nil
	}
	return conn, nil
}

// hopByHopHeaders are stripped from the client's request before it is
// forwarded upstream; the upstream's response is relayed unchanged.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"content-encoding":    true,
	"upgrade":             true,
}

// Forward dials route's upstream, writes the rewritten request, then
// copies the upstream's response back onto w. The copy runs
// synchronously on the calling goroutine until the upstream closes or
// fails; called from a reactor callback, as connstate does, it holds up
// every other connection's readiness dispatch for that long. It returns the upstream's status
// code, parsed from just the first response line, so the caller can
// record what the upstream actually returned instead of assuming 200.
func (f *Forwarder) Forward(ctx context.Context, route config.Route, req *httpparse.Request, clientAddr net.Addr, w io.Writer) (int, error) {
	conn, err := f.dial(ctx, route)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := writeRequest(conn, route, req, clientAddr); err != nil {
		return 0, apperrors.Wrap(apperrors.UpstreamFailed, "failed writing to upstream", err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		return 0, apperrors.Wrap(apperrors.UpstreamFailed, "failed reading upstream response", err)
	}
	status, serr := parseStatusLine(statusLine)
	if serr != nil {
		return 0, serr
	}

	if _, err := io.WriteString(w, statusLine); err != nil {
		return status, apperrors.Wrap(apperrors.UpstreamFailed, "failed relaying upstream response", err)
	}
	if _, err := io.Copy(w, br); err != nil {
		return status, apperrors.Wrap(apperrors.UpstreamFailed, "failed relaying upstream response", err)
	}
	return status, nil
}

// parseStatusLine extracts the status code from an upstream's
// "HTTP/1.x NNN reason" line without otherwise touching the line, so
// the caller can still relay it to the client byte-for-byte.
func parseStatusLine(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, apperrors.New(apperrors.UpstreamFailed, "malformed upstream status line")
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, apperrors.New(apperrors.UpstreamFailed, "malformed upstream status line")
	}
	return code, nil
}

func writeRequest(w io.Writer, route config.Route, req *httpparse.Request, clientAddr net.Addr) error {
	bw := bufio.NewWriter(w)

	target := strings.TrimPrefix(req.Path, route.Prefix)
	if target == "" || target[0] != '/' {
		target = "/" + target
	}
	if req.Query != "" {
		target += "?" + req.Query
	}

	version := req.Version
	if version == "" {
		version = "HTTP/1.1"
	}
	if _, err := fmt.Fprintf(bw, "%s %s %s\r\n", req.Method, target, version); err != nil {
		return err
	}

	hostWritten := false
	originalHost := route.Host
	forwardedFor := ""
	for _, h := range req.Headers {
		switch lower(h.Name) {
		case "host":
			originalHost = h.Value
		case "x-forwarded-for":
			forwardedFor = h.Value
		}
	}

	for _, h := range req.Headers {
		if hopByHopHeaders[lower(h.Name)] {
			continue
		}
		if lower(h.Name) == "host" {
			hostWritten = true
		}
		if _, err := fmt.Fprintf(bw, "%s: %s\r\n", h.Name, h.Value); err != nil {
			return err
		}
	}
	if !hostWritten {
		if _, err := fmt.Fprintf(bw, "Host: %s\r\n", route.Host); err != nil {
			return err
		}
	}

	if forwardedFor == "" && clientAddr != nil {
		forwardedFor = accesslog.RemoteIP(clientAddr)
	}
	if forwardedFor != "" {
		if _, err := fmt.Fprintf(bw, "X-Forwarded-For: %s\r\n", forwardedFor); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(bw, "X-Forwarded-Host: %s\r\n", originalHost); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(bw, "Connection: close\r\n\r\n"); err != nil {
		return err
	}
	if len(req.Body) > 0 {
		if _, err := bw.Write(req.Body); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

// Backoff computes a jittered retry delay: min times 1, 2, 4 or 8,
// capped at max, plus up to 249ms of jitter, so the result is never
// below min but can exceed max. Nothing in this package retries a
// failed dial (adapted from connection.Backoff).
func Backoff(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	mul := 1 << (rand.Intn(4)) // 1,2,4,8
	d := time.Duration(int64(min) * int64(mul))
	if d > max {
		d = max
	}
	return d + time.Duration(rand.Intn(250))*time.Millisecond
}
