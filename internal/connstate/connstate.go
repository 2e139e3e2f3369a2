// Package connstate implements the per-connection state machine the
// worker's reactor drives (spec §4.C): accumulate bytes from a
// non-blocking socket until httpparse reports a complete request,
// resolve and authenticate it, dispatch to the static responder or
// the proxy forwarder, write the response and close. This worker
// never keeps a connection alive past one request — see DESIGN.md's
// keep-alive decision — so every dispatch path ends in closeConn.
//
// Idle eviction and the pre-handshake/post-handshake timeout split are
// grounded on carlosrabelo-karoo's ClientLoop idle-timeout discipline
// (carlosrabelo-karoo/core/internal/proxy.ClientLoop), adapted to a
// single timeout since this worker has no handshake phase of its own.
package connstate

import (
	"context"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/carlosrabelo/webproxy/internal/accesslog"
	"github.com/carlosrabelo/webproxy/internal/admission"
	"github.com/carlosrabelo/webproxy/internal/auth"
	"github.com/carlosrabelo/webproxy/internal/bufpool"
	"github.com/carlosrabelo/webproxy/internal/config"
	"github.com/carlosrabelo/webproxy/internal/httpparse"
	"github.com/carlosrabelo/webproxy/internal/metrics"
	"github.com/carlosrabelo/webproxy/internal/proxyfwd"
	"github.com/carlosrabelo/webproxy/internal/reactor"
	"github.com/carlosrabelo/webproxy/internal/routing"
	"github.com/carlosrabelo/webproxy/internal/static"
	apperrors "github.com/carlosrabelo/webproxy/pkg/errors"
)

// Config bounds one connection's lifetime and buffering.
type Config struct {
	ReadBufferSize int
	MaxBodyBytes   uint64
	IdleTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReadBufferSize: 16 * 1024,
		MaxBodyBytes:   10 << 20,
		IdleTimeout:    30 * time.Second,
	}
}

// Deps are the shared, reload-capable components a Conn dispatches a
// parsed request to. All fields are read concurrently by many Conns
// and must tolerate that; each already does (Resolver, Authenticator
// and the caches they front are all safe for concurrent reload).
type Deps struct {
	Routes  *routing.Resolver
	Auth    *auth.Authenticator
	Static  *static.Responder
	Forward *proxyfwd.Forwarder
	Admit   *admission.Controller
	Metrics *metrics.Collector
	Access  *accesslog.Logger
	Pool    *bufpool.Pool
}

// CloseFunc is invoked once, exactly when a Conn tears itself down, so
// the owner (the worker) can release admission slots and bookkeeping
// without Conn importing the worker package.
type CloseFunc func(c *Conn)

// Conn drives one accepted socket through read, parse, dispatch and
// close. It implements reactor.Handler: HandleEvent runs on whatever
// goroutine the worker's Reactor.Wait loop calls it from.
type Conn struct {
	conn   *net.TCPConn
	raw    syscall.RawConn
	fd     int
	react  *reactor.Reactor
	handle *reactor.Handle
	deps   *Deps
	cfg    Config
	onClose CloseFunc

	mu       sync.Mutex
	buf      []byte
	lastSeen time.Time
	closed   bool
}

// New registers conn with r for readable events and returns the Conn
// driving it. conn must be a *net.TCPConn since the reactor needs the
// raw file descriptor; a non-TCP conn is a programmer error at the
// call site (the worker only accepts from a net.Listener on "tcp").
func New(conn net.Conn, r *reactor.Reactor, deps *Deps, cfg Config, onClose CloseFunc) (*Conn, error) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, apperrors.New(apperrors.Internal, "connstate: conn is not *net.TCPConn")
	}
	raw, err := tcp.SyscallConn()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "connstate: SyscallConn failed", err)
	}

	var fd int
	if ctrlErr := raw.Control(func(p uintptr) { fd = int(p) }); ctrlErr != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "connstate: Control failed", ctrlErr)
	}

	c := &Conn{
		conn:     tcp,
		raw:      raw,
		fd:       fd,
		react:    r,
		deps:     deps,
		cfg:      cfg,
		onClose:  onClose,
		lastSeen: time.Now(),
		buf:      make([]byte, 0, cfg.ReadBufferSize),
	}

	handle, err := r.Register(fd, reactor.Readable, c)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "connstate: Register failed", err)
	}
	c.handle = handle
	return c, nil
}

// LastSeen reports when this connection last made read progress, for
// the worker's idle-eviction sweep.
func (c *Conn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// IdleSince reports whether the connection has been idle for at least
// cfg.IdleTimeout as of now.
func (c *Conn) IdleSince(now time.Time) bool {
	return now.Sub(c.LastSeen()) >= c.cfg.IdleTimeout
}

// RemoteAddr exposes the peer address for admission bookkeeping.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// HandleEvent implements reactor.Handler. A Closed event or a
// zero-length read tears the connection down; a Readable event drains
// whatever is available and attempts to parse a request from it.
func (c *Conn) HandleEvent(ev reactor.Event) {
	if ev.Mask&reactor.Closed != 0 {
		c.closeConn()
		return
	}
	if ev.Mask&reactor.Readable != 0 {
		c.readAndProcess()
	}
}

// readAndProcess drains the socket edge-triggered-style: loop reading
// until EAGAIN or a short read, since the reactor backends register
// with edge triggering and won't fire again until the fd transitions
// from not-ready to ready.
func (c *Conn) readAndProcess() {
	var chunk []byte
	if c.deps.Pool != nil {
		chunk = c.deps.Pool.Get(c.cfg.ReadBufferSize)
		defer c.deps.Pool.Put(chunk)
	} else {
		chunk = make([]byte, c.cfg.ReadBufferSize)
	}
	for {
		var n int
		var readErr error
		ctrlErr := c.raw.Read(func(fd uintptr) bool {
			n, readErr = unix.Read(int(fd), chunk)
			return readErr != unix.EAGAIN
		})
		if ctrlErr != nil {
			c.fail(apperrors.Wrap(apperrors.Internal, "read control failed", ctrlErr))
			return
		}
		if readErr == unix.EAGAIN {
			break
		}
		if readErr == unix.EINTR {
			continue
		}
		if readErr != nil {
			c.closeConn()
			return
		}
		if n == 0 {
			c.closeConn()
			return
		}

		c.mu.Lock()
		c.buf = append(c.buf, chunk[:n]...)
		c.lastSeen = time.Now()
		buffered := len(c.buf)
		c.mu.Unlock()

		if buffered > httpparse.MaxHeaderBytes+int(c.cfg.MaxBodyBytes) {
			c.fail(apperrors.New(apperrors.Oversize, "request exceeds combined header/body limit"))
			return
		}
		if n < len(chunk) {
			break
		}
	}
	c.tryParse()
}

func (c *Conn) tryParse() {
	c.mu.Lock()
	buf := c.buf
	c.mu.Unlock()

	req, status, err := httpparse.Parse(buf, c.cfg.MaxBodyBytes)
	switch status {
	case httpparse.NeedMoreData:
		return
	case httpparse.Malformed:
		c.fail(err)
	case httpparse.Complete:
		c.dispatch(req)
	}
}

// dispatch resolves, authenticates and serves one parsed request, then
// always closes the connection: this worker forces Connection: close
// on every response (see DESIGN.md).
func (c *Conn) dispatch(req *httpparse.Request) {
	start := time.Now()

	route, ok := c.deps.Routes.Resolve(req.Path)
	if !ok {
		c.finish(req, start, 200, apperrors.New(apperrors.RouteNotFound, "no route matches path"), "")
		return
	}

	if route.Auth == config.AuthOAuthHMAC {
		if err := c.deps.Auth.Authenticate(req, req.Path); err != nil {
			if c.deps.Metrics != nil {
				c.deps.Metrics.RecordAuthFailure()
			}
			c.finish(req, start, 200, err, route.Prefix)
			return
		}
	}

	var err error
	status := 200
	switch route.Kind {
	case config.Static:
		fullPath, rerr := static.Resolve(route.LocalRoot, req.Path)
		if rerr != nil {
			err = rerr
			break
		}
		err = c.deps.Static.Serve(c.conn, fullPath, charsetOrDefault(route.Charset))
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		status, err = c.deps.Forward.Forward(ctx, route, req, c.RemoteAddr(), c.conn)
		cancel()
	}

	c.finish(req, start, status, err, route.Prefix)
}

// finish records metrics and an access-log entry for one dispatched
// request, then writes an error response and closes (on err) or just
// closes (on success). Every dispatch path funnels through here so
// accounting never depends on which branch served the request.
// status is what the serving branch actually observed (200 for static
// and auth/route failures computed below, the upstream's parsed status
// for a proxied request); err, when non-nil, always wins.
func (c *Conn) finish(req *httpparse.Request, start time.Time, status int, err error, routePrefix string) {
	if err != nil {
		status = 500
		if ae, ok := err.(*apperrors.AppError); ok {
			status = ae.StatusCode()
		}
	}

	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordRequest(status, time.Since(start), 0, uint64(req.ConsumedLen))
	}
	if c.deps.Access != nil {
		c.deps.Access.Write(accesslog.Entry{
			RemoteAddr: accesslog.RemoteIP(c.RemoteAddr()),
			Method:     req.Method.String(),
			Path:       req.Path,
			Status:     status,
			Duration:   time.Since(start),
			Route:      routePrefix,
		})
	}

	if err != nil {
		writeErrorResponse(c.conn, err)
	}
	c.closeConn()
}

func charsetOrDefault(charset string) string {
	if charset == "" {
		return "utf-8"
	}
	return charset
}

func (c *Conn) fail(err error) {
	writeErrorResponse(c.conn, err)
	c.closeConn()
}

// writeErrorResponse writes a small styled HTML error page mapping
// err's taxonomy code to the status table in spec §7, carrying the
// same security headers every error response gets (spec §6). Best
// effort: a write failure here just means the peer already went away.
func writeErrorResponse(w io.Writer, err error) {
	status := 500
	reason := "Internal Server Error"
	if ae, ok := err.(*apperrors.AppError); ok {
		status = ae.StatusCode()
		reason = statusReason(status)
	}
	body := "<!doctype html><html><head><title>" + itoa(status) + " " + reason +
		"</title></head><body><h1>" + itoa(status) + " " + reason + "</h1></body></html>"

	_, _ = io.WriteString(w, "HTTP/1.1 "+itoa(status)+" "+reason+"\r\n"+
		"Server: "+static.ServerHeader+"\r\n"+
		"Date: "+time.Now().UTC().Format(time.RFC1123)+"\r\n"+
		"Content-Type: text/html; charset=utf-8\r\n"+
		"Content-Length: "+itoa(len(body))+"\r\n"+
		"Content-Security-Policy: default-src 'self'; style-src 'self' 'unsafe-inline'\r\n"+
		"X-Frame-Options: DENY\r\n"+
		"X-Content-Type-Options: nosniff\r\n"+
		"X-XSS-Protection: 1; mode=block\r\n"+
		"Referrer-Policy: strict-origin-when-cross-origin\r\n"+
		"Connection: close\r\n\r\n"+body)
}

func statusReason(status int) string {
	switch status {
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 413:
		return "Payload Too Large"
	case 414:
		return "URI Too Long"
	case 502:
		return "Bad Gateway"
	case 504:
		return "Gateway Timeout"
	default:
		return "Internal Server Error"
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// CloseIdle tears the connection down from outside the reactor
// callback path: the worker's idle sweep and its SIGQUIT immediate
// stop both call this directly on connections that never produced a
// complete request.
func (c *Conn) CloseIdle() {
	c.closeConn()
}

func (c *Conn) closeConn() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.react != nil {
		_ = c.react.Deregister(c.fd)
	}
	_ = c.conn.Close()
	if c.onClose != nil {
		c.onClose(c)
	}
}
