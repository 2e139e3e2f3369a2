// Package worker wires the reactor, admission controller, route
// resolver, authenticator, static responder, proxy forwarder, file
// cache, metrics collector and access log into the single-process
// event loop spec §4.J describes: install signal handlers, register
// the listener with the reactor, run the reactor loop with a tick
// interval, and support SIGTERM graceful drain / SIGQUIT immediate
// stop. SIGHUP is logged and reloads nothing; routes and credentials
// change only when Reload is called directly.
//
// The accept-batch/signal/tick shape is grounded on carlosrabelo-karoo's
// Proxy.AcceptLoop and ReportLoop
// (carlosrabelo-karoo/core/internal/proxy.go), generalized from a
// single long-lived Stratum listener to a per-request HTTP listener
// and from a goroutine-per-client model to reactor dispatch.
package worker

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/carlosrabelo/webproxy/internal/accesslog"
	"github.com/carlosrabelo/webproxy/internal/admission"
	"github.com/carlosrabelo/webproxy/internal/auth"
	"github.com/carlosrabelo/webproxy/internal/bufpool"
	"github.com/carlosrabelo/webproxy/internal/config"
	"github.com/carlosrabelo/webproxy/internal/connstate"
	"github.com/carlosrabelo/webproxy/internal/filecache"
	"github.com/carlosrabelo/webproxy/internal/metrics"
	"github.com/carlosrabelo/webproxy/internal/proxyfwd"
	"github.com/carlosrabelo/webproxy/internal/reactor"
	"github.com/carlosrabelo/webproxy/internal/routing"
	"github.com/carlosrabelo/webproxy/internal/static"
	"github.com/carlosrabelo/webproxy/pkg/logger"
)

// acceptBatch bounds how many pending connections one readiness event
// drains (spec §4.J: "batch-accept up to 100 fds per readiness").
const acceptBatch = 100

// drainTimeout bounds how long a graceful SIGTERM drain waits for
// active connections to finish before the worker exits anyway.
const drainTimeout = 30 * time.Second

// Worker owns the listener, the reactor, and every live connection.
type Worker struct {
	rec  *config.Record
	log  zerolog.Logger
	ln   *net.TCPListener
	react *reactor.Reactor

	routes *routing.Resolver
	deps   *connstate.Deps
	cache  *filecache.Cache
	pool   *bufpool.Pool
	access *accesslog.Logger
	Metrics *metrics.Collector

	connCfg connstate.Config

	mu    sync.Mutex
	conns map[*connstate.Conn]struct{}

	tickCount int
}

// New builds a Worker from a validated config Record and credential
// store, but does not start listening or serving yet; call Run.
func New(rec *config.Record, creds map[string]config.Credential) (*Worker, error) {
	react, err := reactor.New(rec.EventBatchSize)
	if err != nil {
		return nil, err
	}

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: int(rec.ListenPort)})
	if err != nil {
		react.Close()
		return nil, err
	}

	routes := routing.NewResolver(rec.Routes)
	cache := filecache.New(filecache.DefaultConfig())

	w := &Worker{
		rec:    rec,
		log:    logger.Component("worker"),
		ln:     ln,
		react:  react,
		routes: routes,
		cache:  cache,
		pool:   bufpool.New(rec.MemoryPoolBytes),
		access: accesslog.New(),
		Metrics: metrics.NewCollector(),
		conns:  make(map[*connstate.Conn]struct{}),
		connCfg: connstate.Config{
			ReadBufferSize: 16 * 1024,
			MaxBodyBytes:   rec.MaxBodyBytes,
			IdleTimeout:    time.Duration(rec.IdleTimeoutSeconds) * time.Second,
		},
	}

	forwarder, err := proxyfwd.New(proxyfwd.DefaultConfig())
	if err != nil {
		react.Close()
		ln.Close()
		return nil, err
	}

	w.deps = &connstate.Deps{
		Routes:  routes,
		Auth:    auth.New(auth.NewCredentials(creds)),
		Static:  static.New(cache),
		Forward: forwarder,
		Admit: admission.New(admission.Config{
			MaxConnections: rec.PerIPMaxConnections,
			RPSLimit:       rec.PerIPRPSLimit,
			BurstLimit:     rec.PerIPBurstLimit,
		}),
		Metrics: w.Metrics,
		Access:  w.access,
		Pool:    w.pool,
	}

	lfd, err := listenerFD(ln)
	if err != nil {
		react.Close()
		ln.Close()
		return nil, err
	}
	if _, err := react.Register(lfd, reactor.Readable, &listenerHandler{w: w}); err != nil {
		react.Close()
		ln.Close()
		return nil, err
	}

	return w, nil
}

// Addr returns the listener's bound address, useful when ListenPort
// is 0 (ephemeral port, used by tests).
func (w *Worker) Addr() net.Addr {
	return w.ln.Addr()
}

// listenerFD extracts the raw fd backing ln so it can be registered
// with the reactor the same way connstate registers a connection fd.
func listenerFD(ln *net.TCPListener) (int, error) {
	raw, err := ln.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	ctrlErr := raw.Control(func(p uintptr) { fd = int(p) })
	return fd, ctrlErr
}

type listenerHandler struct{ w *Worker }

func (h *listenerHandler) HandleEvent(reactor.Event) {
	h.w.acceptBatch()
}

// acceptBatch drains up to acceptBatch pending connections. A zero
// accept deadline makes AcceptTCP return immediately with
// ErrDeadlineExceeded once the backlog is empty, which this loop
// treats as "no more work for this readiness edge" rather than an
// error worth logging.
func (w *Worker) acceptBatch() {
	for i := 0; i < acceptBatch; i++ {
		_ = w.ln.SetDeadline(time.Now())
		conn, err := w.ln.AcceptTCP()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return
			}
			w.log.Warn().Err(err).Msg("accept failed")
			return
		}
		w.admit(conn)
	}
}

func (w *Worker) admit(conn *net.TCPConn) {
	decision := w.deps.Admit.Admit(conn.RemoteAddr(), time.Now())
	if decision != admission.Admitted {
		w.Metrics.RecordAdmissionRejection()
		_ = conn.Close()
		return
	}

	c, err := connstate.New(conn, w.react, w.deps, w.connCfg, w.onConnClosed)
	if err != nil {
		w.deps.Admit.Release(conn.RemoteAddr())
		_ = conn.Close()
		return
	}

	w.Metrics.IncrementConnections()
	w.mu.Lock()
	w.conns[c] = struct{}{}
	w.mu.Unlock()
}

func (w *Worker) onConnClosed(c *connstate.Conn) {
	w.deps.Admit.Release(c.RemoteAddr())
	w.Metrics.DecrementConnections()
	w.mu.Lock()
	delete(w.conns, c)
	w.mu.Unlock()
}

func (w *Worker) connCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conns)
}

// sweepIdleConns closes connections that received a partial request
// and then went silent past the configured idle timeout.
func (w *Worker) sweepIdleConns() {
	now := time.Now()
	w.mu.Lock()
	idle := make([]*connstate.Conn, 0)
	for c := range w.conns {
		if c.IdleSince(now) {
			idle = append(idle, c)
		}
	}
	w.mu.Unlock()

	for _, c := range idle {
		c.CloseIdle()
	}
}

// Run installs signal handlers and drives the reactor loop until ctx
// is cancelled or SIGTERM/SIGQUIT is received.
func (w *Worker) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	go w.cache.Run(ctx)

	tickMs := w.rec.EventTickMs
	if tickMs <= 0 {
		tickMs = 1000
	}

	w.log.Info().Str("addr", w.ln.Addr().String()).Msg("worker listening")

	for {
		select {
		case <-ctx.Done():
			return w.drain()
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				w.log.Info().Msg("SIGHUP received, reload not wired to a config source in this process")
			case syscall.SIGTERM:
				return w.drain()
			case syscall.SIGQUIT:
				return w.immediateStop()
			}
		default:
		}

		if _, err := w.react.Wait(tickMs); err != nil {
			w.log.Error().Err(err).Msg("reactor wait failed")
			continue
		}
		w.tick()
	}
}

// Reload atomically swaps the route table and credential store,
// matching the config record's reload contract without restarting
// the listener or any in-flight connection (spec §6 SIGHUP).
func (w *Worker) Reload(rec *config.Record, creds map[string]config.Credential) {
	w.routes.Reload(rec.Routes)
	w.deps.Auth.Reload(auth.NewCredentials(creds))
}

func (w *Worker) tick() {
	w.tickCount++
	w.sweepIdleConns()
}

// drain stops accepting new connections and waits up to drainTimeout
// for active connections to close on their own before returning.
func (w *Worker) drain() error {
	w.log.Info().Msg("draining")
	_ = w.react.Deregister(mustListenerFD(w.ln))
	_ = w.ln.Close()

	deadline := time.Now().Add(drainTimeout)
	for w.connCount() > 0 && time.Now().Before(deadline) {
		if _, err := w.react.Wait(50); err != nil {
			time.Sleep(50 * time.Millisecond)
		}
	}
	if n := w.connCount(); n > 0 {
		w.log.Warn().Int("remaining", n).Msg("drain deadline exceeded, stopping anyway")
	}
	return w.react.Close()
}

// immediateStop closes every live connection without waiting, the
// SIGQUIT contract.
func (w *Worker) immediateStop() error {
	w.log.Info().Msg("immediate stop")
	_ = w.ln.Close()

	w.mu.Lock()
	conns := make([]*connstate.Conn, 0, len(w.conns))
	for c := range w.conns {
		conns = append(conns, c)
	}
	w.mu.Unlock()
	for _, c := range conns {
		c.CloseIdle()
	}
	return w.react.Close()
}

func mustListenerFD(ln *net.TCPListener) int {
	fd, err := listenerFD(ln)
	if err != nil {
		return -1
	}
	return fd
}
