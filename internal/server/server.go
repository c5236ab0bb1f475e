package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muurk/iotgate/internal/devices"
	"github.com/muurk/iotgate/internal/logging"
	"github.com/muurk/iotgate/internal/outbound"
	"github.com/muurk/iotgate/internal/protocol"
	"go.uber.org/zap"
)

const (
	DefaultPort         = 5050
	DefaultPollInterval = time.Second
	DefaultIdleTimeout  = 90 * time.Second
	DefaultWriteTimeout = 100 * time.Millisecond

	// ReadBufferSize is the most a single receive call will return.
	ReadBufferSize = protocol.MaxMessageBytes

	eventBacklog = 64
)

// ErrServerStarted is returned when Serve is called on a server that is
// already running or has already stopped.
var ErrServerStarted = errors.New("server already started")

// Handler is implemented by the application. All three methods are called
// from the event loop goroutine, one call at a time.
type Handler interface {
	// VerifyDevice checks the KEY presented with a device's first frame.
	VerifyDevice(id protocol.DeviceID, key string) bool
	// OnMessage receives the body of every accepted frame.
	OnMessage(id protocol.DeviceID, body []byte)
	// OnClose is called exactly once per connection with the reason it closed.
	OnClose(c *Conn, err error)
}

// OutboundSource is polled once per tick for "<device_id> <payload>" entries.
type OutboundSource interface {
	Poll() []string
}

// Config holds the server configuration
type Config struct {
	Host         string
	Port         int
	PollInterval time.Duration
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	// TLS wraps every accepted socket when set.
	TLS *tls.Config
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Addr returns the host:port the server listens on.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Option customises a Server.
type Option func(*Server)

// WithRegistry shares a device registry between servers, for example a plain
// and a TLS listener serving the same fleet.
func WithRegistry(r *devices.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithOutbound sets the source of server-to-device messages.
func WithOutbound(src OutboundSource) Option {
	return func(s *Server) { s.outbound = src }
}

// WithClock replaces time.Now for replay checks, idle reaping and frame
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

type eventKind int

const (
	eventAccept eventKind = iota
	eventRead
	eventListenerFailed
)

type event struct {
	kind eventKind
	sock net.Conn
	conn *Conn
	data []byte
	err  error
}

// Server accepts device connections and runs the protocol for each of them.
//
// All connection state is owned by one loop goroutine. An accept goroutine and
// one reader goroutine per connection only post events to it.
type Server struct {
	config   Config
	handler  Handler
	registry *devices.Registry
	outbound OutboundSource
	now      func() time.Time

	events chan event
	conns  map[*Conn]struct{}
	active atomic.Int64
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a new Server instance
func New(config Config, handler Handler, opts ...Option) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: nil handler")
	}
	if config.Port < 0 || config.Port > 65535 {
		return nil, fmt.Errorf("server: invalid port %d", config.Port)
	}

	s := &Server{
		config:   config.withDefaults(),
		handler:  handler,
		registry: devices.NewRegistry(),
		outbound: outbound.None{},
		now:      time.Now,
		events:   make(chan event, eventBacklog),
		conns:    make(map[*Conn]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Registry returns the device registry the server binds ids in.
func (s *Server) Registry() *devices.Registry { return s.registry }

// ActiveConnections returns the number of live connections.
func (s *Server) ActiveConnections() int { return int(s.active.Load()) }

// Addr returns the listener address once Serve has started, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the event loop on ln until ctx is cancelled, Shutdown is called,
// or the listener fails. Only a listener failure is returned as an error.
// Every live connection is closed with ErrServerShutdown before Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, err := s.start(ctx, ln)
	if err != nil {
		return err
	}
	defer close(s.done)

	logging.Info("Server listening for connections",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", s.config.TLS != nil),
		zap.Duration("poll_interval", s.config.PollInterval),
		zap.Duration("idle_timeout", s.config.IdleTimeout),
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)

	err = s.run(ctx)
	if ctx.Err() != nil {
		err = nil
	}
	s.stop(ln)

	if err != nil {
		logging.Error("Server stopped", zap.Error(err))
		return err
	}
	logging.Info("Server stopped")
	return nil
}

// Shutdown stops a running server and waits for Serve to return or ctx to
// expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	logging.Info("Shutting down server...")
	cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		logging.Warn("Shutdown timeout, event loop still running")
		return ctx.Err()
	}
}

func (s *Server) start(ctx context.Context, ln net.Listener) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil, ErrServerStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.listener = ln
	return ctx, nil
}

// run ticks until ctx is done or the listener fails.
func (s *Server) run(ctx context.Context) error {
	for {
		if err := s.tick(ctx); err != nil {
			return err
		}
	}
}

func (s *Server) stop(ln net.Listener) {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	_ = ln.Close()
	for c := range s.conns {
		s.reap(c, protocol.NewError(protocol.KindTransport, protocol.ErrServerShutdown, "server stopped"))
	}
	s.wg.Wait()

	// Sockets accepted after the loop stopped were never registered.
	for {
		select {
		case ev := <-s.events:
			if ev.kind == eventAccept {
				_ = ev.sock.Close()
			}
		default:
			return
		}
	}
}

// tick runs one loop iteration: outbound is polled and flushed before any new
// reads are dispatched.
func (s *Server) tick(ctx context.Context) error {
	now := s.now()
	pending := s.pollOutbound()

	for c := range s.conns {
		if c.idle(now, s.config.IdleTimeout) {
			s.reap(c, protocol.NewError(protocol.KindIdle, protocol.ErrHalfOpen,
				"no activity for %s", now.Sub(c.LastActivity()).Truncate(time.Second)))
			continue
		}
		if id, ok := c.DeviceID(); ok {
			if payload, ok := pending[id]; ok {
				c.enqueue(payload)
				delete(pending, id)
			}
		}
	}
	for id := range pending {
		logging.Debug("Dropping outbound message for unconnected device", zap.Stringer("device", id))
	}

	for c := range s.conns {
		if !c.wantsWrite() {
			continue
		}
		if err := c.flush(now, s.config.WriteTimeout); err != nil {
			s.reap(c, err)
		}
	}

	timer := time.NewTimer(s.config.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case ev := <-s.events:
		if err := s.dispatch(ctx, ev); err != nil {
			return err
		}
	}

	// Dispatch whatever else is already ready, but no more than that.
	for n := len(s.events); n > 0; n-- {
		if err := s.dispatch(ctx, <-s.events); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) pollOutbound() map[protocol.DeviceID][]byte {
	pending, errs := outbound.Parse(s.outbound.Poll())
	for _, err := range errs {
		logging.Warn("Skipping outbound entry", zap.Error(err))
	}
	return pending
}

func (s *Server) dispatch(ctx context.Context, ev event) error {
	switch ev.kind {
	case eventAccept:
		s.register(ctx, ev.sock)
	case eventListenerFailed:
		return fmt.Errorf("listener failed: %w", ev.err)
	case eventRead:
		c := ev.conn
		if _, live := s.conns[c]; !live {
			return nil
		}
		var err error
		switch {
		case ev.err == nil:
			err = c.handleRead(ev.data, s.now())
		case errors.Is(ev.err, io.EOF):
			err = c.handleRead(nil, s.now())
		default:
			err = protocol.NewError(protocol.KindTransport, ev.err, "read failed")
		}
		if err != nil {
			s.reap(c, err)
		}
	}
	return nil
}

// register wraps and tracks a freshly accepted socket. Any failure closes the
// socket without affecting the server.
func (s *Server) register(ctx context.Context, sock net.Conn) {
	remoteAddr := sock.RemoteAddr().String()

	if tcp, ok := sock.(*net.TCPConn); ok {
		if err := tcp.SetKeepAlive(true); err != nil {
			logging.Warn("Failed to configure accepted socket",
				zap.String("remote_addr", remoteAddr),
				zap.Error(err),
			)
			_ = sock.Close()
			return
		}
		_ = tcp.SetNoDelay(true)
	}
	if s.config.TLS != nil {
		sock = tls.Server(sock, s.config.TLS)
	}

	c := newConn(sock, s.handler, s.registry, s.now())
	s.conns[c] = struct{}{}
	s.active.Add(1)
	logging.LogConnection(remoteAddr, "connection_accepted", zap.Bool("tls", c.TLS()))

	s.wg.Add(1)
	go s.readLoop(ctx, c)
}

// reap removes c from the connection table and closes it.
func (s *Server) reap(c *Conn, reason error) {
	if _, live := s.conns[c]; !live {
		return
	}
	delete(s.conns, c)
	s.active.Add(-1)

	fields := []zap.Field{zap.Stringer("kind", protocol.KindOf(reason)), zap.Error(reason)}
	if id, ok := c.DeviceID(); ok {
		fields = append(fields, zap.Stringer("device", id))
	}
	switch protocol.KindOf(reason) {
	case protocol.KindSecurity:
		logging.Warn("Closing connection on security violation",
			append(fields, zap.String("remote_addr", c.RemoteAddr()))...)
	default:
		logging.LogConnection(c.RemoteAddr(), "connection_closed", fields...)
	}
	c.close(reason)
}

func (s *Server) post(ctx context.Context, ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		sock, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var temp interface{ Temporary() bool }
			if errors.As(err, &temp) && temp.Temporary() && !errors.Is(err, net.ErrClosed) {
				backoff = nextBackoff(backoff)
				logging.Warn("Failed to accept connection, retrying",
					zap.Duration("backoff", backoff),
					zap.Error(err),
				)
				select {
				case <-time.After(backoff):
					continue
				case <-ctx.Done():
					return
				}
			}
			s.post(ctx, event{kind: eventListenerFailed, err: err})
			return
		}
		backoff = 0

		if !s.post(ctx, event{kind: eventAccept, sock: sock}) {
			_ = sock.Close()
			return
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// readLoop turns blocking reads on c into events for the loop. It exits after
// the first read error, which includes the socket being closed by the loop.
func (s *Server) readLoop(ctx context.Context, c *Conn) {
	defer s.wg.Done()

	if tc, ok := c.sock.(*tls.Conn); ok {
		if err := tc.HandshakeContext(ctx); err != nil {
			s.post(ctx, event{kind: eventRead, conn: c, err: fmt.Errorf("TLS handshake failed: %w", err)})
			return
		}
		state := tc.ConnectionState()
		logging.LogTLSHandshake(c.addr, state.Version, state.CipherSuite, state.ServerName)
	}

	buf := make([]byte, ReadBufferSize)
	for {
		n, err := c.sock.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if !s.post(ctx, event{kind: eventRead, conn: c, data: data}) {
				return
			}
		}
		if err != nil {
			s.post(ctx, event{kind: eventRead, conn: c, err: err})
			return
		}
	}
}
