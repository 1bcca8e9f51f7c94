// Package server implements the ICAP network server: connection handling,
// transaction dispatch, and the OPTIONS method.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"icap"
	"icap/criteria"
	"icap/session"
)

// Config holds server tuning knobs. The zero value is usable; see
// withDefaults for what gets filled in.
type Config struct {
	// Addr is the listen address. Defaults to localhost on the IANA ICAP
	// port.
	Addr string

	// ISTag is the initial ISTag announced on every response. Empty means
	// a random tag, forcing clients to revalidate on every restart.
	ISTag string

	// MaxConnections caps concurrent client connections. Connections over
	// the cap are answered with 503 Service Overloaded and closed.
	// Zero means unlimited.
	MaxConnections int

	// RequestRate throttles transactions per second across all
	// connections; over-rate requests get 503. Zero means unlimited.
	RequestRate  float64
	RequestBurst int

	// ReadTimeout bounds how long a connection may sit idle between
	// requests, and how long a single request may take to arrive.
	ReadTimeout time.Duration

	// OptionsTTL is advertised as Options-TTL so clients know when to
	// re-OPTIONS. Zero omits the header.
	OptionsTTL time.Duration

	// ShutdownTimeout bounds how long Stop waits for the accept loop and
	// in-flight connections.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:1344"
	}
	if c.ISTag == "" {
		c.ISTag = uuid.New().String()
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Minute
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.RequestBurst == 0 {
		c.RequestBurst = 1
	}
	return c
}

// Server accepts ICAP connections and dispatches transactions to handlers
// from a criteria Registry.
type Server struct {
	cfg      Config
	registry *criteria.Registry
	sessions session.Store
	hooks    Hooks

	limiter *rate.Limiter
	slots   chan struct{}

	mu       sync.RWMutex
	istag    string
	listener net.Listener
	running  bool

	stopCh chan struct{}
	doneCh chan struct{}
	conns  sync.WaitGroup
}

// New builds a Server. registry must not be nil; a nil store falls back to
// the in-memory session store.
func New(cfg Config, registry *criteria.Registry, store session.Store, hooks Hooks) *Server {
	cfg = cfg.withDefaults()
	if store == nil {
		store = session.NewMemoryStore()
	}

	s := &Server{
		cfg:      cfg,
		registry: registry,
		sessions: store,
		hooks:    hooks,
		istag:    truncateISTag(cfg.ISTag),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if cfg.MaxConnections > 0 {
		s.slots = make(chan struct{}, cfg.MaxConnections)
	}
	if cfg.RequestRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestRate), cfg.RequestBurst)
	}
	return s
}

// SetISTag swaps the advertised ISTag. Clients treat a changed ISTag as
// "all previous responses are stale", so call this whenever service
// behavior changes (config reload, rule update).
func (s *Server) SetISTag(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.istag = truncateISTag(tag)
}

// ISTag returns the current ISTag.
func (s *Server) ISTag() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.istag
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start begins listening and accepting connections in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("icap server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}

	s.listener = listener
	s.running = true
	s.mu.Unlock()

	go s.acceptLoop(ctx)

	return nil
}

// Serve runs the server until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.doneCh:
	}
	return s.Stop()
}

// acceptLoop accepts connections until stopped. Accept deadlines are
// polled so the stop channel is checked about once a second.
func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.doneCh)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		if err := s.listener.(*net.TCPListener).SetDeadline(time.Now().Add(1 * time.Second)); err != nil {
			fmt.Fprintf(os.Stderr, "icap: failed to set accept deadline: %v\n", err)
			continue
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
			}
			fmt.Fprintf(os.Stderr, "icap: accept error: %v\n", err)
			continue
		}

		if !s.acquireSlot() {
			s.refuseOverloaded(conn)
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			defer s.releaseSlot()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) acquireSlot() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) releaseSlot() {
	if s.slots != nil {
		<-s.slots
	}
}

// refuseOverloaded answers a connection over the MaxConnections cap with
// 503 Service Overloaded and closes it.
func (s *Server) refuseOverloaded(conn net.Conn) {
	defer conn.Close()
	resp := icap.ResponseFromStatus(503)
	if err := icap.WriteResponse(conn, resp, s.hooks.istag(nil, s.ISTag()), false); err != nil {
		fmt.Fprintf(os.Stderr, "icap: failed to refuse connection: %v\n", err)
	}
}

// Stop shuts the server down: stop accepting, close the listener, wait for
// in-flight connections up to ShutdownTimeout.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stopCh)

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "icap: error closing listener: %v\n", err)
		}
	}

	select {
	case <-s.doneCh:
	case <-time.After(s.cfg.ShutdownTimeout):
		fmt.Fprintf(os.Stderr, "icap: timeout waiting for accept loop\n")
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		fmt.Fprintf(os.Stderr, "icap: timeout waiting for connections to drain\n")
	}

	return nil
}

// IsRunning reports whether the accept loop is live.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// methodForPath returns the value of the Methods OPTIONS header for a
// service path.
func methodForPath(p string) string {
	if strings.HasSuffix(strings.TrimSuffix(strings.ToLower(p), "/"), "respmod") {
		return "RESPMOD"
	}
	return "REQMOD"
}
