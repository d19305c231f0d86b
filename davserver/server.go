package davserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/darshan-rambhia/davsftp"
)

// EventKind is a server lifecycle transition.
type EventKind int

const (
	EventStarting EventKind = iota + 1
	EventStarted
	EventStopping
	EventStopped
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStarting:
		return "starting"
	case EventStarted:
		return "started"
	case EventStopping:
		return "stopping"
	case EventStopped:
		return "stopped"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event reports a lifecycle transition. Addr is set for EventStarted, Err
// for EventFailed.
type Event struct {
	Kind EventKind
	Addr string
	Err  error
	Time time.Time
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// Addr is the WebDAV listen address; ":0" picks a free port.
	Addr string
	// AdminAddr serves the health endpoints when not empty.
	AdminAddr string
	// Prefix mounts the share below a URL prefix.
	Prefix string
	// ShutdownTimeout bounds graceful shutdown. Zero means 15s.
	ShutdownTimeout time.Duration
}

// Server runs the WebDAV listener for one translator and owns the shutdown
// of its pool.
type Server struct {
	opts   ServerOptions
	t      *davsftp.Translator
	logger zerolog.Logger

	events  chan Event
	started atomic.Bool
	running atomic.Bool

	mu        sync.Mutex
	addr      string
	adminAddr string
}

// NewServer creates a server. Nothing listens until Run.
func NewServer(t *davsftp.Translator, opts ServerOptions, logger zerolog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	return &Server{
		opts:   opts,
		t:      t,
		logger: logger,
		events: make(chan Event, 16),
	}
}

// Events returns lifecycle events. Events are dropped when nobody reads
// them; the channel is closed when Run returns.
func (s *Server) Events() <-chan Event { return s.events }

// Started reports whether the listener is accepting requests.
func (s *Server) Started() bool { return s.started.Load() }

// Addr returns the bound WebDAV address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// AdminAddr returns the bound admin address once started.
func (s *Server) AdminAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminAddr
}

func (s *Server) emit(kind EventKind, addr string, err error) {
	select {
	case s.events <- Event{Kind: kind, Addr: addr, Err: err, Time: time.Now()}:
	default:
		s.logger.Debug().Stringer("event", kind).Msg("dropping lifecycle event")
	}
}

// Run serves until ctx is cancelled or a listener fails, then shuts down the
// listeners and the pool. It can only be called once.
func (s *Server) Run(ctx context.Context) (err error) {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("server already running")
	}
	defer close(s.events)
	defer func() {
		if err != nil {
			s.emit(EventFailed, "", err)
		} else {
			s.emit(EventStopped, "", nil)
		}
	}()

	s.emit(EventStarting, s.opts.Addr, nil)

	handler := NewHandler(s.t, WithPrefix(s.opts.Prefix), WithHandlerLogger(s.logger))
	servers := []*http.Server{{
		Handler:           NewEngine(handler, s.logger),
		ReadHeaderTimeout: 30 * time.Second,
	}}
	listeners := make([]net.Listener, 0, 2)

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		s.shutdownPool()
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	listeners = append(listeners, ln)

	if s.opts.AdminAddr != "" {
		aln, err := net.Listen("tcp", s.opts.AdminAddr)
		if err != nil {
			ln.Close()
			s.shutdownPool()
			return fmt.Errorf("failed to listen on %s: %w", s.opts.AdminAddr, err)
		}
		listeners = append(listeners, aln)
		servers = append(servers, &http.Server{
			Handler:           NewAdminEngine(s.t, s.logger),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	s.mu.Lock()
	s.addr = listeners[0].Addr().String()
	if len(listeners) > 1 {
		s.adminAddr = listeners[1].Addr().String()
	}
	s.mu.Unlock()

	errCh := make(chan error, len(servers))
	for i, srv := range servers {
		go func() {
			if err := srv.Serve(listeners[i]); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	s.started.Store(true)
	s.logger.Info().Str("addr", s.Addr()).Str("admin_addr", s.AdminAddr()).Str("prefix", s.opts.Prefix).Msg("webdav server started")
	s.emit(EventStarted, s.Addr(), nil)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		s.logger.Error().Err(serveErr).Msg("listener failed")
	}

	s.started.Store(false)
	s.emit(EventStopping, s.Addr(), nil)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()

	var errs []error
	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := s.t.Pool().Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("pool shutdown: %w", err))
	}

	s.logger.Info().Msg("webdav server stopped")
	return errors.Join(errs...)
}

func (s *Server) shutdownPool() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.t.Pool().Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("pool shutdown")
	}
}
