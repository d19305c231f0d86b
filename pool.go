package davsftp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Dialer opens a new session. The default dialer is OpenSession with the
// pool's config.
type Dialer func(ctx context.Context) (*Session, error)

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer replaces the function used to open sessions.
func WithDialer(d Dialer) PoolOption {
	return func(p *Pool) {
		p.dial = d
	}
}

// WithLogger sets the pool logger. The default discards everything.
func WithLogger(logger zerolog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// Pool hands out at most PoolSize sessions at a time. Callers waiting for a
// session are served in arrival order.
type Pool struct {
	config   Config
	dial     Dialer
	logger   zerolog.Logger
	capacity int64
	sem      *semaphore.Weighted

	mu         sync.Mutex
	idle       []*Session
	checkedOut map[*Session]struct{}
	open       int
	closed     bool

	waiting  atomic.Int64
	replaced atomic.Uint64

	// ctx is cancelled by Shutdown; it wakes waiters and stops keepalive.
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	drainMu sync.Mutex
	drained chan struct{}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Capacity int    `json:"capacity"`
	Open     int    `json:"open"`
	InUse    int    `json:"in_use"`
	Idle     int    `json:"idle"`
	Waiting  int    `json:"waiting"`
	Replaced uint64 `json:"replaced"`
	Closed   bool   `json:"closed"`
}

// NewPool creates a pool for config. No session is opened until the first
// Acquire or an explicit Warm.
func NewPool(config Config, opts ...PoolOption) (*Pool, error) {
	config = config.WithDefaults()

	p := &Pool{
		config:     config,
		logger:     zerolog.Nop(),
		checkedOut: make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.dial == nil {
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("invalid sftp config: %w", err)
		}
		p.dial = func(ctx context.Context) (*Session, error) {
			return OpenSession(ctx, p.config, p.logger)
		}
	} else if err := config.validatePool(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}

	p.capacity = int64(config.PoolSize)
	p.sem = semaphore.NewWeighted(p.capacity)
	p.ctx, p.cancel = context.WithCancel(context.Background())

	if config.KeepaliveInterval > 0 {
		p.wg.Add(1)
		go p.keepaliveLoop(config.KeepaliveInterval)
	}

	return p, nil
}

// Config returns the effective configuration.
func (p *Pool) Config() Config { return p.config }

// Warm opens sessions until the pool holds PoolSize of them. It stops early
// when the pool is busy and returns the first dial error.
func (p *Pool) Warm(ctx context.Context) error {
	for i := int64(0); i < p.capacity; i++ {
		if !p.sem.TryAcquire(1) {
			return nil
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.sem.Release(1)
			return newOpError("warm", "", ErrPoolClosed, nil)
		}
		if int64(p.open) >= p.capacity {
			p.mu.Unlock()
			p.sem.Release(1)
			return nil
		}
		p.open++
		p.mu.Unlock()

		s, err := p.dialWithRetry(ctx)
		if err != nil {
			p.forget()
			p.sem.Release(1)
			return err
		}
		p.putIdle(s)
		p.sem.Release(1)
	}
	return nil
}

// Acquire checks out a session. It waits at most AcquireTimeout (or until
// ctx ends, if sooner) for a free slot; callers are served FIFO. The session
// is validated before it is handed out and replaced when dead. Every
// successful Acquire must be paired with exactly one Release.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	if p.isClosed() {
		return nil, newOpError("acquire", "", ErrPoolClosed, nil)
	}

	actx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	p.waiting.Add(1)
	err := p.sem.Acquire(actx, 1)
	p.waiting.Add(-1)
	if err != nil {
		if p.isClosed() {
			return nil, newOpError("acquire", "", ErrPoolClosed, nil)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, newOpError("acquire", "", ErrPoolTimeout, ctxErr)
		}
		return nil, newOpError("acquire", "", ErrPoolTimeout,
			fmt.Errorf("no session free after %s", p.config.AcquireTimeout))
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, newOpError("acquire", "", ErrPoolClosed, nil)
	}
	var s *Session
	if n := len(p.idle); n > 0 {
		s = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		p.open++
	}
	p.mu.Unlock()

	if s != nil && !s.IsAlive(ctx, p.config.HealthCheckTimeout) {
		p.logger.Info().Uint64("session", s.ID()).Msg("replacing dead sftp session")
		s.Close()
		p.replaced.Add(1)
		s = nil
	}

	if s == nil {
		s, err = p.dialWithRetry(ctx)
		if err != nil {
			p.forget()
			p.sem.Release(1)
			return nil, err
		}
	}

	p.mu.Lock()
	s.setState(StateCheckedOut)
	p.checkedOut[s] = struct{}{}
	p.mu.Unlock()

	return s, nil
}

// Release returns a session to the pool. Broken sessions, and every session
// released after Shutdown, are closed instead. Releasing a session that is
// not checked out is a no-op.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}

	p.mu.Lock()
	if _, ok := p.checkedOut[s]; !ok {
		p.mu.Unlock()
		p.logger.Warn().Uint64("session", s.ID()).Msg("ignoring release of a session that is not checked out")
		return
	}
	delete(p.checkedOut, s)
	s.touch()

	discard := p.closed || s.Broken() || s.transportClosed()
	if discard {
		p.open--
	} else {
		s.setState(StateIdle)
		p.idle = append(p.idle, s)
	}
	p.mu.Unlock()

	if discard {
		if err := s.Close(); err != nil {
			p.logger.Debug().Err(err).Uint64("session", s.ID()).Msg("closing released session")
		}
	}
	p.sem.Release(1)
}

// With runs fn with a checked-out session and releases it on every exit
// path. A transport failure returned by fn, or a panic, retires the session.
func (p *Pool) With(ctx context.Context, fn func(*Session) error) error {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	panicked := true
	defer func() {
		if panicked {
			s.MarkBroken()
		}
		p.Release(s)
	}()

	err = fn(s)
	panicked = false
	if breaksSession(err) {
		s.MarkBroken()
	}
	return err
}

// Shutdown rejects new acquisitions, closes idle sessions and waits until
// every checked-out session has been released (and closed) or ctx ends.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	first := !p.closed
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.mu.Unlock()

	if first {
		p.cancel()
		p.logger.Info().Int("idle", len(idle)).Msg("shutting down sftp pool")
	}

	var errs []error
	for _, s := range idle {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.wg.Wait()

	select {
	case <-p.drainedCh():
		return errors.Join(errs...)
	case <-ctx.Done():
		return errors.Join(append(errs, fmt.Errorf("waiting for checked-out sessions: %w", ctx.Err()))...)
	}
}

func (p *Pool) drainedCh() <-chan struct{} {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()
	if p.drained == nil {
		p.drained = make(chan struct{})
		go func() {
			// Holding every permit means no session is checked out anymore.
			_ = p.sem.Acquire(context.Background(), p.capacity)
			close(p.drained)
		}()
	}
	return p.drained
}

// Closed reports whether Shutdown has been called.
func (p *Pool) Closed() bool { return p.isClosed() }

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		Capacity: int(p.capacity),
		Open:     p.open,
		InUse:    len(p.checkedOut),
		Idle:     len(p.idle),
		Waiting:  int(p.waiting.Load()),
		Replaced: p.replaced.Load(),
		Closed:   p.closed,
	}
}

func (p *Pool) dialWithRetry(ctx context.Context) (*Session, error) {
	var s *Session
	err := retryWithLogger(ctx, p.config.Retry, p.logger, "open sftp session", func() error {
		var err error
		s, err = p.dial(ctx)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrConnect) {
			return nil, err
		}
		return nil, connectError("open session", err)
	}
	return s, nil
}

// forget drops the slot reserved for a session that could not be opened.
func (p *Pool) forget() {
	p.mu.Lock()
	p.open--
	p.mu.Unlock()
}

// putIdle pools a session that holds a reserved slot.
func (p *Pool) putIdle(s *Session) {
	p.mu.Lock()
	if p.closed {
		p.open--
		p.mu.Unlock()
		s.Close()
		return
	}
	s.setState(StateIdle)
	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

func (p *Pool) keepaliveLoop(interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.keepalive()
		case <-p.ctx.Done():
			return
		}
	}
}

// keepalive probes every idle session. It only takes a slot that is free
// right now, so it never delays or overtakes a waiting Acquire.
func (p *Pool) keepalive() {
	p.mu.Lock()
	snapshot := slices.Clone(p.idle)
	p.mu.Unlock()

	for _, s := range snapshot {
		if !p.sem.TryAcquire(1) {
			return
		}

		p.mu.Lock()
		i := slices.Index(p.idle, s)
		if p.closed || i < 0 {
			p.mu.Unlock()
			p.sem.Release(1)
			if p.closed {
				return
			}
			continue
		}
		p.idle = slices.Delete(p.idle, i, i+1)
		p.mu.Unlock()

		if err := s.SendKeepAlive(p.ctx, p.config.HealthCheckTimeout); err != nil || !s.IsAlive(p.ctx, p.config.HealthCheckTimeout) {
			p.logger.Info().Err(err).Uint64("session", s.ID()).Msg("keepalive found dead sftp session, replacing")
			s.Close()
			p.replaced.Add(1)

			ns, err := p.dialWithRetry(p.ctx)
			if err != nil {
				p.logger.Warn().Err(err).Msg("could not replace sftp session, capacity will be re-created on demand")
				p.forget()
				p.sem.Release(1)
				continue
			}
			s = ns
		}

		p.mu.Lock()
		if p.closed {
			p.open--
			p.mu.Unlock()
			s.Close()
			p.sem.Release(1)
			return
		}
		s.setState(StateIdle)
		p.idle = slices.Insert(p.idle, 0, s)
		p.mu.Unlock()
		p.sem.Release(1)
	}
}
