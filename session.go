package davsftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SessionState is the lifecycle state of a pooled session.
type SessionState int32

const (
	// StateIdle means the session sits in the pool.
	StateIdle SessionState = iota
	// StateCheckedOut means exactly one caller holds the session.
	StateCheckedOut
	// StateDead means the session was closed and must not be used.
	StateDead
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckedOut:
		return "checked_out"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var sessionIDs atomic.Uint64

// Session is one authenticated SSH connection with an open SFTP channel.
type Session struct {
	id            uint64
	sftpClient    *sftp.Client
	sshClient     *ssh.Client
	bastionClient *ssh.Client // nil if no bastion host
	closer        io.Closer   // extra transport owned by the session, may be nil
	root          string
	created       time.Time

	// wait is closed once the underlying connection has gone away.
	wait    chan struct{}
	waitErr error

	state    atomic.Int32
	broken   atomic.Bool
	lastUsed atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// OpenSession dials the configured host (through the bastion when set),
// authenticates, opens the SFTP channel and checks that the remote root
// exists. Every failure is an ErrConnect.
func OpenSession(ctx context.Context, config Config, logger zerolog.Logger) (*Session, error) {
	config = config.WithDefaults()

	clientConfig, agents, err := buildClientConfig(config, logger)
	if err != nil {
		return nil, connectError("open session", err)
	}
	defer closeAgents(agents)

	var sshClient *ssh.Client
	var bastionClient *ssh.Client

	targetAddr := config.Addr()
	dialer := &net.Dialer{Timeout: config.DialTimeout, KeepAlive: config.KeepaliveInterval}

	if config.BastionHost != "" {
		bastionConfig, bastionAgents, err := bastionClientConfig(config, logger)
		if err != nil {
			return nil, connectError("open session", err)
		}
		defer closeAgents(bastionAgents)
		bastionAddr := fmt.Sprintf("%s:%d", config.BastionHost, config.BastionPort)
		conn, err := dialer.DialContext(ctx, "tcp", bastionAddr)
		if err != nil {
			return nil, connectError("open session", fmt.Errorf("failed to connect to bastion host: %w", err))
		}
		bastionClient, err = dialSSH(ctx, conn, bastionAddr, bastionConfig)
		if err != nil {
			return nil, connectError("open session", fmt.Errorf("failed to connect to bastion host: %w", err))
		}

		conn, err = bastionClient.Dial("tcp", targetAddr)
		if err != nil {
			bastionClient.Close()
			return nil, connectError("open session", fmt.Errorf("failed to dial target through bastion: %w", err))
		}

		sshClient, err = dialSSH(ctx, conn, targetAddr, clientConfig)
		if err != nil {
			bastionClient.Close()
			return nil, connectError("open session", fmt.Errorf("failed to create SSH connection through bastion: %w", err))
		}
	} else {
		conn, err := dialer.DialContext(ctx, "tcp", targetAddr)
		if err != nil {
			return nil, connectError("open session", fmt.Errorf("failed to connect to %s: %w", targetAddr, err))
		}
		sshClient, err = dialSSH(ctx, conn, targetAddr, clientConfig)
		if err != nil {
			return nil, connectError("open session", err)
		}
	}

	sftpClient, err := sftp.NewClient(sshClient, sftp.MaxPacket(min(config.ChunkSize, 32*1024)))
	if err != nil {
		sshClient.Close()
		if bastionClient != nil {
			bastionClient.Close()
		}
		return nil, connectError("open session", fmt.Errorf("failed to create SFTP client: %w", err))
	}

	s := newSession(sftpClient, config.RemotePath)
	s.sshClient = sshClient
	s.bastionClient = bastionClient

	if err := s.checkRoot(ctx, config.HealthCheckTimeout); err != nil {
		s.Close()
		return nil, connectError("open session", err)
	}

	logger.Debug().Uint64("session", s.id).Str("host", targetAddr).Msg("sftp session opened")
	return s, nil
}

// NewSessionWithSFTP wraps an existing SFTP client. closer, when not nil, is
// closed together with the client. This is primarily used for tests and
// custom transports.
func NewSessionWithSFTP(client *sftp.Client, root string, closer io.Closer) *Session {
	s := newSession(client, root)
	s.closer = closer
	return s
}

func newSession(client *sftp.Client, root string) *Session {
	if root == "" {
		root = "/"
	}
	now := time.Now()
	s := &Session{
		id:         sessionIDs.Add(1),
		sftpClient: client,
		root:       root,
		created:    now,
		wait:       make(chan struct{}),
	}
	s.lastUsed.Store(now.UnixNano())
	go func() {
		s.waitErr = client.Wait()
		close(s.wait)
	}()
	return s
}

func (s *Session) checkRoot(ctx context.Context, timeout time.Duration) error {
	fi, err := s.statWithTimeout(ctx, s.root, timeout)
	if err != nil {
		return fmt.Errorf("remote path %s: %w", s.root, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("remote path %s is not a directory", s.root)
	}
	return nil
}

// ID returns a process-unique identifier, used in logs.
func (s *Session) ID() uint64 { return s.id }

// Client returns the SFTP client. Only the current holder may use it.
func (s *Session) Client() *sftp.Client { return s.sftpClient }

// Created returns when the session was opened.
func (s *Session) Created() time.Time { return s.created }

// LastUsed returns when the session was last released to the pool.
func (s *Session) LastUsed() time.Time { return time.Unix(0, s.lastUsed.Load()) }

// State returns the lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) setState(st SessionState) { s.state.Store(int32(st)) }

func (s *Session) touch() { s.lastUsed.Store(time.Now().UnixNano()) }

// MarkBroken flags the session so the pool closes it on release instead of
// handing it out again.
func (s *Session) MarkBroken() { s.broken.Store(true) }

// Broken reports whether MarkBroken was called.
func (s *Session) Broken() bool { return s.broken.Load() }

// transportClosed reports whether the connection has already gone away.
func (s *Session) transportClosed() bool {
	select {
	case <-s.wait:
		return true
	default:
		return false
	}
}

// IsAlive probes the session with a stat of the remote root. It never
// returns an error: any failure or an expired timeout means not alive.
func (s *Session) IsAlive(ctx context.Context, timeout time.Duration) bool {
	if s.State() == StateDead || s.transportClosed() {
		return false
	}
	_, err := s.statWithTimeout(ctx, s.root, timeout)
	return err == nil
}

func (s *Session) statWithTimeout(ctx context.Context, p string, timeout time.Duration) (os.FileInfo, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		fi  os.FileInfo
		err error
	}
	done := make(chan result, 1)
	go func() {
		fi, err := s.sftpClient.Stat(p)
		done <- result{fi, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.wait:
		return nil, s.closedErr()
	case res := <-done:
		return res.fi, res.err
	}
}

func isNilCloser(c io.Closer) bool {
	switch v := c.(type) {
	case nil:
		return true
	case *ssh.Client:
		return v == nil
	case *sftp.Client:
		return v == nil
	}
	return false
}

// closedErr must only be called after wait is closed.
func (s *Session) closedErr() error {
	if s.waitErr != nil && !errors.Is(s.waitErr, io.EOF) {
		return fmt.Errorf("sftp connection closed: %w: %w", io.ErrUnexpectedEOF, s.waitErr)
	}
	return fmt.Errorf("sftp connection closed: %w", io.ErrUnexpectedEOF)
}

// SendKeepAlive sends an OpenSSH keepalive request on the SSH connection,
// bounded by timeout. Sessions without an SSH client only check that the
// transport is up.
func (s *Session) SendKeepAlive(ctx context.Context, timeout time.Duration) error {
	if s.transportClosed() {
		return s.closedErr()
	}
	if s.sshClient == nil {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := s.sshClient.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("keepalive cancelled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("keepalive failed: %w", err)
		}
		return nil
	}
}

// Close closes SFTP, SSH and bastion connections. It is safe to call more
// than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateDead)
		// Transports go first so the SFTP client's reader stops even when
		// the peer is unresponsive.
		var errs []error
		for _, c := range []io.Closer{s.closer, s.sshClient, s.bastionClient, s.sftpClient} {
			if isNilCloser(c) {
				continue
			}
			if err := c.Close(); err != nil && !isTransportError(err) {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
