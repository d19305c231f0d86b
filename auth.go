package davsftp

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// buildClientConfig returns the client config for the target host and the
// agent connections to close once the handshake is over.
func buildClientConfig(config Config, logger zerolog.Logger) (*ssh.ClientConfig, []*agentAuth, error) {
	authMethods, agents, err := buildAuthMethods(config)
	if err != nil {
		return nil, nil, err
	}

	if len(authMethods) == 0 {
		return nil, nil, fmt.Errorf("no SSH authentication method configured")
	}

	hostKeyCallback, err := buildHostKeyCallback(config, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure host key verification: %w", err)
	}

	return &ssh.ClientConfig{
		User:            config.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.DialTimeout,
	}, agents, nil
}

func bastionClientConfig(config Config, logger zerolog.Logger) (*ssh.ClientConfig, []*agentAuth, error) {
	var authMethods []ssh.AuthMethod
	var agents []*agentAuth

	if config.BastionPassword != "" {
		authMethods = append(authMethods, ssh.Password(config.BastionPassword))
	} else {
		var keyData []byte
		var err error

		switch {
		case config.BastionKey != "":
			keyData = []byte(config.BastionKey)
		case config.BastionKeyPath != "":
			keyData, err = os.ReadFile(ExpandPath(config.BastionKeyPath))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to read bastion key file: %w", err)
			}
		case config.PrivateKey != "":
			keyData = []byte(config.PrivateKey)
		case config.KeyPath != "":
			keyData, err = os.ReadFile(ExpandPath(config.KeyPath))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to read key file for bastion: %w", err)
			}
		case config.UseAgent:
			a, err := newAgentAuth(config)
			if err != nil {
				return nil, nil, fmt.Errorf("bastion agent auth: %w", err)
			}
			agents = append(agents, a)
			authMethods = append(authMethods, ssh.PublicKeysCallback(a.Signers))
		default:
			return nil, nil, fmt.Errorf("no SSH key configured for bastion host")
		}

		if keyData != nil {
			signer, err := parseSigner(keyData, config.Passphrase)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to parse bastion SSH key: %w", err)
			}
			authMethods = append(authMethods, ssh.PublicKeys(signer))
		}
	}

	bastionUser := config.BastionUser
	if bastionUser == "" {
		bastionUser = config.User
	}

	hostKeyCallback, err := buildHostKeyCallback(config, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure host key verification for bastion: %w", err)
	}

	return &ssh.ClientConfig{
		User:            bastionUser,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.DialTimeout,
	}, agents, nil
}

func buildHostKeyCallback(config Config, logger zerolog.Logger) (ssh.HostKeyCallback, error) {
	if config.InsecureIgnoreHostKey {
		logger.Warn().Str("host", config.Addr()).Msg("SSH host key verification disabled, this is insecure")
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if config.KnownHostsFile != "" {
		expandedPath := ExpandPath(config.KnownHostsFile)
		callback, err := knownhosts.New(expandedPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts file %s: %w", expandedPath, err)
		}
		return callback, nil
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		defaultKnownHosts := filepath.Join(homeDir, ".ssh", "known_hosts")
		if _, err := os.Stat(defaultKnownHosts); err == nil {
			callback, err := knownhosts.New(defaultKnownHosts)
			if err == nil {
				return callback, nil
			}
			logger.Warn().Err(err).Str("file", defaultKnownHosts).Msg("could not parse known_hosts file")
		}
	}

	logger.Warn().Str("host", config.Addr()).Msg("no known_hosts file found, host key verification disabled")
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		return nil
	}, nil
}

func buildAuthMethods(config Config) ([]ssh.AuthMethod, []*agentAuth, error) {
	var authMethods []ssh.AuthMethod
	var agents []*agentAuth

	authMethod := config.AuthMethod
	if authMethod == "" {
		authMethod = inferAuthMethod(config)
	}

	switch authMethod {
	case AuthMethodPassword:
		if config.Password == "" {
			return nil, nil, fmt.Errorf("password authentication requires password to be set")
		}
		authMethods = append(authMethods, ssh.Password(config.Password))

	case AuthMethodCertificate:
		certAuth, err := buildCertificateAuth(config)
		if err != nil {
			return nil, nil, fmt.Errorf("certificate authentication failed: %w", err)
		}
		authMethods = append(authMethods, certAuth)

	case AuthMethodAgent:
		a, err := newAgentAuth(config)
		if err != nil {
			return nil, nil, fmt.Errorf("agent authentication failed: %w", err)
		}
		agents = append(agents, a)
		authMethods = append(authMethods, ssh.PublicKeysCallback(a.Signers))

	case AuthMethodPrivateKey:
		keyAuth, err := buildPrivateKeyAuth(config)
		if err != nil {
			return nil, nil, err
		}
		authMethods = append(authMethods, keyAuth)

	default:
		return nil, nil, fmt.Errorf("unknown auth method %q", authMethod)
	}

	return authMethods, agents, nil
}

func inferAuthMethod(config Config) AuthMethod {
	if config.Password != "" {
		return AuthMethodPassword
	}
	if config.Certificate != "" || config.CertificatePath != "" {
		return AuthMethodCertificate
	}
	if config.PrivateKey == "" && config.KeyPath == "" && config.UseAgent {
		return AuthMethodAgent
	}
	return AuthMethodPrivateKey
}

func readPrivateKey(config Config) ([]byte, error) {
	if config.PrivateKey != "" {
		return []byte(config.PrivateKey), nil
	}
	if config.KeyPath != "" {
		keyData, err := os.ReadFile(ExpandPath(config.KeyPath))
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key file: %w", err)
		}
		return keyData, nil
	}
	return nil, fmt.Errorf("no SSH private key provided (set private_key or key_path)")
}

func parseSigner(keyData []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(keyData)
}

func buildPrivateKeyAuth(config Config) (ssh.AuthMethod, error) {
	keyData, err := readPrivateKey(config)
	if err != nil {
		return nil, err
	}

	signer, err := parseSigner(keyData, config.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
	}

	return ssh.PublicKeys(signer), nil
}

func buildCertificateAuth(config Config) (ssh.AuthMethod, error) {
	keyData, err := readPrivateKey(config)
	if err != nil {
		return nil, fmt.Errorf("certificate auth requires private key: %w", err)
	}

	signer, err := parseSigner(keyData, config.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	var certData []byte
	if config.Certificate != "" {
		certData = []byte(config.Certificate)
	} else if config.CertificatePath != "" {
		certData, err = os.ReadFile(ExpandPath(config.CertificatePath))
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate file: %w", err)
		}
	} else {
		return nil, fmt.Errorf("certificate auth requires certificate")
	}

	pubKey, _, _, _, err := ssh.ParseAuthorizedKey(certData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	cert, ok := pubKey.(*ssh.Certificate)
	if !ok {
		return nil, fmt.Errorf("provided file is not an SSH certificate")
	}

	certSigner, err := ssh.NewCertSigner(cert, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate signer: %w", err)
	}

	return ssh.PublicKeys(certSigner), nil
}

// agentAuth signs with the keys of a running ssh-agent. The agent
// connection is opened on first use and must stay open until the handshake
// that uses it is over.
type agentAuth struct {
	socket string

	mu   sync.Mutex
	conn net.Conn
}

func (a *agentAuth) Signers() ([]ssh.Signer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		conn, err := net.DialTimeout("unix", a.socket, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ssh-agent: %w", err)
		}
		a.conn = conn
	}
	return agent.NewClient(a.conn).Signers()
}

// Close closes the agent connection, if any.
func (a *agentAuth) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

func newAgentAuth(config Config) (*agentAuth, error) {
	socket := config.AgentSocket
	if socket == "" {
		socket = os.Getenv("SSH_AUTH_SOCK")
	}
	if socket == "" {
		return nil, fmt.Errorf("no ssh-agent socket (set agent_socket or SSH_AUTH_SOCK)")
	}
	return &agentAuth{socket: ExpandPath(socket)}, nil
}

// closeAgents releases the agent connections of a client config once its
// handshake has finished.
func closeAgents(agents []*agentAuth) {
	for _, a := range agents {
		_ = a.Close()
	}
}

// dialSSH opens an SSH client over conn, bounding the handshake by ctx and the
// client config timeout.
func dialSSH(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	var deadline time.Time
	if config.Timeout > 0 {
		deadline = time.Now().Add(config.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{client: ssh.NewClient(ncc, chans, reqs)}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		go func() {
			if res := <-done; res.client != nil {
				res.client.Close()
			}
		}()
		return nil, fmt.Errorf("ssh handshake with %s cancelled: %w", addr, ctx.Err())
	case res := <-done:
		if res.err != nil {
			conn.Close()
			return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, res.err)
		}
		_ = conn.SetDeadline(time.Time{})
		return res.client, nil
	}
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
