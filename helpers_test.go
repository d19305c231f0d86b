package davsftp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"

	"github.com/darshan-rambhia/davsftp/sftpdavtest"
)

// generateTestRSAKey creates a test RSA private key and returns both PEM-encoded
// key content and a path to a temp file containing the key.
func generateTestRSAKey(t *testing.T) (string, string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	privateKeyPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}))

	keyPath := filepath.Join(t.TempDir(), "test_key")
	if err := os.WriteFile(keyPath, []byte(privateKeyPEM), 0600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}

	return privateKeyPEM, keyPath
}

// parseTestSigner turns PEM key content into a signer.
func parseTestSigner(t *testing.T, privateKeyPEM string) gossh.Signer {
	t.Helper()

	signer, err := gossh.ParsePrivateKey([]byte(privateKeyPEM))
	if err != nil {
		t.Fatalf("failed to parse private key: %v", err)
	}
	return signer
}

// testConfig is a pool config for in-memory sessions: no keepalive, no
// reconnect backoff, short timeouts.
func testConfig(root string) Config {
	return Config{
		Host:               "sftpdavtest",
		User:               "test",
		RemotePath:         root,
		PoolSize:           2,
		AcquireTimeout:     2 * time.Second,
		OperationTimeout:   5 * time.Second,
		HealthCheckTimeout: time.Second,
		KeepaliveInterval:  -1,
		ChunkSize:          8,
		Retry:              NoRetryConfig(),
	}
}

// memDialer opens sessions on srv, rooted at root.
func memDialer(srv *sftpdavtest.Server, root string) Dialer {
	return func(ctx context.Context) (*Session, error) {
		client, conn, err := srv.Dial()
		if err != nil {
			return nil, err
		}
		return NewSessionWithSFTP(client, root, conn), nil
	}
}

// newTestPool returns a pool of in-memory sessions, shut down with the test.
func newTestPool(t testing.TB, srv *sftpdavtest.Server, config Config) *Pool {
	t.Helper()

	if config.RemotePath != "" && config.RemotePath != "/" {
		require.NoError(t, srv.MkdirAll(config.RemotePath))
	}
	pool, err := NewPool(config, WithDialer(memDialer(srv, config.RemotePath)))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	return pool
}

// newTestTranslator returns a translator rooted at root on a fresh
// in-memory server.
func newTestTranslator(t testing.TB, root string) (*Translator, *sftpdavtest.Server) {
	t.Helper()

	srv := sftpdavtest.NewServer()
	t.Cleanup(srv.Close)

	pool := newTestPool(t, srv, testConfig(root))
	tr, err := NewTranslator(pool)
	require.NoError(t, err)
	return tr, srv
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
