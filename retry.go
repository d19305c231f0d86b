package davsftp

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh/knownhosts"
)

// RetryConfig configures retry behavior for SSH operations.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int `mapstructure:"max_retries"`

	// InitialDelay is the initial delay between retries.
	InitialDelay time.Duration `mapstructure:"initial_delay"`

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration `mapstructure:"max_delay"`

	// Multiplier is the backoff multiplier (e.g., 2.0 = double delay each retry).
	Multiplier float64 `mapstructure:"multiplier"`

	// JitterFactor adds randomness to delay (0.0 = no jitter, 0.5 = ±50% jitter).
	JitterFactor float64 `mapstructure:"jitter_factor"`
}

// ReconnectRetryConfig is the default used when the pool replaces a session.
// It stays well inside a typical acquire timeout.
func ReconnectRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.25,
	}
}

// NoRetryConfig returns a config with retries disabled. It is not the zero
// value, so WithDefaults keeps it.
func NoRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 0,
		Multiplier: 1,
	}
}

// retryWithLogger runs fn until it succeeds, fails with an error that is not
// worth retrying, or config.MaxRetries retries are spent. Each retry is
// logged as a warning.
func retryWithLogger(ctx context.Context, config RetryConfig, logger zerolog.Logger, operation string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s cancelled: %w", operation, err)
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !IsRetryableError(err) {
			return err
		}

		if attempt == config.MaxRetries {
			break
		}

		delay := calculateDelay(config, attempt)

		logger.Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt+1).
			Int("max_attempts", config.MaxRetries+1).
			Dur("retry_in", delay).
			Msg("operation failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s cancelled during retry wait: %w", operation, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, config.MaxRetries+1, lastErr)
}

func calculateDelay(config RetryConfig, attempt int) time.Duration {
	delay := float64(config.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= config.Multiplier
	}

	if config.JitterFactor > 0 {
		jitter := delay * config.JitterFactor
		delay = delay - jitter + (rand.Float64() * 2 * jitter)
	}

	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	return time.Duration(delay)
}

var retryableMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no route to host",
	"network is unreachable",
	"i/o timeout",
	"handshake failed",
	"ssh: disconnect",
	"temporary failure",
	"too many open files",
}

// IsRetryableError checks if an error is transient and worth retrying.
// Authentication and host key failures are not retried, even when they
// surface as a failed handshake.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return false
	}

	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "unable to authenticate") || strings.Contains(errMsg, "host key") ||
		strings.Contains(errMsg, "knownhosts:") {
		return false
	}
	for _, msg := range retryableMessages {
		if strings.Contains(errMsg, msg) {
			return true
		}
	}

	return false
}
