package davsftp

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"strings"

	"github.com/pkg/sftp"
)

// Error kinds. Every error returned by the pool and the translator matches
// exactly one of these with errors.Is (ErrDestinationExists also matches
// ErrConflict).
var (
	ErrConnect              = errors.New("sftp connection failed")
	ErrPoolTimeout          = errors.New("timed out waiting for a free sftp session")
	ErrPoolClosed           = errors.New("session pool is closed")
	ErrInvalidPath          = errors.New("invalid path")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrDestinationExists    = &kindError{msg: "destination exists", parent: ErrConflict}
	ErrPermission           = errors.New("permission denied")
	ErrTransportInterrupted = errors.New("transport interrupted")
	ErrOperationTimeout     = errors.New("operation timed out")
)

type kindError struct {
	msg    string
	parent error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.parent }

var kinds = []error{
	ErrConnect,
	ErrPoolTimeout,
	ErrPoolClosed,
	ErrInvalidPath,
	ErrNotFound,
	ErrDestinationExists,
	ErrConflict,
	ErrPermission,
	ErrTransportInterrupted,
	ErrOperationTimeout,
}

// OpError records a failed operation, the path it touched and the kind of
// failure.
type OpError struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Err != nil && e.Err != e.Kind {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil || e.Err == e.Kind {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the error kind of err, or nil when err carries none.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

func newOpError(op, path string, kind, err error) *OpError {
	return &OpError{Op: op, Path: path, Kind: kind, Err: err}
}

// wrapErr attaches op and path to err, classifying it when it carries no
// kind yet. An OpError that already names a path is returned unchanged.
func wrapErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		if opErr.Path != "" {
			return err
		}
		return newOpError(op, path, opErr.Kind, opErr.Err)
	}
	return newOpError(op, path, classify(err), err)
}

// classify maps an error from the SFTP client, the SSH transport or the
// context onto an error kind.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if k := KindOf(err); k != nil {
		return k
	}

	var status *sftp.StatusError
	if errors.As(err, &status) {
		switch status.FxCode() {
		case sftp.ErrSSHFxNoSuchFile:
			return ErrNotFound
		case sftp.ErrSSHFxPermissionDenied:
			return ErrPermission
		case sftp.ErrSSHFxNoConnection, sftp.ErrSSHFxConnectionLost:
			return ErrTransportInterrupted
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrOperationTimeout
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrPermission
	case errors.Is(err, fs.ErrExist):
		return ErrConflict
	case isTransportError(err):
		return ErrTransportInterrupted
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such file"):
		return ErrNotFound
	case strings.Contains(msg, "permission denied"):
		return ErrPermission
	}

	return ErrTransportInterrupted
}

// isTransportError reports whether err means the SSH/SFTP channel itself is
// no longer usable.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, sftp.ErrSSHFxNoConnection) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "use of closed") ||
		strings.Contains(msg, "connection lost") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset")
}

// sourceError is a failure of the request body rather than of the session.
// It hides the cause from errors.Is so the session is kept.
type sourceError struct{ err error }

func (e *sourceError) Error() string { return "reading request body: " + e.err.Error() }

// breaksSession reports whether a failed call should retire the session it
// ran on. SFTP status failures and request body failures leave the channel
// usable.
func breaksSession(err error) bool {
	if err == nil {
		return false
	}
	var src *sourceError
	if errors.As(err, &src) {
		return false
	}
	if errors.Is(err, ErrOperationTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var status *sftp.StatusError
	if errors.As(err, &status) {
		code := status.FxCode()
		return code == sftp.ErrSSHFxNoConnection || code == sftp.ErrSSHFxConnectionLost
	}
	return isTransportError(err)
}

func connectError(op string, err error) error {
	if err == nil {
		return nil
	}
	return newOpError(op, "", ErrConnect, err)
}
