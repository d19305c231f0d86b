package davserver

import (
	"errors"
	"io/fs"
	"net/http"
	"os"

	"github.com/darshan-rambhia/davsftp"
)

// StatusCode maps an error returned by the translator onto an HTTP status.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch davsftp.KindOf(err) {
	case davsftp.ErrPoolTimeout, davsftp.ErrPoolClosed, davsftp.ErrConnect:
		return http.StatusServiceUnavailable
	case davsftp.ErrOperationTimeout:
		return http.StatusGatewayTimeout
	case davsftp.ErrInvalidPath, davsftp.ErrPermission:
		return http.StatusForbidden
	case davsftp.ErrNotFound:
		return http.StatusNotFound
	case davsftp.ErrDestinationExists:
		return http.StatusPreconditionFailed
	case davsftp.ErrConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// toFSError converts a translator error into the *os.PathError shapes that
// golang.org/x/net/webdav recognizes with os.IsNotExist and friends.
func toFSError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var target error
	switch kind := davsftp.KindOf(err); {
	case kind == davsftp.ErrNotFound:
		target = fs.ErrNotExist
	case kind == davsftp.ErrPermission, kind == davsftp.ErrInvalidPath:
		target = fs.ErrPermission
	case errors.Is(kind, davsftp.ErrConflict):
		target = fs.ErrExist
	default:
		target = err
	}
	return &os.PathError{Op: op, Path: name, Err: target}
}
