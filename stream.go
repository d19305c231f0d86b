package davsftp

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"sync"

	"github.com/pkg/sftp"
)

// Reader streams a remote file. It owns one pooled session, released when
// the reader hits EOF, fails, or is closed. Close is always safe to call.
type Reader struct {
	ctx   context.Context
	t     *Translator
	s     *Session
	f     *sftp.File
	path  string
	entry Entry

	mu       sync.Mutex
	scratch  []byte
	eof      bool
	released bool
}

// Entry returns the metadata of the file taken when it was opened.
func (r *Reader) Entry() Entry { return r.entry }

// Stat implements the Stat half of http.File.
func (r *Reader) Stat() (fs.FileInfo, error) { return r.entry.FileInfo(), nil }

// Read reads the next chunk. Each call is bounded by the operation timeout.
func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		if r.eof {
			return 0, io.EOF
		}
		return 0, fs.ErrClosed
	}

	n, err := r.t.readChunk(r.context(), r.s, r.f, p, &r.scratch)
	if errors.Is(err, io.EOF) {
		r.eof = true
		r.releaseLocked(nil)
		return n, io.EOF
	}
	if err != nil {
		r.releaseLocked(err)
		return n, wrapErr("read", r.path, kinded(err))
	}
	return n, nil
}

// Seek sets the offset for the next Read. It fails once the session has been
// released.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return 0, fs.ErrClosed
	}
	pos, err := callTimeout(r.context(), r.t.opTimeout, r.s, func() (int64, error) {
		return r.f.Seek(offset, whence)
	})
	if err != nil {
		if breaksSession(err) {
			r.releaseLocked(err)
		}
		return pos, wrapErr("read", r.path, kinded(err))
	}
	return pos, nil
}

// Close closes the remote file and returns the session to the pool.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(nil)
	return nil
}

func (r *Reader) context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

func (r *Reader) releaseLocked(cause error) {
	if r.released {
		return
	}
	r.released = true

	if cause == nil || !breaksSession(cause) {
		if err := r.t.closeFile(r.context(), r.s, r.f); err != nil && cause == nil {
			cause = err
		}
	}
	r.t.releaseAfter(r.s, cause)
}

// remoteReader reads a remote file on a session the caller already holds.
type remoteReader struct {
	ctx     context.Context
	t       *Translator
	s       *Session
	f       *sftp.File
	scratch []byte
}

func (r *remoteReader) Read(p []byte) (int, error) {
	n, err := r.t.readChunk(r.ctx, r.s, r.f, p, &r.scratch)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, kinded(err)
	}
	return n, err
}

// readChunk reads from f into a scratch buffer and copies the result into p.
// A read abandoned by callTimeout keeps running in the background, so it
// must never own p; the scratch buffer it was given is dropped instead.
func (t *Translator) readChunk(ctx context.Context, s *Session, f io.Reader, p []byte, scratch *[]byte) (int, error) {
	buf := *scratch
	if cap(buf) < len(p) {
		buf = make([]byte, len(p))
	}
	buf = buf[:len(p)]

	n, err := callTimeout(ctx, t.opTimeout, s, func() (int, error) {
		return f.Read(buf)
	})
	if err != nil && !errors.Is(err, io.EOF) {
		*scratch = nil
	} else {
		*scratch = buf
	}
	copy(p, buf[:n])
	return n, err
}
