package davsftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
)

// Op is one of the filesystem operations a WebDAV request can need.
type Op int

const (
	OpStat Op = iota + 1
	OpList
	OpRead
	OpWrite
	OpDelete
	OpMove
	OpCopy
	OpMkdir
)

func (o Op) String() string {
	switch o {
	case OpStat:
		return "stat"
	case OpList:
		return "list"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	case OpMove:
		return "move"
	case OpCopy:
		return "copy"
	case OpMkdir:
		return "mkdir"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Request describes one operation for Translator.Do.
type Request struct {
	Op   Op
	Path string

	// Destination, Overwrite and Recursive apply to OpMove and OpCopy.
	// Recursive false copies a collection without its members.
	Destination string
	Overwrite   bool
	Recursive   bool

	// Body is the content of an OpWrite.
	Body io.Reader
}

// Result is the outcome of a successful Translator.Do. Which fields are set
// depends on Op.
type Result struct {
	Op      Op
	Entry   Entry   // OpStat
	Entries []Entry // OpList
	Reader  *Reader // OpRead; the caller must Close it
	Written int64   // OpWrite, OpCopy of a file
	Created bool    // OpWrite, OpMove, OpCopy, OpMkdir
}

// WriteResult reports the outcome of a write, move or copy.
type WriteResult struct {
	Written int64
	Created bool
}

// TranslatorOption configures a Translator.
type TranslatorOption func(*Translator)

// WithTranslatorLogger sets the translator logger.
func WithTranslatorLogger(logger zerolog.Logger) TranslatorOption {
	return func(t *Translator) {
		t.logger = logger
	}
}

// Translator maps filesystem operations on WebDAV paths onto SFTP calls.
// Each operation runs on one pooled session and releases it on every path.
type Translator struct {
	pool      *Pool
	mapper    *PathMapper
	logger    zerolog.Logger
	chunkSize int
	opTimeout time.Duration
}

// NewTranslator creates a translator backed by pool, rooted at the pool's
// RemotePath.
func NewTranslator(pool *Pool, opts ...TranslatorOption) (*Translator, error) {
	if pool == nil {
		return nil, errors.New("translator requires a pool")
	}
	config := pool.Config()
	mapper, err := NewPathMapper(config.RemotePath)
	if err != nil {
		return nil, err
	}

	t := &Translator{
		pool:      pool,
		mapper:    mapper,
		logger:    zerolog.Nop(),
		chunkSize: config.ChunkSize,
		opTimeout: config.OperationTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Mapper returns the path mapper in use.
func (t *Translator) Mapper() *PathMapper { return t.mapper }

// Pool returns the session pool in use.
func (t *Translator) Pool() *Pool { return t.pool }

// Do runs req and returns its result. It is the entry point for every
// request the WebDAV side makes.
func (t *Translator) Do(ctx context.Context, req Request) (Result, error) {
	res := Result{Op: req.Op}
	var err error

	ev := t.logger.Debug().Stringer("op", req.Op).Str("path", req.Path)
	if req.Destination != "" {
		ev = ev.Str("dst", req.Destination)
	}
	ev.Msg("translate")

	switch req.Op {
	case OpStat:
		res.Entry, err = t.Stat(ctx, req.Path)
	case OpList:
		res.Entries, err = t.List(ctx, req.Path)
	case OpRead:
		res.Reader, err = t.Read(ctx, req.Path)
	case OpWrite:
		var wr WriteResult
		wr, err = t.Write(ctx, req.Path, req.Body)
		res.Written, res.Created = wr.Written, wr.Created
	case OpDelete:
		err = t.Delete(ctx, req.Path)
	case OpMove:
		var wr WriteResult
		wr, err = t.Move(ctx, req.Path, req.Destination, req.Overwrite)
		res.Created = wr.Created
	case OpCopy:
		var wr WriteResult
		wr, err = t.Copy(ctx, req.Path, req.Destination, req.Overwrite, req.Recursive)
		res.Written, res.Created = wr.Written, wr.Created
	case OpMkdir:
		err = t.Mkdir(ctx, req.Path)
		res.Created = err == nil
	default:
		err = newOpError(req.Op.String(), req.Path, ErrInvalidPath, fmt.Errorf("unsupported operation"))
	}

	if err != nil {
		return Result{Op: req.Op}, err
	}
	return res, nil
}

// Stat returns the metadata of p.
func (t *Translator) Stat(ctx context.Context, p string) (Entry, error) {
	davPath, remote, err := t.resolve("stat", p)
	if err != nil {
		return Entry{}, err
	}

	var entry Entry
	err = t.run(ctx, "stat", davPath, func(s *Session) error {
		fi, err := t.stat(ctx, s, remote)
		if err != nil {
			return err
		}
		entry = newEntry(davPath, fi)
		return nil
	})
	return entry, err
}

// List returns the members of the collection p, sorted by name. The
// attributes come back with the directory listing, so no per-child stat is
// needed.
func (t *Translator) List(ctx context.Context, p string) ([]Entry, error) {
	davPath, remote, err := t.resolve("list", p)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	err = t.run(ctx, "list", davPath, func(s *Session) error {
		fi, err := t.stat(ctx, s, remote)
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return newOpError("list", davPath, ErrConflict, fmt.Errorf("not a collection"))
		}

		infos, err := t.readDir(ctx, s, remote)
		if err != nil {
			return err
		}
		entries = make([]Entry, 0, len(infos))
		for _, info := range infos {
			name := info.Name()
			if name == "." || name == ".." {
				continue
			}
			child, err := t.mapper.ToWebdav(path.Join(remote, name))
			if err != nil {
				t.logger.Warn().Err(err).Str("name", name).Msg("skipping entry outside the share")
				continue
			}
			entries = append(entries, newEntry(child, info))
		}
		slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Read opens p for reading. The returned Reader holds its session until it
// reaches EOF or is closed; callers must always Close it.
func (t *Translator) Read(ctx context.Context, p string) (*Reader, error) {
	davPath, remote, err := t.resolve("read", p)
	if err != nil {
		return nil, err
	}

	s, err := t.pool.Acquire(ctx)
	if err != nil {
		return nil, wrapErr("read", davPath, err)
	}

	fi, err := t.stat(ctx, s, remote)
	if err == nil && fi.IsDir() {
		err = newOpError("read", davPath, ErrConflict, fmt.Errorf("is a collection"))
	}
	var f *sftp.File
	if err == nil {
		f, err = t.openFile(ctx, s, remote, os.O_RDONLY)
	}
	if err != nil {
		t.releaseAfter(s, err)
		return nil, wrapErr("read", davPath, err)
	}

	return &Reader{
		ctx:   ctx,
		t:     t,
		s:     s,
		f:     f,
		path:  davPath,
		entry: newEntry(davPath, fi),
	}, nil
}

// Write replaces (or creates) the file p with the content of body, copied in
// ChunkSize pieces. A failed write removes the partial file.
func (t *Translator) Write(ctx context.Context, p string, body io.Reader) (WriteResult, error) {
	davPath, remote, err := t.resolve("write", p)
	if err != nil {
		return WriteResult{}, err
	}
	if davPath == "/" {
		return WriteResult{}, newOpError("write", davPath, ErrConflict, fmt.Errorf("cannot write to the root collection"))
	}
	if body == nil {
		body = strings.NewReader("")
	}

	var res WriteResult
	err = t.run(ctx, "write", davPath, func(s *Session) error {
		created, err := t.prepareWrite(ctx, s, davPath, remote)
		if err != nil {
			return err
		}
		res.Created = created

		f, err := t.openFile(ctx, s, remote, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return err
		}

		n, err := t.copyChunks(ctx, s, f, body)
		res.Written = n
		closeErr := t.closeFile(ctx, s, f)
		if err == nil {
			err = closeErr
		}
		if err != nil {
			t.removePartial(ctx, s, remote)
			return err
		}
		return nil
	})
	if err != nil {
		return WriteResult{Written: res.Written}, err
	}
	return res, nil
}

func (t *Translator) prepareWrite(ctx context.Context, s *Session, davPath, remote string) (bool, error) {
	if err := t.requireParent(ctx, s, "write", davPath, remote); err != nil {
		return false, err
	}
	fi, err := t.stat(ctx, s, remote)
	switch {
	case err == nil && fi.IsDir():
		return false, newOpError("write", davPath, ErrConflict, fmt.Errorf("is a collection"))
	case err == nil:
		return false, nil
	case errors.Is(err, ErrNotFound):
		return true, nil
	default:
		return false, err
	}
}

// Delete removes p, recursively when it is a collection. A missing target is
// not an error. The root itself cannot be deleted.
func (t *Translator) Delete(ctx context.Context, p string) error {
	davPath, remote, err := t.resolve("delete", p)
	if err != nil {
		return err
	}
	if davPath == "/" {
		return newOpError("delete", davPath, ErrPermission, fmt.Errorf("cannot delete the root collection"))
	}

	return t.run(ctx, "delete", davPath, func(s *Session) error {
		fi, err := t.lstat(ctx, s, remote)
		if errors.Is(err, ErrNotFound) {
			t.logger.Debug().Str("path", davPath).Msg("delete target already absent")
			return nil
		}
		if err != nil {
			return err
		}
		return t.removeTree(ctx, s, remote, fi)
	})
}

// Move renames src to dst. An existing dst is replaced when overwrite is set
// and reported as ErrDestinationExists otherwise.
func (t *Translator) Move(ctx context.Context, src, dst string, overwrite bool) (WriteResult, error) {
	srcPath, srcRemote, dstPath, dstRemote, err := t.resolvePair("move", src, dst)
	if err != nil {
		return WriteResult{}, err
	}

	var res WriteResult
	err = t.run(ctx, "move", srcPath, func(s *Session) error {
		srcInfo, err := t.lstat(ctx, s, srcRemote)
		if err != nil {
			return err
		}
		if srcInfo.IsDir() && isWithin(dstPath, srcPath) {
			return newOpError("move", dstPath, ErrConflict, fmt.Errorf("cannot move a collection into itself"))
		}
		created, err := t.prepareDestination(ctx, s, "move", dstPath, dstRemote, overwrite)
		if err != nil {
			return err
		}
		res.Created = created

		if err := t.exec(ctx, s, func() error {
			return s.Client().Rename(srcRemote, dstRemote)
		}); err != nil {
			return err
		}
		t.logger.Debug().Str("src", srcPath).Str("dst", dstPath).Msg("moved")
		return nil
	})
	if err != nil {
		return WriteResult{}, err
	}
	return res, nil
}

// Copy duplicates src at dst. Files are streamed on the same session;
// collections are recreated, and their members copied when recursive is set.
func (t *Translator) Copy(ctx context.Context, src, dst string, overwrite, recursive bool) (WriteResult, error) {
	srcPath, srcRemote, dstPath, dstRemote, err := t.resolvePair("copy", src, dst)
	if err != nil {
		return WriteResult{}, err
	}

	var res WriteResult
	err = t.run(ctx, "copy", srcPath, func(s *Session) error {
		srcInfo, err := t.stat(ctx, s, srcRemote)
		if err != nil {
			return err
		}
		if srcInfo.IsDir() && isWithin(dstPath, srcPath) {
			return newOpError("copy", dstPath, ErrConflict, fmt.Errorf("cannot copy a collection into itself"))
		}
		created, err := t.prepareDestination(ctx, s, "copy", dstPath, dstRemote, overwrite)
		if err != nil {
			return err
		}
		res.Created = created

		n, err := t.copyTree(ctx, s, srcRemote, dstRemote, srcInfo, recursive)
		res.Written = n
		return err
	})
	if err != nil {
		return WriteResult{}, err
	}
	return res, nil
}

// Mkdir creates the collection p. Both an existing target and a missing
// parent are conflicts.
func (t *Translator) Mkdir(ctx context.Context, p string) error {
	davPath, remote, err := t.resolve("mkdir", p)
	if err != nil {
		return err
	}
	if davPath == "/" {
		return newOpError("mkdir", davPath, ErrConflict, fmt.Errorf("already exists"))
	}

	return t.run(ctx, "mkdir", davPath, func(s *Session) error {
		_, err := t.lstat(ctx, s, remote)
		if err == nil {
			return newOpError("mkdir", davPath, ErrConflict, fmt.Errorf("already exists"))
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := t.requireParent(ctx, s, "mkdir", davPath, remote); err != nil {
			return err
		}
		err = t.exec(ctx, s, func() error {
			return s.Client().Mkdir(remote)
		})
		return err
	})
}

func (t *Translator) resolve(op, p string) (string, string, error) {
	davPath, err := Clean(p)
	if err != nil {
		return "", "", wrapErr(op, p, err)
	}
	remote, err := t.mapper.ToRemote(davPath)
	if err != nil {
		return "", "", wrapErr(op, p, err)
	}
	return davPath, remote, nil
}

func (t *Translator) resolvePair(op, src, dst string) (string, string, string, string, error) {
	srcPath, srcRemote, err := t.resolve(op, src)
	if err != nil {
		return "", "", "", "", err
	}
	dstPath, dstRemote, err := t.resolve(op, dst)
	if err != nil {
		return "", "", "", "", err
	}
	if srcPath == "/" || dstPath == "/" {
		return "", "", "", "", newOpError(op, srcPath, ErrPermission, fmt.Errorf("cannot %s the root collection", op))
	}
	if srcPath == dstPath {
		return "", "", "", "", newOpError(op, srcPath, ErrPermission, fmt.Errorf("source and destination are the same"))
	}
	// Overwriting an ancestor would remove the source before it is read.
	if isWithin(srcPath, dstPath) {
		return "", "", "", "", newOpError(op, dstPath, ErrConflict, fmt.Errorf("destination contains the source"))
	}
	return srcPath, srcRemote, dstPath, dstRemote, nil
}

// prepareDestination checks the parent of dst and clears an existing dst
// when overwrite allows it. It reports whether dst did not exist.
func (t *Translator) prepareDestination(ctx context.Context, s *Session, op, dstPath, dstRemote string, overwrite bool) (bool, error) {
	if err := t.requireParent(ctx, s, op, dstPath, dstRemote); err != nil {
		return false, err
	}
	fi, err := t.lstat(ctx, s, dstRemote)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !overwrite {
		return false, newOpError(op, dstPath, ErrDestinationExists, nil)
	}
	if err := t.removeTree(ctx, s, dstRemote, fi); err != nil {
		return false, err
	}
	return false, nil
}

func (t *Translator) requireParent(ctx context.Context, s *Session, op, davPath, remote string) error {
	parent := path.Dir(remote)
	fi, err := t.stat(ctx, s, parent)
	if errors.Is(err, ErrNotFound) {
		return newOpError(op, davPath, ErrConflict, fmt.Errorf("parent collection does not exist"))
	}
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return newOpError(op, davPath, ErrConflict, fmt.Errorf("parent is not a collection"))
	}
	return nil
}

// removeTree deletes remote depth-first. Entries that vanish concurrently
// are ignored.
func (t *Translator) removeTree(ctx context.Context, s *Session, remote string, fi fs.FileInfo) error {
	if !fi.IsDir() {
		err := t.remove(ctx, s, remote)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	children, err := t.readDir(ctx, s, remote)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Name() == "." || child.Name() == ".." {
			continue
		}
		if err := t.removeTree(ctx, s, path.Join(remote, child.Name()), child); err != nil {
			return err
		}
	}

	err = t.exec(ctx, s, func() error {
		return s.Client().RemoveDirectory(remote)
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (t *Translator) copyTree(ctx context.Context, s *Session, src, dst string, fi fs.FileInfo, recursive bool) (int64, error) {
	if !fi.IsDir() {
		return t.copyFile(ctx, s, src, dst, fi.Mode())
	}

	if err := t.exec(ctx, s, func() error {
		return s.Client().Mkdir(dst)
	}); err != nil {
		return 0, err
	}
	t.chmodBestEffort(ctx, s, dst, fi.Mode())
	if !recursive {
		return 0, nil
	}

	children, err := t.readDir(ctx, s, src)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, child := range children {
		if child.Name() == "." || child.Name() == ".." {
			continue
		}
		n, err := t.copyTree(ctx, s, path.Join(src, child.Name()), path.Join(dst, child.Name()), child, true)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (t *Translator) copyFile(ctx context.Context, s *Session, src, dst string, mode fs.FileMode) (int64, error) {
	in, err := t.openFile(ctx, s, src, os.O_RDONLY)
	if err != nil {
		return 0, err
	}
	defer t.closeFile(ctx, s, in)

	out, err := t.openFile(ctx, s, dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, err
	}

	n, err := t.copyChunks(ctx, s, out, &remoteReader{ctx: ctx, t: t, s: s, f: in})
	closeErr := t.closeFile(ctx, s, out)
	if err == nil {
		err = closeErr
	}
	if err != nil {
		t.removePartial(ctx, s, dst)
		return n, err
	}
	t.chmodBestEffort(ctx, s, dst, mode)
	return n, nil
}

// copyChunks writes src into dst one chunk at a time. Each remote write is
// bounded by the operation timeout; reads from src are bounded by ctx.
func (t *Translator) copyChunks(ctx context.Context, s *Session, dst *sftp.File, src io.Reader) (int64, error) {
	buf := make([]byte, t.chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, kinded(err)
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			chunk := buf[:nr]
			nw, werr := callTimeout(ctx, t.opTimeout, s, func() (int, error) {
				return dst.Write(chunk)
			})
			written += int64(nw)
			if werr != nil {
				return written, kinded(werr)
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			var opErr *OpError
			if errors.As(rerr, &opErr) {
				return written, rerr
			}
			return written, newOpError("write", "", ErrTransportInterrupted, &sourceError{rerr})
		}
	}
}

func (t *Translator) removePartial(ctx context.Context, s *Session, remote string) {
	if s.Broken() {
		t.logger.Warn().Str("path", remote).Msg("session lost, partial file may remain")
		return
	}
	if err := t.exec(context.WithoutCancel(ctx), s, func() error {
		return s.Client().Remove(remote)
	}); err != nil && !errors.Is(err, ErrNotFound) {
		t.logger.Warn().Err(err).Str("path", remote).Msg("could not remove partial file")
	}
}

func (t *Translator) chmodBestEffort(ctx context.Context, s *Session, remote string, mode fs.FileMode) {
	if err := t.exec(ctx, s, func() error {
		return s.Client().Chmod(remote, mode.Perm())
	}); err != nil {
		t.logger.Debug().Err(err).Str("path", remote).Msg("chmod after copy failed")
	}
}

func (t *Translator) stat(ctx context.Context, s *Session, remote string) (fs.FileInfo, error) {
	v, err := callTimeout(ctx, t.opTimeout, s, func() (fs.FileInfo, error) {
		return s.Client().Stat(remote)
	})
	return v, kinded(err)
}

func (t *Translator) lstat(ctx context.Context, s *Session, remote string) (fs.FileInfo, error) {
	v, err := callTimeout(ctx, t.opTimeout, s, func() (fs.FileInfo, error) {
		return s.Client().Lstat(remote)
	})
	return v, kinded(err)
}

func (t *Translator) readDir(ctx context.Context, s *Session, remote string) ([]fs.FileInfo, error) {
	v, err := callTimeout(ctx, t.opTimeout, s, func() ([]fs.FileInfo, error) {
		return s.Client().ReadDir(remote)
	})
	return v, kinded(err)
}

func (t *Translator) remove(ctx context.Context, s *Session, remote string) error {
	err := t.exec(ctx, s, func() error {
		return s.Client().Remove(remote)
	})
	return err
}

func (t *Translator) openFile(ctx context.Context, s *Session, remote string, flag int) (*sftp.File, error) {
	v, err := callTimeout(ctx, t.opTimeout, s, func() (*sftp.File, error) {
		return s.Client().OpenFile(remote, flag)
	})
	return v, kinded(err)
}

func (t *Translator) closeFile(ctx context.Context, s *Session, f *sftp.File) error {
	err := t.exec(context.WithoutCancel(ctx), s, func() error {
		return f.Close()
	})
	return err
}

// run executes fn on one pooled session and attaches op and path to any
// error it returns.
func (t *Translator) run(ctx context.Context, op, davPath string, fn func(*Session) error) error {
	err := t.pool.With(ctx, fn)
	if err != nil {
		err = wrapErr(op, davPath, err)
		t.logger.Debug().Err(err).Str("op", op).Str("path", davPath).Msg("operation failed")
	}
	return err
}

func (t *Translator) releaseAfter(s *Session, err error) {
	if breaksSession(err) {
		s.MarkBroken()
	}
	t.pool.Release(s)
}

// exec runs one SFTP call that only returns an error.
func (t *Translator) exec(ctx context.Context, s *Session, fn func() error) error {
	_, err := callTimeout(ctx, t.opTimeout, s, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return kinded(err)
}

// kinded classifies a raw SFTP or context error so callers can match it
// against the error kinds. Errors that already carry a kind pass through.
func kinded(err error) error {
	if err == nil {
		return nil
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return err
	}
	return newOpError("", "", classify(err), err)
}

// callTimeout runs one SFTP call bounded by ctx and timeout. A call that is
// abandoned leaves the session in an unknown state, so it is marked broken.
func callTimeout[T any](ctx context.Context, timeout time.Duration, s *Session, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		s.MarkBroken()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, newOpError("sftp call", "", ErrOperationTimeout, ctx.Err())
		}
		return zero, ctx.Err()
	case <-s.wait:
		// The call may still have completed; prefer its result.
		select {
		case res := <-done:
			return res.v, res.err
		default:
		}
		return zero, s.closedErr()
	case res := <-done:
		return res.v, res.err
	}
}
