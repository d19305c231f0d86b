package davserver

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/net/webdav"

	"github.com/darshan-rambhia/davsftp"
)

// fileSystem adapts a Translator to webdav.FileSystem for the PROPFIND and
// PROPPATCH walkers. It is read-only: every other method is served by
// Handler itself. One is created per request: Readdir results are kept for
// the Stat calls webdav makes right after listing a collection.
type fileSystem struct {
	t *davsftp.Translator

	mu    sync.Mutex
	cache map[string]davsftp.Entry
}

var _ webdav.FileSystem = (*fileSystem)(nil)

func newFileSystem(t *davsftp.Translator) *fileSystem {
	return &fileSystem{t: t, cache: make(map[string]davsftp.Entry)}
}

func (fsys *fileSystem) remember(entries ...davsftp.Entry) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	for _, e := range entries {
		fsys.cache[e.Path] = e
	}
}

func (fsys *fileSystem) lookup(p string) (davsftp.Entry, bool) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	e, ok := fsys.cache[p]
	return e, ok
}

func (fsys *fileSystem) entry(ctx context.Context, name string) (davsftp.Entry, error) {
	p, err := davsftp.Clean(name)
	if err != nil {
		return davsftp.Entry{}, err
	}
	if e, ok := fsys.lookup(p); ok {
		return e, nil
	}
	res, err := fsys.t.Do(ctx, davsftp.Request{Op: davsftp.OpStat, Path: p})
	if err != nil {
		return davsftp.Entry{}, err
	}
	fsys.remember(res.Entry)
	return res.Entry, nil
}

func (fsys *fileSystem) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	e, err := fsys.entry(ctx, name)
	if err != nil {
		return nil, toFSError("stat", name, err)
	}
	return newFileInfo(e), nil
}

func (fsys *fileSystem) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	// PROPPATCH opens with O_RDWR only to look for dead properties; the file
	// itself is never written.
	if flag&(os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
	}

	e, err := fsys.entry(ctx, name)
	if err != nil {
		return nil, toFSError("open", name, err)
	}
	return &file{ctx: ctx, fsys: fsys, entry: e}, nil
}

func (fsys *fileSystem) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return &os.PathError{Op: "mkdir", Path: name, Err: fs.ErrPermission}
}

func (fsys *fileSystem) RemoveAll(ctx context.Context, name string) error {
	return &os.PathError{Op: "removeall", Path: name, Err: fs.ErrPermission}
}

func (fsys *fileSystem) Rename(ctx context.Context, oldName, newName string) error {
	return &os.PathError{Op: "rename", Path: oldName, Err: fs.ErrPermission}
}

// fileInfo exposes an Entry to webdav, including its ETag and content type
// so webdav never has to open a file to compute them.
type fileInfo struct {
	fs.FileInfo
	e davsftp.Entry
}

func newFileInfo(e davsftp.Entry) fileInfo {
	return fileInfo{FileInfo: e.FileInfo(), e: e}
}

func (fi fileInfo) ETag(context.Context) (string, error) { return fi.e.ETag, nil }

func (fi fileInfo) ContentType(context.Context) (string, error) {
	if ct := fi.e.ContentType; ct != "" {
		return ct, nil
	}
	return "", webdav.ErrNotImplemented
}

// file is a lazily opened remote file. Metadata comes from the entry; a
// Reader is only opened, and a session only taken, on the first Read or
// non-trivial Seek.
type file struct {
	ctx   context.Context
	fsys  *fileSystem
	entry davsftp.Entry

	r      *davsftp.Reader
	dirPos int
}

func (f *file) open() error {
	if f.r != nil {
		return nil
	}
	if f.entry.IsDir {
		return &os.PathError{Op: "read", Path: f.entry.Path, Err: errors.New("is a directory")}
	}
	res, err := f.fsys.t.Do(f.ctx, davsftp.Request{Op: davsftp.OpRead, Path: f.entry.Path})
	if err != nil {
		return toFSError("read", f.entry.Path, err)
	}
	f.r = res.Reader
	return nil
}

func (f *file) Read(p []byte) (int, error) {
	if err := f.open(); err != nil {
		return 0, err
	}
	return f.r.Read(p)
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	if f.r == nil && whence == io.SeekStart && offset == 0 {
		return 0, nil
	}
	if err := f.open(); err != nil {
		return 0, err
	}
	return f.r.Seek(offset, whence)
}

func (f *file) Write(p []byte) (int, error) {
	return 0, &os.PathError{Op: "write", Path: f.entry.Path, Err: fs.ErrPermission}
}

// Readdir lists the collection. count <= 0 returns everything left;
// otherwise at most count entries, and io.EOF once exhausted.
func (f *file) Readdir(count int) ([]fs.FileInfo, error) {
	if !f.entry.IsDir {
		return nil, &os.PathError{Op: "readdir", Path: f.entry.Path, Err: errors.New("not a directory")}
	}
	res, err := f.fsys.t.Do(f.ctx, davsftp.Request{Op: davsftp.OpList, Path: f.entry.Path})
	if err != nil {
		return nil, toFSError("readdir", f.entry.Path, err)
	}
	entries := res.Entries
	f.fsys.remember(entries...)

	if f.dirPos >= len(entries) {
		if count > 0 {
			return nil, io.EOF
		}
		return []fs.FileInfo{}, nil
	}
	entries = entries[f.dirPos:]
	if count > 0 && count < len(entries) {
		entries = entries[:count]
	}
	f.dirPos += len(entries)

	infos := make([]fs.FileInfo, len(entries))
	for i, e := range entries {
		infos[i] = newFileInfo(e)
	}
	return infos, nil
}

func (f *file) Stat() (fs.FileInfo, error) {
	return newFileInfo(f.entry), nil
}

func (f *file) Close() error {
	if f.r != nil {
		return f.r.Close()
	}
	return nil
}
