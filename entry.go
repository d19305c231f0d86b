package davsftp

import (
	"fmt"
	"io/fs"
	"mime"
	"path"
	"time"
)

// Entry is the metadata of one remote file or directory, addressed by its
// WebDAV path.
type Entry struct {
	Path        string      `json:"path"`
	Name        string      `json:"name"`
	Size        int64       `json:"size"`
	ModTime     time.Time   `json:"mod_time"`
	Mode        fs.FileMode `json:"mode"`
	IsDir       bool        `json:"is_dir"`
	ETag        string      `json:"etag"`
	ContentType string      `json:"content_type,omitempty"`
}

func newEntry(davPath string, fi fs.FileInfo) Entry {
	name := path.Base(davPath)
	if davPath == "/" {
		name = "/"
	}
	e := Entry{
		Path:    davPath,
		Name:    name,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		Mode:    fi.Mode(),
		IsDir:   fi.IsDir(),
	}
	if e.IsDir {
		e.Size = 0
	} else {
		e.ContentType = contentType(name)
	}
	e.ETag = ETag(e.Size, e.ModTime)
	return e
}

// ETag returns the quoted entity tag for a file of the given size and
// modification time.
func ETag(size int64, modTime time.Time) string {
	return fmt.Sprintf(`"%d-%d"`, size, modTime.Unix())
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// FileInfo adapts the entry to fs.FileInfo.
func (e Entry) FileInfo() fs.FileInfo { return entryInfo{e} }

type entryInfo struct{ e Entry }

func (i entryInfo) Name() string       { return i.e.Name }
func (i entryInfo) Size() int64        { return i.e.Size }
func (i entryInfo) Mode() fs.FileMode  { return i.e.Mode }
func (i entryInfo) ModTime() time.Time { return i.e.ModTime }
func (i entryInfo) IsDir() bool        { return i.e.IsDir }
func (i entryInfo) Sys() any           { return i.e }
