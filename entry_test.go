package davsftp

import (
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeInfo struct {
	name string
	size int64
	mode fs.FileMode
	mod  time.Time
}

func (f fakeInfo) Name() string       { return f.name }
func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) Mode() fs.FileMode  { return f.mode }
func (f fakeInfo) ModTime() time.Time { return f.mod }
func (f fakeInfo) IsDir() bool        { return f.mode.IsDir() }
func (f fakeInfo) Sys() any           { return nil }

func TestNewEntry(t *testing.T) {
	mod := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		path        string
		info        fakeInfo
		wantName    string
		wantSize    int64
		wantDir     bool
		contentType string
	}{
		{
			name:        "html file",
			path:        "/docs/index.html",
			info:        fakeInfo{name: "index.html", size: 42, mode: 0644, mod: mod},
			wantName:    "index.html",
			wantSize:    42,
			contentType: "text/html; charset=utf-8",
		},
		{
			name:        "unknown extension",
			path:        "/blob.davsftp-unknown",
			info:        fakeInfo{name: "blob.davsftp-unknown", size: 1, mode: 0600, mod: mod},
			wantName:    "blob.davsftp-unknown",
			wantSize:    1,
			contentType: "application/octet-stream",
		},
		{
			name:     "directory reports size zero",
			path:     "/docs",
			info:     fakeInfo{name: "docs", size: 4096, mode: fs.ModeDir | 0755, mod: mod},
			wantName: "docs",
			wantDir:  true,
		},
		{
			name:     "root",
			path:     "/",
			info:     fakeInfo{name: "share", mode: fs.ModeDir | 0755, mod: mod},
			wantName: "/",
			wantDir:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEntry(tt.path, tt.info)
			assert.Equal(t, tt.path, e.Path)
			assert.Equal(t, tt.wantName, e.Name)
			assert.Equal(t, tt.wantSize, e.Size)
			assert.Equal(t, tt.wantDir, e.IsDir)
			assert.Equal(t, tt.contentType, e.ContentType)
			assert.Equal(t, ETag(tt.wantSize, mod), e.ETag)
		})
	}
}

func TestETag(t *testing.T) {
	mod := time.Unix(1700000000, 0)
	assert.Equal(t, `"12-1700000000"`, ETag(12, mod))
	assert.NotEqual(t, ETag(12, mod), ETag(13, mod))
	assert.NotEqual(t, ETag(12, mod), ETag(12, mod.Add(time.Second)))
}

func TestEntryFileInfo(t *testing.T) {
	mod := time.Unix(1700000000, 0)
	e := newEntry("/a.bin", fakeInfo{name: "a.bin", size: 9, mode: 0640, mod: mod})

	fi := e.FileInfo()
	assert.Equal(t, "a.bin", fi.Name())
	assert.Equal(t, int64(9), fi.Size())
	assert.Equal(t, fs.FileMode(0640), fi.Mode())
	assert.Equal(t, mod, fi.ModTime())
	assert.False(t, fi.IsDir())
	assert.Equal(t, e, fi.Sys())
}
