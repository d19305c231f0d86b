package davsftp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"", "/", false},
		{"/", "/", false},
		{"//", "/", false},
		{"/a", "/a", false},
		{"a", "/a", false},
		{"/a/", "/a", false},
		{"/a//b", "/a/b", false},
		{"/a/./b", "/a/b", false},
		{"/a/b/..", "/a", false},
		{"/a/b/../../c", "/c", false},
		{"/a/..", "/", false},
		{"/name with spaces/ü", "/name with spaces/ü", false},
		{"/...", "/...", false},
		{"/..", "", true},
		{"/a/../..", "", true},
		{"../etc/passwd", "", true},
		{"/a\x00b", "", true},
		{"/\xff", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Clean(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewPathMapper(t *testing.T) {
	m, err := NewPathMapper("")
	require.NoError(t, err)
	assert.Equal(t, "/", m.Root())

	m, err = NewPathMapper("/srv//share/")
	require.NoError(t, err)
	assert.Equal(t, "/srv/share", m.Root())

	_, err = NewPathMapper("relative/root")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestPathMapper_ToRemote(t *testing.T) {
	tests := []struct {
		root    string
		input   string
		want    string
		wantErr bool
	}{
		{"/srv/share", "/", "/srv/share", false},
		{"/srv/share", "", "/srv/share", false},
		{"/srv/share", "/docs/a.txt", "/srv/share/docs/a.txt", false},
		{"/srv/share", "/docs/../a.txt", "/srv/share/a.txt", false},
		{"/srv/share", "/../share2/x", "", true},
		{"/srv/share", "/docs/../../x", "", true},
		{"/", "/etc/hosts", "/etc/hosts", false},
		{"/", "/", "/", false},
	}

	for _, tt := range tests {
		t.Run(tt.root+tt.input, func(t *testing.T) {
			m, err := NewPathMapper(tt.root)
			require.NoError(t, err)

			got, err := m.ToRemote(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPathMapper_ToWebdav(t *testing.T) {
	tests := []struct {
		root    string
		remote  string
		want    string
		wantErr bool
	}{
		{"/srv/share", "/srv/share", "/", false},
		{"/srv/share", "/srv/share/", "/", false},
		{"/srv/share", "/srv/share/docs/a.txt", "/docs/a.txt", false},
		{"/srv/share", "/srv/share2/a.txt", "", true},
		{"/srv/share", "/srv", "", true},
		{"/srv/share", "relative", "", true},
		{"/", "/a/b", "/a/b", false},
		{"/", "/", "/", false},
	}

	for _, tt := range tests {
		t.Run(tt.root+" "+tt.remote, func(t *testing.T) {
			m, err := NewPathMapper(tt.root)
			require.NoError(t, err)

			got, err := m.ToWebdav(tt.remote)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidPath), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsRoot(t *testing.T) {
	assert.True(t, IsRoot("/"))
	assert.True(t, IsRoot(""))
	assert.True(t, IsRoot("/a/.."))
	assert.False(t, IsRoot("/a"))
	assert.False(t, IsRoot("/.."))
}

func TestIsWithin(t *testing.T) {
	assert.True(t, isWithin("/a", "/"))
	assert.True(t, isWithin("/a", "/a"))
	assert.True(t, isWithin("/a/b", "/a"))
	assert.False(t, isWithin("/ab", "/a"))
	assert.False(t, isWithin("/", "/a"))
}
