package davsftp

import (
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

// PathMapper converts WebDAV request paths into remote SFTP paths confined
// to a root directory, and back.
type PathMapper struct {
	root string
}

// NewPathMapper returns a mapper for the given absolute remote root.
func NewPathMapper(root string) (*PathMapper, error) {
	if root == "" {
		root = "/"
	}
	if !path.IsAbs(root) {
		return nil, newOpError("pathmap", root, ErrInvalidPath, fmt.Errorf("root %q is not absolute", root))
	}
	return &PathMapper{root: path.Clean(root)}, nil
}

// Root returns the remote root directory.
func (m *PathMapper) Root() string {
	return m.root
}

// Clean returns the canonical WebDAV form of p: absolute, no dot segments,
// no trailing slash except for "/". It fails when p climbs above "/".
func Clean(p string) (string, error) {
	if strings.IndexByte(p, 0) >= 0 {
		return "", newOpError("clean", p, ErrInvalidPath, fmt.Errorf("path contains NUL byte"))
	}
	if !utf8.ValidString(p) {
		return "", newOpError("clean", p, ErrInvalidPath, fmt.Errorf("path is not valid UTF-8"))
	}

	segments := make([]string, 0, strings.Count(p, "/")+1)
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(segments) == 0 {
				return "", newOpError("clean", p, ErrInvalidPath, fmt.Errorf("path escapes the root"))
			}
			segments = segments[:len(segments)-1]
		default:
			segments = append(segments, seg)
		}
	}
	return "/" + strings.Join(segments, "/"), nil
}

// ToRemote maps a WebDAV path onto the remote tree. The result is always the
// root or a descendant of it.
func (m *PathMapper) ToRemote(p string) (string, error) {
	clean, err := Clean(p)
	if err != nil {
		return "", err
	}
	if clean == "/" {
		return m.root, nil
	}
	return path.Join(m.root, clean), nil
}

// ToWebdav maps a remote path back to its WebDAV path.
func (m *PathMapper) ToWebdav(remote string) (string, error) {
	if !path.IsAbs(remote) {
		return "", newOpError("pathmap", remote, ErrInvalidPath, fmt.Errorf("remote path is not absolute"))
	}
	remote = path.Clean(remote)
	if remote == m.root {
		return "/", nil
	}
	prefix := m.root
	if prefix != "/" {
		prefix += "/"
	}
	if !strings.HasPrefix(remote, prefix) {
		return "", newOpError("pathmap", remote, ErrInvalidPath, fmt.Errorf("outside of root %s", m.root))
	}
	return "/" + strings.TrimPrefix(remote, prefix), nil
}

// IsRoot reports whether the WebDAV path p names the share root.
func IsRoot(p string) bool {
	clean, err := Clean(p)
	return err == nil && clean == "/"
}

// isWithin reports whether the canonical WebDAV path p is dir or lies below it.
func isWithin(p, dir string) bool {
	if dir == "/" || p == dir {
		return true
	}
	return strings.HasPrefix(p, dir+"/")
}
