// Package sftpdavtest provides an in-memory SFTP server for tests.
//
// Every client dialed from one Server sees the same filesystem, the way
// several SSH sessions to one host do. Connections can be killed out of band
// to exercise reconnect paths.
package sftpdavtest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/sftp"
)

// Server is an in-memory SFTP filesystem served over in-process pipes.
type Server struct {
	handlers sftp.Handlers

	mu    sync.Mutex
	conns map[*Conn]struct{}

	dials   atomic.Int64
	failing atomic.Bool
}

// NewServer returns an empty server whose filesystem contains only "/".
func NewServer() *Server {
	return &Server{
		handlers: sftp.InMemHandler(),
		conns:    make(map[*Conn]struct{}),
	}
}

// ErrDialRefused is returned by Dial while the server refuses connections.
var ErrDialRefused = errors.New("sftpdavtest: connection refused")

// Conn is one client connection. Closing it tears down both pipe ends.
type Conn struct {
	server *Server
	rs     *sftp.RequestServer
	pipes  []io.Closer
	once   sync.Once
	done   chan struct{}
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.once.Do(func() {
		for _, p := range c.pipes {
			p.Close()
		}
		c.rs.Close()
		c.server.mu.Lock()
		delete(c.server.conns, c)
		c.server.mu.Unlock()
	})
	return nil
}

// Done is closed once the server side of the connection has stopped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Dial opens a new client connection. The caller owns both the client and
// the Conn and must close them.
func (s *Server) Dial(opts ...sftp.ClientOption) (*sftp.Client, *Conn, error) {
	if s.failing.Load() {
		return nil, nil, ErrDialRefused
	}
	return s.dial(true, opts...)
}

func (s *Server) dial(track bool, opts ...sftp.ClientOption) (*sftp.Client, *Conn, error) {
	cr, sw := io.Pipe()
	sr, cw := io.Pipe()

	rs := sftp.NewRequestServer(struct {
		io.Reader
		io.WriteCloser
	}{sr, sw}, s.handlers)

	c := &Conn{
		server: s,
		rs:     rs,
		pipes:  []io.Closer{cr, sw, sr, cw},
		done:   make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		rs.Serve()
	}()

	client, err := sftp.NewClientPipe(cr, cw, opts...)
	if err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("sftpdavtest: client handshake: %w", err)
	}

	if track {
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.dials.Add(1)
	}

	return client, c, nil
}

// Dials returns how many connections have been opened successfully.
func (s *Server) Dials() int64 { return s.dials.Load() }

// Open returns how many connections are currently open.
func (s *Server) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// KillAll drops every open connection, as if the network went away.
func (s *Server) KillAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// RefuseDials makes subsequent Dial calls fail until called with false.
func (s *Server) RefuseDials(refuse bool) { s.failing.Store(refuse) }

// Close drops every connection.
func (s *Server) Close() { s.KillAll() }

// WriteFile creates parent directories as needed and writes data to name.
func (s *Server) WriteFile(name string, data []byte) error {
	return s.with(func(c *sftp.Client) error {
		if dir := path.Dir(name); dir != "/" {
			if err := c.MkdirAll(dir); err != nil {
				return err
			}
		}
		f, err := c.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

// ReadFile returns the content of name.
func (s *Server) ReadFile(name string) ([]byte, error) {
	var data []byte
	err := s.with(func(c *sftp.Client) error {
		f, err := c.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		data, err = io.ReadAll(f)
		return err
	})
	return data, err
}

// MkdirAll creates dir and any missing parents.
func (s *Server) MkdirAll(dir string) error {
	return s.with(func(c *sftp.Client) error {
		return c.MkdirAll(dir)
	})
}

// Exists reports whether name exists.
func (s *Server) Exists(name string) bool {
	err := s.with(func(c *sftp.Client) error {
		_, err := c.Lstat(name)
		return err
	})
	return err == nil
}

// Tree returns every path below root mapped to its content, with "/" suffixed
// directories mapped to the empty string. Paths are relative to root.
func (s *Server) Tree(root string) (map[string]string, error) {
	tree := make(map[string]string)
	err := s.with(func(c *sftp.Client) error {
		return walk(c, root, "", tree)
	})
	return tree, err
}

// Paths returns the sorted keys of Tree(root).
func (s *Server) Paths(root string) ([]string, error) {
	tree, err := s.Tree(root)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(tree))
	for p := range tree {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func walk(c *sftp.Client, dir, rel string, tree map[string]string) error {
	infos, err := c.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, fi := range infos {
		name := strings.TrimPrefix(path.Join(rel, fi.Name()), "/")
		full := path.Join(dir, fi.Name())
		if fi.IsDir() {
			tree[name+"/"] = ""
			if err := walk(c, full, name, tree); err != nil {
				return err
			}
			continue
		}
		f, err := c.Open(full)
		if err != nil {
			return err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return err
		}
		tree[name] = string(data)
	}
	return nil
}

// with runs fn on a private connection that is neither counted nor affected
// by RefuseDials and KillAll.
func (s *Server) with(fn func(*sftp.Client) error) error {
	client, conn, err := s.dial(false)
	if err != nil {
		return err
	}
	// Pipes first: the client waits for its reader to stop on Close.
	defer client.Close()
	defer conn.Close()
	return fn(client)
}
