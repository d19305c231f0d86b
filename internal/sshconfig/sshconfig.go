// Package sshconfig resolves OpenSSH client config host aliases into the
// connection settings davsftp needs.
package sshconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"

	"github.com/darshan-rambhia/davsftp"
)

// DefaultFile is the per-user OpenSSH client config.
const DefaultFile = "~/.ssh/config"

// Host is the subset of a Host block davsftp uses. Fields are empty when the
// config does not set them.
type Host struct {
	Alias        string
	HostName     string
	Port         int
	User         string
	IdentityFile string
}

// File is a parsed ssh config file.
type File struct {
	path string
	cfg  *ssh_config.Config
}

// Load parses the ssh config at path. "~" is expanded.
func Load(path string) (*File, error) {
	if path == "" {
		path = DefaultFile
	}
	path = davsftp.ExpandPath(path)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh config: %w", err)
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh config %s: %w", path, err)
	}
	return &File{path: path, cfg: cfg}, nil
}

// Path returns the file the config was read from.
func (f *File) Path() string { return f.path }

// Hosts returns the concrete aliases declared in the file. Wildcard and
// negated patterns are skipped.
func (f *File) Hosts() []string {
	var hosts []string
	seen := make(map[string]bool)
	for _, h := range f.cfg.Hosts {
		for _, p := range h.Patterns {
			alias := p.String()
			if alias == "" || strings.ContainsAny(alias, "*?!") || seen[alias] {
				continue
			}
			seen[alias] = true
			hosts = append(hosts, alias)
		}
	}
	return hosts
}

// Lookup returns the settings for alias. HostName falls back to the alias
// itself, the way ssh does.
func (f *File) Lookup(alias string) (host Host, err error) {
	// ssh_config panics on Match directives instead of returning an error.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ssh config %s: %v", f.path, r)
		}
	}()

	host = Host{Alias: alias, HostName: alias}

	if v, err := f.cfg.Get(alias, "HostName"); err != nil {
		return Host{}, fmt.Errorf("ssh config %s: %w", f.path, err)
	} else if v != "" {
		host.HostName = v
	}

	v, err := f.cfg.Get(alias, "Port")
	if err != nil {
		return Host{}, fmt.Errorf("ssh config %s: %w", f.path, err)
	}
	if v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return Host{}, fmt.Errorf("ssh config %s: invalid port %q for host %s", f.path, v, alias)
		}
		host.Port = port
	}

	if host.User, err = f.cfg.Get(alias, "User"); err != nil {
		return Host{}, fmt.Errorf("ssh config %s: %w", f.path, err)
	}

	identity, err := f.cfg.Get(alias, "IdentityFile")
	if err != nil {
		return Host{}, fmt.Errorf("ssh config %s: %w", f.path, err)
	}
	if identity != "" {
		host.IdentityFile = expandIdentity(identity, f.path)
	}

	return host, nil
}

// Resolve loads file and looks up alias in one step.
func Resolve(file, alias string) (Host, error) {
	f, err := Load(file)
	if err != nil {
		return Host{}, err
	}
	return f.Lookup(alias)
}

// Apply fills the connection fields of cfg that are still empty from h.
// Values already set in cfg win.
func (h Host) Apply(cfg davsftp.Config) davsftp.Config {
	if cfg.Host == "" {
		cfg.Host = h.HostName
	}
	if cfg.Port == 0 && h.Port != 0 {
		cfg.Port = h.Port
	}
	if cfg.User == "" {
		cfg.User = h.User
	}
	if cfg.User == "" {
		cfg.User = os.Getenv("USER")
	}
	if cfg.KeyPath == "" && cfg.PrivateKey == "" && h.IdentityFile != "" {
		cfg.KeyPath = h.IdentityFile
	}
	return cfg
}

// expandIdentity expands "~" and resolves a relative IdentityFile against
// the home directory, as ssh does.
func expandIdentity(p, configPath string) string {
	p = davsftp.ExpandPath(p)
	if filepath.IsAbs(p) {
		return p
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, p)
	}
	return filepath.Join(filepath.Dir(configPath), p)
}
