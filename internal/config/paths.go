// Package config resolves bhid's on-disk layout (spec.md §6): the
// configuration directory, the runtime directory, and the files beneath
// them. It mirrors the resolver/reader/writer split the teacher uses in
// settings/server_configuration and settings/client_configuration.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths resolves every file and directory bhid touches on disk, rooted at
// a configurable configDir (defaults per spec.md §6) and an optional
// suffix (multiple daemon instances on one host, each with its own
// control socket and pidfile).
type Paths struct {
	ConfigDir string
	Suffix    string
}

// DefaultConfigDir returns /etc/bhid on Linux, /usr/local/etc/bhid on
// FreeBSD, matching spec.md §6 exactly (no other platform is named, so any
// other GOOS falls back to the Linux path).
func DefaultConfigDir() string {
	if runtime.GOOS == "freebsd" {
		return filepath.Join(string(os.PathSeparator), "usr", "local", "etc", "bhid")
	}
	return filepath.Join(string(os.PathSeparator), "etc", "bhid")
}

func New(configDir, suffix string) *Paths {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	return &Paths{ConfigDir: configDir, Suffix: suffix}
}

func (p *Paths) ConnectionsConf() string   { return filepath.Join(p.ConfigDir, "bhid.conf") }
func (p *Paths) PrivateRSA() string        { return filepath.Join(p.ConfigDir, "id", "private.rsa") }
func (p *Paths) PublicRSA() string         { return filepath.Join(p.ConfigDir, "id", "public.rsa") }
func (p *Paths) CertsDir() string          { return filepath.Join(p.ConfigDir, "certs") }
func (p *Paths) MasterDir() string         { return filepath.Join(p.ConfigDir, "master") }

// PeerKeyPath returns the on-disk cache location for a peer's RSA public
// key (spec.md §4.1 peer-key resolution step 1).
func (p *Paths) PeerKeyPath(tracker, name string) string {
	return filepath.Join(p.ConfigDir, "peers", tracker, name+".rsa")
}

func (p *Paths) runtimeDir() string {
	return filepath.Join(string(os.PathSeparator), "var", "run", "bhid")
}

// ControlSocket returns the UNIX socket path ControlServer binds
// (spec.md §6): /var/run/bhid/daemon[.<suffix>].sock.
func (p *Paths) ControlSocket() string {
	name := "daemon.sock"
	if p.Suffix != "" {
		name = "daemon." + p.Suffix + ".sock"
	}
	return filepath.Join(p.runtimeDir(), name)
}

func (p *Paths) LogDir() string {
	return filepath.Join(string(os.PathSeparator), "var", "log", "bhid")
}

// PidFile returns /var/run/bhid.pid (spec.md §6); suffixed instances get
// their own file so multiple daemons can coexist on one host.
func (p *Paths) PidFile() string {
	if p.Suffix != "" {
		return filepath.Join(string(os.PathSeparator), "var", "run", "bhid."+p.Suffix+".pid")
	}
	return filepath.Join(string(os.PathSeparator), "var", "run", "bhid.pid")
}

// MasterTokenPath is where this user's master token lives when a home
// directory is resolvable; otherwise it falls back to the protected
// <configDir>/master directory (spec.md §4.5/§6).
func (p *Paths) MasterTokenPath(tracker string) string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".bhid", tracker+".master")
	}
	return filepath.Join(p.MasterDir(), tracker+".master")
}

func (p *Paths) DaemonTokenPath(tracker string) string {
	return filepath.Join(p.ConfigDir, "tokens", tracker+".daemon")
}
