// Package connections implements the C2 ConnectionsList subsystem
// (spec.md §4.2): the persisted roster of active and imported
// connections, one INI file per daemon shared across all configured
// trackers.
package connections

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/ini.v1"

	"bhid/application"
	"bhid/internal/atomicfile"
)

const (
	keyTracker        = "tracker"
	keyRole           = "role"
	keyConnectAddress = "connect_address"
	keyConnectPort    = "connect_port"
	keyListenAddress  = "listen_address"
	keyListenPort     = "listen_port"
	keyEncrypted      = "encrypted"
	keyFixed          = "fixed"
	keyPeers          = "peers"
	keyImported       = "imported"

	roleServer = "server"
	roleClient = "client"

	defaultFileMode = 0o640
)

// Store implements application.ConnectionsList.
type Store struct {
	path string

	mu    sync.RWMutex
	byKey map[string]application.Connection // key: name+"\x00"+role
}

func New(bhidConfPath string) *Store {
	return &Store{path: bhidConfPath, byKey: make(map[string]application.Connection)}
}

func entryKey(name string, isServer bool) string {
	if isServer {
		return name + "\x00" + roleServer
	}
	return name + "\x00" + roleClient
}

// Load reads bhid.conf, migrating any legacy backslash-escaped section
// names in place (spec.md §6, §8 scenario 6) and persisting the migrated
// form with Save() so later startups see no escape sequences to migrate.
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("connections: read %s: %w", s.path, err)
	}

	migrated, changed := migrateEscapedSections(raw)

	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, migrated)
	if err != nil {
		return fmt.Errorf("connections: parse %s: %w", s.path, err)
	}

	byKey := make(map[string]application.Connection)
	for _, section := range f.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		conn, parseErr := connectionFromSection(section)
		if parseErr != nil {
			return fmt.Errorf("connections: section %q: %w", section.Name(), parseErr)
		}
		byKey[entryKey(conn.Name, conn.IsServer)] = conn
	}

	s.mu.Lock()
	s.byKey = byKey
	s.mu.Unlock()

	if changed {
		return s.Save()
	}
	return nil
}

func connectionFromSection(section *ini.Section) (application.Connection, error) {
	c := application.Connection{Name: section.Name()}
	c.Tracker = section.Key(keyTracker).String()
	c.IsServer = section.Key(keyRole).String() == roleServer
	c.ConnectAddress = section.Key(keyConnectAddress).String()
	c.ListenAddress = section.Key(keyListenAddress).String()
	c.Encrypted, _ = strconv.ParseBool(orDefault(section.Key(keyEncrypted).String(), "false"))
	c.Fixed, _ = strconv.ParseBool(orDefault(section.Key(keyFixed).String(), "false"))
	c.Imported, _ = strconv.ParseBool(orDefault(section.Key(keyImported).String(), "false"))
	if peers := section.Key(keyPeers).String(); peers != "" {
		c.Peers = strings.Split(peers, ",")
	}
	if p := section.Key(keyConnectPort).String(); p != "" {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return c, fmt.Errorf("connect_port: %w", err)
		}
		c.ConnectPort = uint32(v)
	}
	if p := section.Key(keyListenPort).String(); p != "" {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return c, fmt.Errorf("listen_port: %w", err)
		}
		c.ListenPort = uint32(v)
	}
	return c, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Save atomically rewrites bhid.conf, preserving its existing mode
// (spec.md §2 "save() ... atomic write (write-temp+rename)").
func (s *Store) Save() error {
	s.mu.RLock()
	entries := make([]application.Connection, 0, len(s.byKey))
	for _, c := range s.byKey {
		entries = append(entries, c)
	}
	s.mu.RUnlock()

	f := ini.Empty(ini.LoadOptions{IgnoreInlineComment: true})
	for _, c := range entries {
		section, err := f.NewSection(c.Name)
		if err != nil {
			return fmt.Errorf("connections: new section %q: %w", c.Name, err)
		}
		role := roleClient
		if c.IsServer {
			role = roleServer
		}
		section.Key(keyTracker).SetValue(c.Tracker)
		section.Key(keyRole).SetValue(role)
		section.Key(keyConnectAddress).SetValue(c.ConnectAddress)
		section.Key(keyConnectPort).SetValue(strconv.FormatUint(uint64(c.ConnectPort), 10))
		section.Key(keyListenAddress).SetValue(c.ListenAddress)
		section.Key(keyListenPort).SetValue(strconv.FormatUint(uint64(c.ListenPort), 10))
		section.Key(keyEncrypted).SetValue(strconv.FormatBool(c.Encrypted))
		section.Key(keyFixed).SetValue(strconv.FormatBool(c.Fixed))
		section.Key(keyPeers).SetValue(strings.Join(c.Peers, ","))
		section.Key(keyImported).SetValue(strconv.FormatBool(c.Imported))
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return fmt.Errorf("connections: serialize: %w", err)
	}

	mode := atomicfile.ModeOrDefault(s.path, defaultFileMode)
	return atomicfile.Write(s.path, buf.Bytes(), mode)
}

func (s *Store) Get(tracker string) (serverConnections, clientConnections []application.Connection) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.byKey {
		if c.Tracker != tracker || c.Imported {
			continue
		}
		if c.IsServer {
			serverConnections = append(serverConnections, c)
		} else {
			clientConnections = append(clientConnections, c)
		}
	}
	return serverConnections, clientConnections
}

func (s *Store) GetImported(tracker string) []application.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []application.Connection
	for _, c := range s.byKey {
		if c.Tracker == tracker && c.Imported {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) GetAll() []application.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]application.Connection, 0, len(s.byKey))
	for _, c := range s.byKey {
		out = append(out, c)
	}
	return out
}

// Update replaces the record keyed by name+role (spec.md §4.2 merge
// semantics: "replace the record keyed by name").
func (s *Store) Update(tracker, name string, isServer bool, record application.Connection) {
	record.Name = name
	record.Tracker = tracker
	record.IsServer = isServer
	s.mu.Lock()
	s.byKey[entryKey(name, isServer)] = record
	s.mu.Unlock()
}

func (s *Store) Delete(tracker, name string, isServer bool) {
	s.mu.Lock()
	delete(s.byKey, entryKey(name, isServer))
	s.mu.Unlock()
}

// FixedPeers implements application.ConnectionLookup for Crypter.
func (s *Store) FixedPeers(tracker, connectionName string) (fixed bool, peers []string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, role := range [2]bool{true, false} {
		if c, found := s.byKey[entryKey(connectionName, role)]; found && c.Tracker == tracker {
			return c.Fixed, c.Peers, true
		}
	}
	return false, nil, false
}

// RoleAndEncryption implements application.ConnectionRoleInfo for Peer.
func (s *Store) RoleAndEncryption(tracker, connectionName string) (isServer, encrypted bool, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, role := range [2]bool{true, false} {
		if c, found := s.byKey[entryKey(connectionName, role)]; found && c.Tracker == tracker {
			return c.IsServer, c.Encrypted, true
		}
	}
	return false, false, false
}

var _ application.ConnectionsList = (*Store)(nil)
var _ application.ConnectionLookup = (*Store)(nil)
var _ application.ConnectionRoleInfo = (*Store)(nil)
