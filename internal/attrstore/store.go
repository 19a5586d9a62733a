// Package attrstore is the local attribute store used when no broker is
// reachable. Attributes are addressed as computer/group/name; globals by
// name alone.
package attrstore

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// Store is an in-memory attribute table.
type Store struct {
	computer string

	mu      sync.RWMutex
	values  map[string]string
	globals map[string]string
}

// New returns an empty store. computer replaces an empty or "NULL" computer
// name in lookups.
func New(computer string) *Store {
	return &Store{
		computer: strings.TrimSpace(computer),
		values:   make(map[string]string),
		globals:  make(map[string]string),
	}
}

// Path joins an attribute address, defaulting the computer name.
func Path(defaultComputer, computer, group, name string) string {
	computer = strings.TrimSpace(computer)
	if computer == "" || computer == "NULL" {
		computer = defaultComputer
	}
	return computer + "/" + strings.TrimSpace(group) + "/" + strings.TrimSpace(name)
}

func (s *Store) path(computer, group, name string) string {
	return Path(s.computer, computer, group, name)
}

// Get returns the stored value, falling back to the GROUP_NAME environment
// variable.
func (s *Store) Get(computer, group, name string) (string, bool) {
	key := s.path(computer, group, name)
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if ok {
		return v, true
	}
	return EnvValue(group, name)
}

// EnvValue looks up the GROUP_NAME environment override for an attribute.
func EnvValue(group, name string) (string, bool) {
	v, ok := os.LookupEnv(strings.TrimSpace(group) + "_" + strings.TrimSpace(name))
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (s *Store) Set(computer, group, name, value string) {
	key := s.path(computer, group, name)
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

// TestAndSet writes value only when the attribute is currently unset or
// empty. It reports whether the write happened.
func (s *Store) TestAndSet(computer, group, name, value string) bool {
	key := s.path(computer, group, name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.values[key]; ok && cur != "" {
		return false
	}
	s.values[key] = value
	return true
}

func (s *Store) Delete(computer, group, name string) {
	key := s.path(computer, group, name)
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
}

func (s *Store) GetGlobal(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.globals[strings.TrimSpace(name)]
	return v, ok
}

func (s *Store) SetGlobal(name, value string) {
	s.mu.Lock()
	s.globals[strings.TrimSpace(name)] = value
	s.mu.Unlock()
}

// Keys lists attribute paths with the given prefix in sorted order.
func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// ValidValue constrains value to a "|a|b|c|" list. A value outside the list
// becomes the first entry. A malformed or empty list leaves value unchanged.
func ValidValue(value, valid string) string {
	if valid == "" {
		return value
	}
	if len(valid) < 2 || valid[0] != '|' || valid[len(valid)-1] != '|' {
		log.Warn().Str("valid", valid).Msg("attrstore.ValidValue ignoring malformed list")
		return value
	}
	if strings.Contains(valid, "|"+value+"|") && value != "" {
		return value
	}
	first := valid[1 : 1+strings.IndexByte(valid[1:], '|')]
	if value != "" {
		log.Warn().
			Str("value", value).
			Str("valid", valid).
			Str("default", first).
			Msg("attrstore.ValidValue value not allowed")
	}
	return first
}

// paramFile is the on-disk parameter layout:
//
//	[global]
//	SZG_SCRIPT = "demo"
//
//	[hosts.node-a.SZG_RENDER]
//	frame_rate = 60
type paramFile struct {
	Global map[string]any                       `toml:"global"`
	Hosts  map[string]map[string]map[string]any `toml:"hosts"`
}

// LoadFile merges a TOML parameter file into the store and returns the
// number of attributes loaded.
func (s *Store) LoadFile(path string) (int, error) {
	var raw paramFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return 0, fmt.Errorf("attrstore: load %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		log.Warn().Str("path", path).Msgf("attrstore.LoadFile ignoring keys %v", undecoded)
	}

	n := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, v := range raw.Global {
		s.globals[name] = formatValue(v)
		n++
	}
	for computer, groups := range raw.Hosts {
		for group, params := range groups {
			for name, v := range params {
				s.values[Path(s.computer, computer, group, name)] = formatValue(v)
				n++
			}
		}
	}
	return n, nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = formatValue(e)
		}
		return strings.Join(parts, "/")
	default:
		return fmt.Sprint(x)
	}
}
