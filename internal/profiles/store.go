// Package profiles loads advisor personas (name, greeting, system prompt)
// from a directory of JSON records. The store is read-only after Load.
package profiles

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Profile is a named advisor persona
type Profile struct {
	Name         string
	Welcome      string
	SystemPrompt string
}

// Key returns the normalized lookup key of the profile
func (p Profile) Key() string {
	return Normalize(p.Name)
}

// record is the on-disk shape of a profile file
type record struct {
	Name         string `json:"name"`
	Welcome      string `json:"welcome"`
	ShortIntro   string `json:"short_intro"`
	SystemPrompt string `json:"system_prompt"`
}

// ConfigError reports a profile directory or record that cannot be used
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("advisor config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Store holds loaded profiles keyed by normalized name
type Store struct {
	profiles map[string]Profile
	names    []string
}

// Normalize trims whitespace and upper-cases a profile name
func Normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Load reads every *.json file in dir
func Load(dir string, logger zerolog.Logger) (*Store, error) {
	log := logger.With().Str("component", "profiles").Logger()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &ConfigError{Path: dir, Err: err}
	}

	store := &Store{profiles: make(map[string]Profile)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		profile, err := readProfile(path)
		if err != nil {
			return nil, err
		}

		key := profile.Key()
		if existing, ok := store.profiles[key]; ok {
			return nil, &ConfigError{
				Path: path,
				Err:  fmt.Errorf("duplicate advisor name %q (already defined as %q)", profile.Name, existing.Name),
			}
		}

		store.profiles[key] = profile
		store.names = append(store.names, key)

		log.Debug().
			Str("advisor", key).
			Str("file", entry.Name()).
			Int("prompt_length", len([]rune(profile.SystemPrompt))).
			Msg("Advisor loaded")
	}

	if len(store.profiles) == 0 {
		return nil, &ConfigError{Path: dir, Err: fmt.Errorf("no advisor profiles found")}
	}

	sort.Strings(store.names)

	log.Info().
		Int("count", len(store.names)).
		Strs("advisors", store.names).
		Msg("Advisor profiles loaded")

	return store, nil
}

func readProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, &ConfigError{Path: path, Err: err}
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Profile{}, &ConfigError{Path: path, Err: fmt.Errorf("invalid json: %w", err)}
	}

	name := strings.TrimSpace(rec.Name)
	if name == "" {
		return Profile{}, &ConfigError{Path: path, Err: fmt.Errorf("missing required field \"name\"")}
	}

	welcome := rec.Welcome
	if welcome == "" {
		welcome = rec.ShortIntro
	}

	return Profile{
		Name:         Normalize(name),
		Welcome:      strings.TrimSpace(welcome),
		SystemPrompt: strings.TrimSpace(rec.SystemPrompt),
	}, nil
}

// Lookup finds a profile by name, ignoring case and surrounding whitespace
func (s *Store) Lookup(name string) (Profile, bool) {
	p, ok := s.profiles[Normalize(name)]
	return p, ok
}

// Names returns the sorted profile names
func (s *Store) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Rows groups names perRow per row, for reply keyboards
func (s *Store) Rows(perRow int) [][]string {
	if perRow <= 0 {
		perRow = 1
	}

	var rows [][]string
	for i := 0; i < len(s.names); i += perRow {
		end := i + perRow
		if end > len(s.names) {
			end = len(s.names)
		}
		row := make([]string, end-i)
		copy(row, s.names[i:end])
		rows = append(rows, row)
	}
	return rows
}

// Len returns the number of loaded profiles
func (s *Store) Len() int {
	return len(s.profiles)
}
