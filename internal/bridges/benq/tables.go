package benq

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

// Keys the examiner builds value sets for.
const (
	SourceKey      = "sour"
	PictureModeKey = "appmod"
)

//go:embed profiles/tables.yaml
var builtinTables []byte

// ModeFamily is a key whose values are tried one by one.
type ModeFamily struct {
	Key    string   `yaml:"key" json:"key"`
	Name   string   `yaml:"name" json:"name"`
	Values []string `yaml:"values" json:"values"`
}

// CandidateTables is the universe of keys and values the examiner knows.
type CandidateTables struct {
	Version  int          `yaml:"version" json:"version"`
	Commands []string     `yaml:"commands" json:"commands"`
	Ignore   []string     `yaml:"ignore" json:"ignore"`
	Modes    []ModeFamily `yaml:"modes" json:"modes"`
}

var (
	defaultTablesOnce sync.Once
	defaultTables     *CandidateTables
)

// DefaultTables returns the embedded candidate tables. Callers must not
// modify the result.
func DefaultTables() *CandidateTables {
	defaultTablesOnce.Do(func() {
		t, err := parseTables(builtinTables)
		if err != nil {
			panic(fmt.Sprintf("benq: parsing embedded candidate tables: %v", err))
		}
		defaultTables = t
	})
	return defaultTables
}

// LoadTables reads candidate tables from path, or returns the embedded
// tables when path is empty.
func LoadTables(path string) (*CandidateTables, error) {
	if path == "" {
		return DefaultTables(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // Path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("reading candidate tables: %w", err)
	}
	t, err := parseTables(data)
	if err != nil {
		return nil, fmt.Errorf("parsing candidate tables %s: %w", path, err)
	}
	return t, nil
}

func parseTables(data []byte) (*CandidateTables, error) {
	var t CandidateTables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if len(t.Commands) == 0 {
		return nil, fmt.Errorf("%w: no candidate commands", ErrInvalidConfig)
	}
	for _, key := range t.Commands {
		if !isKey(key) {
			return nil, fmt.Errorf("%w: invalid candidate key %q", ErrInvalidConfig, key)
		}
	}
	for _, m := range t.Modes {
		if !isKey(m.Key) {
			return nil, fmt.Errorf("%w: invalid mode key %q", ErrInvalidConfig, m.Key)
		}
	}
	return &t, nil
}

// Examined returns the candidate keys minus the ignored ones, in order.
func (t *CandidateTables) Examined() []string {
	out := make([]string, 0, len(t.Commands))
	for _, key := range t.Commands {
		if !slices.Contains(t.Ignore, key) {
			out = append(out, key)
		}
	}
	return out
}

// Mode returns the mode family for key.
func (t *CandidateTables) Mode(key string) (ModeFamily, bool) {
	for _, m := range t.Modes {
		if m.Key == key {
			return m, true
		}
	}
	return ModeFamily{}, false
}
