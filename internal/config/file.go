package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the optional YAML configuration. It carries the parts of the
// runtime that are provisioned by operators rather than per deployment:
// session type budgets and the system key pool.
type File struct {
	SessionTypes []SessionTypeConfig `yaml:"session_types"`
	KeyPool      []PoolConfig        `yaml:"key_pool"`
}

// SessionTypeConfig overrides the budget of one session type.
type SessionTypeConfig struct {
	Code               int    `yaml:"code"`
	Name               string `yaml:"name"`
	Capacity           int    `yaml:"capacity"`
	ReservedCompletion int    `yaml:"reserved_completion"`
	SystemPrompt       string `yaml:"system_prompt"`
}

// PoolConfig lists system-owned keys for one provider.
type PoolConfig struct {
	Provider string   `yaml:"provider"`
	Keys     []string `yaml:"keys"`
}

// LoadFile reads a YAML config file from path and returns a validated File.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseFile(data)
}

// ParseFile unmarshals YAML bytes into a validated File.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	f.applyDefaults()
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) applyDefaults() {
	for i := range f.SessionTypes {
		if f.SessionTypes[i].Capacity == 0 {
			f.SessionTypes[i].Capacity = 4096
		}
	}
	for i := range f.KeyPool {
		f.KeyPool[i].Provider = strings.ToLower(strings.TrimSpace(f.KeyPool[i].Provider))
	}
}

func (f *File) validate() error {
	var errs []string
	seen := make(map[int]bool)
	for i, st := range f.SessionTypes {
		if seen[st.Code] {
			errs = append(errs, fmt.Sprintf("session_types[%d]: duplicate code %d", i, st.Code))
		}
		seen[st.Code] = true
		if st.Name == "" {
			errs = append(errs, fmt.Sprintf("session_types[%d].name is required", i))
		}
		if st.ReservedCompletion <= 0 || st.ReservedCompletion >= st.Capacity {
			errs = append(errs, fmt.Sprintf("session_types[%d].reserved_completion must be in (0, capacity)", i))
		}
	}
	for i, p := range f.KeyPool {
		if p.Provider == "" {
			errs = append(errs, fmt.Sprintf("key_pool[%d].provider is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
