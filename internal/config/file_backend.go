package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, fallback)
}

func defaultDataDir() string {
	base := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	if base == "" {
		return "assistd-data"
	}
	return filepath.Join(base, "assistd")
}

// ConfigFilePath reports where non-secret settings are stored.
func ConfigFilePath() string {
	return configFilePath()
}

func configFilePath() string {
	base := xdgDir("XDG_CONFIG_HOME", ".config")
	if base == "" {
		base = "."
	}
	return filepath.Join(base, "assistd", "config.json")
}

// fileBackend keeps settings in a flat JSON object keyed by dotted names,
// e.g. {"server.port": 8080, "ai.model": "gpt-4o"}.
type fileBackend struct {
	path string

	mu     sync.Mutex
	values map[string]json.RawMessage
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, values: make(map[string]json.RawMessage)}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		warnf("could not read config file %s: %v. Using default values.", path, err)
	default:
		if err := json.Unmarshal(data, &b.values); err != nil {
			warnf("could not parse config file %s: %v. Using default values.", path, err)
			b.values = make(map[string]json.RawMessage)
		}
	}
	return b
}

// flush writes the file through a temp file so a crash never leaves it half written.
func (b *fileBackend) flush() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return os.Rename(tmp.Name(), b.path)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	b.mu.Lock()
	raw, ok := b.values[key]
	b.mu.Unlock()
	if !ok {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true, nil
	}
	// Non-string scalars (true, 30) are accepted as their literal text.
	return string(bytes.TrimSpace(raw)), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	b.mu.Lock()
	raw, ok := b.values[key]
	b.mu.Unlock()
	if !ok {
		return 0, false, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0, true, fmt.Errorf("invalid type for %s", key)
		}
		n = json.Number(s)
	}
	i, err := strconv.Atoi(n.String())
	if err != nil {
		return 0, true, fmt.Errorf("value %s for %s is not a valid integer", n, key)
	}
	return i, true, nil
}

func (b *fileBackend) set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = raw
	return b.flush()
}

func (b *fileBackend) SetString(key, val string) error {
	return b.set(key, val)
}

func (b *fileBackend) SetInt(key string, val int) error {
	return b.set(key, val)
}

func (b *fileBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, key)
	return b.flush()
}
