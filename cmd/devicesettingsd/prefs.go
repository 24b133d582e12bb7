package main

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Preference keys shared with the settings UI.
const (
	PrefDolbyEnable  = "dolby_enable"
	PrefDolbyProfile = "dolby_profile"

	PrefUserSetupComplete     = "user_setup_complete"
	PrefDozeEnabled           = "doze_enabled"
	PrefGestureHapticFeedback = "touchscreen_gesture_haptic_feedback"
	PrefRingerMode            = "ringer_mode"
)

// PreferenceReader is the read side of the preference store.
type PreferenceReader interface {
	GetBool(key string, def bool) bool
	GetInt(key string, def int) int
	GetString(key string, def string) string
}

// PreferenceStore is a PreferenceReader that can also persist values.
type PreferenceStore interface {
	PreferenceReader
	PutBool(key string, v bool) error
	PutInt(key string, v int) error
}

// Preferences is a flat key-value store persisted as a YAML mapping.
//
// Values written by other tools may arrive as strings ("1", "true"); the typed
// getters accept those too, so the file stays hand-editable.
type Preferences struct {
	mu     sync.Mutex
	path   string
	values map[string]any
	logger *slog.Logger
}

// OpenPreferences loads the store at path. A missing file yields an empty store;
// an empty path yields a store that is never written to disk.
func OpenPreferences(path string, logger *slog.Logger) (*Preferences, error) {
	p := &Preferences{
		path:   ExpandPath(path),
		values: make(map[string]any),
		logger: logger,
	}
	if p.path == "" {
		return p, nil
	}

	b, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Debug("preferences file not found, starting empty", "path", p.path)
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read preferences: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return p, nil
	}
	if err := yaml.Unmarshal(b, &p.values); err != nil {
		return nil, fmt.Errorf("decode preferences yaml: %w", err)
	}
	if p.values == nil {
		p.values = make(map[string]any)
	}
	return p, nil
}

func (p *Preferences) lookup(key string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[key]
	return v, ok
}

// GetBool returns the value for key, treating non-zero integers as true.
func (p *Preferences) GetBool(key string, def bool) bool {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case int:
		return t != 0
	case float64:
		return t != 0
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b
		}
	}
	p.logger.Warn("preference has unexpected type", "key", key, "value", v)
	return def
}

// GetInt returns the integer value for key. String values are parsed.
func (p *Preferences) GetInt(key string, def int) int {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case float64:
		return int(t)
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	p.logger.Warn("preference has unexpected type", "key", key, "value", v)
	return def
}

func (p *Preferences) GetString(key string, def string) string {
	v, ok := p.lookup(key)
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (p *Preferences) PutBool(key string, v bool) error {
	return p.put(key, v)
}

func (p *Preferences) PutInt(key string, v int) error {
	return p.put(key, v)
}

func (p *Preferences) put(key string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.values[key]; ok && old == v {
		return nil
	}
	p.values[key] = v
	return p.saveLocked()
}

// saveLocked writes the store atomically (temp file + rename). Caller holds p.mu.
func (p *Preferences) saveLocked() error {
	if p.path == "" {
		return nil
	}

	b, err := yaml.Marshal(p.values)
	if err != nil {
		return fmt.Errorf("encode preferences yaml: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create preferences dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".prefs-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp preferences: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close preferences: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("rename preferences: %w", err)
	}
	return nil
}
