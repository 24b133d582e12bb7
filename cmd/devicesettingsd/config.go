package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables read after the optional .env file is loaded.
const (
	envConfigPath = "DEVICESETTINGS_CONFIG"
	envLogLevel   = "DEVICESETTINGS_LOG_LEVEL"
)

// Config is the top-level YAML configuration for devicesettingsd.
//
// Keep defaults and validation centralized so the rest of the code can assume
// a well-formed config.
type Config struct {
	Input    InputConfig    `yaml:"input"`
	Gestures GesturesConfig `yaml:"gestures"`
	Dolby    DolbyConfig    `yaml:"dolby"`
	Prefs    PrefsConfig    `yaml:"prefs"`
	IPC      IPCConfig      `yaml:"ipc"`
	StateWS  StateWSConfig  `yaml:"state_ws"`
	Power    PowerConfig    `yaml:"power"`
	Media    MediaConfig    `yaml:"media"`
	Haptics  HapticsConfig  `yaml:"haptics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type InputConfig struct {
	Devices []string `yaml:"devices"` // touchscreen input devices to monitor
}

// GesturesConfig is the mapping in effect until the settings UI sends one.
type GesturesConfig struct {
	KeycodeMapping []int `yaml:"keycode_mapping,omitempty"`
	ActionMapping  []int `yaml:"action_mapping,omitempty"`
}

type DolbyConfig struct {
	Enabled   bool   `yaml:"enabled"`
	WsURL     string `yaml:"ws_url"`
	TimeoutMS int    `yaml:"timeout_ms"`

	// RestoreOnStart runs the boot restore when the daemon starts instead of
	// waiting for a boot_completed event.
	RestoreOnStart bool `yaml:"restore_on_start"`

	ProfileValues []int    `yaml:"profile_values"`
	ProfileNames  []string `yaml:"profile_names"`
}

type PrefsConfig struct {
	Path string `yaml:"path"` // empty keeps preferences in memory only
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type StateWSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

type PowerConfig struct {
	WakeLockPath string `yaml:"wake_lock_path"` // empty disables wake locks
	SessionBus   bool   `yaml:"session_bus"`    // wake-up and media keys over D-Bus
}

type MediaConfig struct {
	PreferredPlayer string `yaml:"preferred_player,omitempty"` // MPRIS name fragment
}

type HapticsConfig struct {
	Enabled    bool    `yaml:"enabled"`
	FreqHz     float64 `yaml:"freq_hz,omitempty"`
	DurationMS int     `yaml:"duration_ms,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		Input: InputConfig{
			Devices: []string{"/dev/input/event2"},
		},
		Dolby: DolbyConfig{
			Enabled:        true,
			WsURL:          "ws://127.0.0.1:5005",
			TimeoutMS:      defaultReadTimeoutMS,
			RestoreOnStart: true,
			ProfileValues:  []int{0, 1, 2, 3},
			ProfileNames:   []string{"Dynamic", "Movie", "Music", "Custom"},
		},
		Prefs: PrefsConfig{
			Path: defaultPrefsPath,
		},
		IPC: IPCConfig{
			SocketPath: defaultIPCSocket,
		},
		StateWS: StateWSConfig{
			Enabled: true,
			Port:    defaultStatePort,
			Path:    "/ws/state",
		},
		Power: PowerConfig{
			WakeLockPath: defaultWakeLockPath,
			SessionBus:   true,
		},
		Haptics: HapticsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
// Unknown fields are rejected (helps catch typos).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Ensure there's no trailing garbage (only whitespace/comments are allowed after the document).
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// loadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// FlagOverrides holds flag values that take precedence over the config file.
// A nil pointer means the flag was not given.
type FlagOverrides struct {
	InputDevices *string // comma-separated

	DolbyEnabled   *bool
	DolbyWsURL     *string
	DolbyTimeoutMS *int

	PrefsPath     *string
	IPCSocketPath *string
	StatePort     *int
	WakeLockPath  *string
	SessionBus    *bool
	Haptics       *bool

	LogLevel *string
}

// Apply merges the overrides into cfg. If an override pointer is nil, it is ignored.
// If the pointer is non-nil, the value is applied (even if it is a “zero value”).
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.InputDevices != nil {
		cfg.Input.Devices = splitList(*o.InputDevices)
	}

	if o.DolbyEnabled != nil {
		cfg.Dolby.Enabled = *o.DolbyEnabled
	}
	if o.DolbyWsURL != nil {
		cfg.Dolby.WsURL = *o.DolbyWsURL
	}
	if o.DolbyTimeoutMS != nil {
		cfg.Dolby.TimeoutMS = *o.DolbyTimeoutMS
	}

	if o.PrefsPath != nil {
		cfg.Prefs.Path = *o.PrefsPath
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.StatePort != nil {
		cfg.StateWS.Port = *o.StatePort
	}
	if o.WakeLockPath != nil {
		cfg.Power.WakeLockPath = *o.WakeLockPath
	}
	if o.SessionBus != nil {
		cfg.Power.SessionBus = *o.SessionBus
	}
	if o.Haptics != nil {
		cfg.Haptics.Enabled = *o.Haptics
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	for i, dev := range c.Input.Devices {
		if dev == "" {
			return fmt.Errorf("input.devices[%d] is empty", i)
		}
	}

	if (c.Gestures.KeycodeMapping == nil) != (c.Gestures.ActionMapping == nil) ||
		len(c.Gestures.KeycodeMapping) != len(c.Gestures.ActionMapping) {
		return errors.New("gestures.keycode_mapping and gestures.action_mapping must have the same length")
	}

	if c.Dolby.Enabled {
		if c.Dolby.WsURL == "" {
			return errors.New("dolby.ws_url must not be empty")
		}
		if c.Dolby.TimeoutMS <= 0 {
			return errors.New("dolby.timeout_ms must be > 0")
		}
	}
	if len(c.Dolby.ProfileValues) != len(c.Dolby.ProfileNames) {
		return errors.New("dolby.profile_values and dolby.profile_names must have the same length")
	}

	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	if c.StateWS.Enabled {
		if c.StateWS.Port <= 0 || c.StateWS.Port > 65535 {
			return errors.New("state_ws.port must be between 1 and 65535")
		}
		if !strings.HasPrefix(c.StateWS.Path, "/") {
			return errors.New("state_ws.path must start with /")
		}
	}

	if c.Haptics.FreqHz < 0 {
		return errors.New("haptics.freq_hz must be >= 0")
	}
	if c.Haptics.DurationMS < 0 {
		return errors.New("haptics.duration_ms must be >= 0")
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// DolbyTimeout returns the DAP response timeout.
func (c *Config) DolbyTimeout() time.Duration {
	return time.Duration(c.Dolby.TimeoutMS) * time.Millisecond
}

// Profiles returns the profile lookup table.
func (c *Config) Profiles() ProfileTable {
	return ProfileTable{Values: c.Dolby.ProfileValues, Names: c.Dolby.ProfileNames}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
