package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// ============================================================================
// Power + media adapters
// ============================================================================
// Wake locks are written to the kernel's /sys/power/wake_lock interface as
// "<tag> <timeout_ns>", which lets the kernel drop the lock on its own.
// Wake-up and media keys go over the session bus:
//   - wake-up: org.freedesktop.ScreenSaver.SimulateUserActivity
//   - media keys: org.mpris.MediaPlayer2.Player.{PlayPause,Next,Previous}
// ============================================================================

const (
	screenSaverDest   = "org.freedesktop.ScreenSaver"
	screenSaverPath   = dbus.ObjectPath("/org/freedesktop/ScreenSaver")
	screenSaverMethod = "org.freedesktop.ScreenSaver.SimulateUserActivity"

	mprisPrefix      = "org.mpris.MediaPlayer2."
	mprisPath        = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	mprisPlayerIface = "org.mpris.MediaPlayer2.Player"

	busCallTimeout = 2 * time.Second
)

// sessionBus is a lazily connected session bus shared by the power and media
// adapters. A failed connect is retried on the next call.
type sessionBus struct {
	mu     sync.Mutex
	conn   *dbus.Conn
	logger *slog.Logger
}

func newSessionBus(logger *slog.Logger) *sessionBus {
	return &sessionBus{logger: logger}
}

func (b *sessionBus) get() (*dbus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil && b.conn.Connected() {
		return b.conn, nil
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	b.conn = conn
	b.logger.Debug("connected to session bus")
	return conn, nil
}

func (b *sessionBus) call(dest string, path dbus.ObjectPath, method string, args ...any) (*dbus.Call, error) {
	conn, err := b.get()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), busCallTimeout)
	defer cancel()

	c := conn.Object(dest, path).CallWithContext(ctx, method, 0, args...)
	if c.Err != nil {
		return nil, fmt.Errorf("%s: %w", method, c.Err)
	}
	return c, nil
}

func (b *sessionBus) listNames() ([]string, error) {
	c, err := b.call("org.freedesktop.DBus", "/org/freedesktop/DBus", "org.freedesktop.DBus.ListNames")
	if err != nil {
		return nil, err
	}
	var names []string
	if err := c.Store(&names); err != nil {
		return nil, fmt.Errorf("decode ListNames: %w", err)
	}
	return names, nil
}

func (b *sessionBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// ----------------------------------------------------------------------------
// Power manager
// ----------------------------------------------------------------------------

// hostPower implements PowerManager on top of sysfs wake locks and the
// session bus screensaver.
type hostPower struct {
	wakeLockPath string
	bus          *sessionBus // nil disables wake-up
	logger       *slog.Logger
}

func newHostPower(wakeLockPath string, bus *sessionBus, logger *slog.Logger) *hostPower {
	return &hostPower{
		wakeLockPath: wakeLockPath,
		bus:          bus,
		logger:       logger,
	}
}

func (p *hostPower) NewWakeLock(tag string) WakeLock {
	return &sysfsWakeLock{
		path:   p.wakeLockPath,
		tag:    tag,
		logger: p.logger,
	}
}

func (p *hostPower) WakeUp(reason string) error {
	if p.bus == nil {
		p.logger.Debug("wake up requested but session bus is disabled", "reason", reason)
		return nil
	}
	if _, err := p.bus.call(screenSaverDest, screenSaverPath, screenSaverMethod); err != nil {
		return fmt.Errorf("wake up (%s): %w", reason, err)
	}
	p.logger.Debug("device woken", "reason", reason)
	return nil
}

type sysfsWakeLock struct {
	path   string
	tag    string
	logger *slog.Logger

	missingOnce sync.Once
}

// Acquire never fails from the caller's point of view; a host without
// autosleep support simply has no wake lock file.
func (w *sysfsWakeLock) Acquire(timeout time.Duration) {
	if w.path == "" {
		return
	}
	f, err := os.OpenFile(w.path, os.O_WRONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			w.missingOnce.Do(func() {
				w.logger.Debug("wake locks unavailable", "path", w.path, "error", err)
			})
			return
		}
		w.logger.Warn("open wake lock", "path", w.path, "error", err)
		return
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s %d", w.tag, timeout.Nanoseconds()); err != nil {
		w.logger.Warn("write wake lock", "tag", w.tag, "error", err)
		return
	}
	w.logger.Debug("wake lock acquired", "tag", w.tag, "timeout", timeout)
}

// ----------------------------------------------------------------------------
// Media session
// ----------------------------------------------------------------------------

// mprisSession delivers media keys to an MPRIS player on the session bus.
type mprisSession struct {
	bus       *sessionBus
	preferred string
	logger    *slog.Logger
}

func newMPRISSession(bus *sessionBus, preferred string, logger *slog.Logger) *mprisSession {
	return &mprisSession{bus: bus, preferred: preferred, logger: logger}
}

func (m *mprisSession) SendMediaKey(key MediaKey) error {
	names, err := m.bus.listNames()
	if err != nil {
		return err
	}
	dest, ok := pickMPRISPlayer(names, m.preferred)
	if !ok {
		return ErrNoMediaSession
	}
	if _, err := m.bus.call(dest, mprisPath, mprisPlayerIface+"."+string(key)); err != nil {
		return err
	}
	m.logger.Debug("media key sent", "player", dest, "key", key)
	return nil
}

// pickMPRISPlayer selects the bus name to send media keys to. A player whose
// name contains preferred wins; otherwise the lexically first player is used.
func pickMPRISPlayer(names []string, preferred string) (string, bool) {
	var players []string
	for _, n := range names {
		if strings.HasPrefix(n, mprisPrefix) {
			players = append(players, n)
		}
	}
	if len(players) == 0 {
		return "", false
	}
	sort.Strings(players)

	if preferred != "" {
		for _, p := range players {
			if strings.Contains(strings.TrimPrefix(p, mprisPrefix), preferred) {
				return p, true
			}
		}
	}
	return players[0], true
}
