package main

import (
	"errors"
	"strings"
	"time"
)

// ============================================================================
// Platform capabilities
// ============================================================================
// The gesture dispatcher only talks to the host through these interfaces.
// Concrete adapters live in power.go (sysfs + session bus), haptics.go (beeep)
// and state_ws.go (doze pulse broadcast). Tests substitute in-memory fakes.
// ============================================================================

// WakeLock keeps the system awake for a bounded time. Locks are never released
// early; the timeout is the only release path.
type WakeLock interface {
	Acquire(timeout time.Duration)
}

// PowerManager wakes the device and hands out wake locks.
type PowerManager interface {
	NewWakeLock(tag string) WakeLock
	WakeUp(reason string) error
}

// DozeBroadcaster asks the ambient display to pulse.
type DozeBroadcaster interface {
	SendDozePulse() error
}

// Vibrator produces haptic feedback.
type Vibrator interface {
	HasVibrator() bool
	Vibrate() error
}

// RingerMode mirrors the three platform ringer modes.
type RingerMode string

const (
	RingerModeNormal  RingerMode = "normal"
	RingerModeVibrate RingerMode = "vibrate"
	RingerModeSilent  RingerMode = "silent"
)

// RingerModeProvider reports the current ringer mode.
type RingerModeProvider interface {
	RingerMode() RingerMode
}

// MediaKey is a transport key delivered to the active media session.
type MediaKey string

const (
	MediaKeyPlayPause MediaKey = "PlayPause"
	MediaKeyNext      MediaKey = "Next"
	MediaKeyPrevious  MediaKey = "Previous"
)

// ErrNoMediaSession is returned when no player is available to receive a media key.
var ErrNoMediaSession = errors.New("no media session available")

// MediaSession delivers media keys to whichever player currently owns playback.
type MediaSession interface {
	SendMediaKey(key MediaKey) error
}

// prefsRingerMode reads the ringer mode from the preference store.
type prefsRingerMode struct {
	prefs PreferenceReader
}

func (r prefsRingerMode) RingerMode() RingerMode {
	switch RingerMode(strings.ToLower(r.prefs.GetString(PrefRingerMode, string(RingerModeNormal)))) {
	case RingerModeSilent:
		return RingerModeSilent
	case RingerModeVibrate:
		return RingerModeVibrate
	default:
		return RingerModeNormal
	}
}
