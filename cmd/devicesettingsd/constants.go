package main

import "time"

// Linux input event types (from <linux/input.h>)
const (
	EV_SYN = 0x00
	EV_KEY = 0x01
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

// Touchscreen gesture handling
const (
	gestureWakeupReason = "touchscreen-gesture-wakeup"
	gestureWakeLockTag  = "DeviceKeyHandler:TouchscreenGestureWakeLock"

	// Held while an ambient pulse or wake-up is being delivered.
	gestureWakeLockDuration = 3000 * time.Millisecond

	// Held between accepting a key event and the worker picking it up.
	eventProcessWakeLockDuration = 500 * time.Millisecond
)

// Dolby effect engine
const (
	dolbyEffectPriority = 100
	dolbyEffectSession  = 0

	// The only amount the volume leveler is ever written with when enabled.
	volumeLevelerAmount = 2

	// Profile restored when nothing has been stored yet (Dynamic).
	defaultDolbyProfile = 0
	defaultDolbyEnabled = true
)

// Daemon defaults
const (
	defaultReadTimeoutMS = 500 // DAP websocket response timeout (ms)
	defaultStatePort     = 3011
	defaultIPCSocket     = "/tmp/devicesettingsd.sock"
	defaultPrefsPath     = "~/.config/devicesettingsd/prefs.yaml"
	defaultWakeLockPath  = "/sys/power/wake_lock"
	defaultEventsBuffer  = 64
)
