package main

import (
	"log/slog"
	"sync"
)

// PlayerState is the lifecycle state of one playback session.
type PlayerState string

const (
	PlayerStateIdle     PlayerState = "idle"
	PlayerStateStarted  PlayerState = "started"
	PlayerStatePaused   PlayerState = "paused"
	PlayerStateStopped  PlayerState = "stopped"
	PlayerStateReleased PlayerState = "released"
)

// PlaybackConfig describes one active playback session.
type PlaybackConfig struct {
	SessionID int         `json:"session_id"`
	State     PlayerState `json:"state"`
}

// AudioDeviceType identifies the kind of output device.
type AudioDeviceType string

const (
	DeviceBuiltinSpeaker  AudioDeviceType = "builtin_speaker"
	DeviceWiredHeadphones AudioDeviceType = "wired_headphones"
	DeviceBluetoothA2DP   AudioDeviceType = "bluetooth_a2dp"
	DeviceUSBHeadset      AudioDeviceType = "usb_headset"
	DeviceHDMI            AudioDeviceType = "hdmi"
)

func (t AudioDeviceType) valid() bool {
	switch t {
	case DeviceBuiltinSpeaker, DeviceWiredHeadphones, DeviceBluetoothA2DP, DeviceUSBHeadset, DeviceHDMI:
		return true
	}
	return false
}

// AudioDevice is an output device known to the router.
type AudioDevice struct {
	ID   string          `json:"id"`
	Type AudioDeviceType `json:"type"`
}

var builtinSpeaker = AudioDevice{ID: "builtin", Type: DeviceBuiltinSpeaker}

// DeviceChange reports devices that were attached or detached.
type DeviceChange struct {
	Added   []AudioDevice
	Removed []AudioDevice
}

// AudioEvents is the subscription side of the audio router.
type AudioEvents interface {
	// SubscribePlayback registers fn for playback configuration changes and
	// returns a function that removes it.
	SubscribePlayback(fn func([]PlaybackConfig)) func()
	// SubscribeDevices registers fn for device attach/detach and returns a
	// function that removes it.
	SubscribeDevices(fn func(DeviceChange)) func()
	// MediaRoute returns the device media playback is currently routed to.
	MediaRoute() AudioDevice
}

type playbackSub struct {
	id int
	fn func([]PlaybackConfig)
}

type deviceSub struct {
	id int
	fn func(DeviceChange)
}

// audioRouter tracks attached output devices and fans playback/device
// notifications out to subscribers. Subscribers run on the caller's goroutine
// (the daemon loop), outside the router lock.
type audioRouter struct {
	mu       sync.Mutex
	nextID   int
	playback []playbackSub
	devices  []deviceSub

	// attached in attach order; the speaker is implicit.
	attached []AudioDevice

	logger *slog.Logger
}

func newAudioRouter(logger *slog.Logger) *audioRouter {
	return &audioRouter{logger: logger}
}

func (r *audioRouter) SubscribePlayback(fn func([]PlaybackConfig)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.playback = append(r.playback, playbackSub{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, s := range r.playback {
				if s.id == id {
					r.playback = append(r.playback[:i:i], r.playback[i+1:]...)
					return
				}
			}
		})
	}
}

func (r *audioRouter) SubscribeDevices(fn func(DeviceChange)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.devices = append(r.devices, deviceSub{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, s := range r.devices {
				if s.id == id {
					r.devices = append(r.devices[:i:i], r.devices[i+1:]...)
					return
				}
			}
		})
	}
}

// MediaRoute is the most recently attached external output, or the built-in
// speaker when nothing else is attached.
func (r *audioRouter) MediaRoute() AudioDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.attached) - 1; i >= 0; i-- {
		if r.attached[i].Type != DeviceBuiltinSpeaker {
			return r.attached[i]
		}
	}
	return builtinSpeaker
}

// PlaybackChanged notifies playback subscribers.
func (r *audioRouter) PlaybackChanged(configs []PlaybackConfig) {
	r.mu.Lock()
	subs := make([]playbackSub, len(r.playback))
	copy(subs, r.playback)
	r.mu.Unlock()

	for _, s := range subs {
		s.fn(configs)
	}
}

// DevicesAdded records newly attached devices and notifies subscribers.
func (r *audioRouter) DevicesAdded(devs []AudioDevice) {
	r.mu.Lock()
	for _, d := range devs {
		r.attached = removeDevice(r.attached, d.ID)
		r.attached = append(r.attached, d)
	}
	subs := make([]deviceSub, len(r.devices))
	copy(subs, r.devices)
	r.mu.Unlock()

	r.logger.Debug("audio devices added", "devices", devs)
	change := DeviceChange{Added: devs}
	for _, s := range subs {
		s.fn(change)
	}
}

// DevicesRemoved forgets detached devices and notifies subscribers.
func (r *audioRouter) DevicesRemoved(devs []AudioDevice) {
	r.mu.Lock()
	for _, d := range devs {
		r.attached = removeDevice(r.attached, d.ID)
	}
	subs := make([]deviceSub, len(r.devices))
	copy(subs, r.devices)
	r.mu.Unlock()

	r.logger.Debug("audio devices removed", "devices", devs)
	change := DeviceChange{Removed: devs}
	for _, s := range subs {
		s.fn(change)
	}
}

func removeDevice(list []AudioDevice, id string) []AudioDevice {
	out := list[:0]
	for _, d := range list {
		if d.ID != id {
			out = append(out, d)
		}
	}
	return out
}

// anyStarted reports whether at least one session is actively playing.
func anyStarted(configs []PlaybackConfig) bool {
	for _, c := range configs {
		if c.State == PlayerStateStarted {
			return true
		}
	}
	return false
}
