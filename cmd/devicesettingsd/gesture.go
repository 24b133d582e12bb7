package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// GestureAction is the system action a touchscreen gesture scan code maps to.
// Values match the action ids sent by the gesture settings screen.
type GestureAction int

const (
	ActionNone           GestureAction = 0
	ActionPlayPauseMusic GestureAction = 7
	ActionPreviousTrack  GestureAction = 8
	ActionNextTrack      GestureAction = 9
	ActionAmbientDisplay GestureAction = 12
	ActionWakeDevice     GestureAction = 13
)

func (a GestureAction) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionPlayPauseMusic:
		return "play_pause_music"
	case ActionPreviousTrack:
		return "previous_track"
	case ActionNextTrack:
		return "next_track"
	case ActionAmbientDisplay:
		return "ambient_display"
	case ActionWakeDevice:
		return "wake_device"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// KeyAction is the phase of a key event.
type KeyAction int

const (
	KeyActionDown KeyAction = iota
	KeyActionUp
	KeyActionRepeat
)

// KeyEvent is a single key transition as seen by the gesture dispatcher.
type KeyEvent struct {
	ScanCode int
	Action   KeyAction
}

// keyEventFromInput converts a raw EV_KEY input event. ok is false for any
// other event type.
func keyEventFromInput(ev inputEvent) (KeyEvent, bool) {
	if ev.Type != EV_KEY {
		return KeyEvent{}, false
	}
	ke := KeyEvent{ScanCode: int(ev.Code)}
	switch ev.Value {
	case evValueRelease:
		ke.Action = KeyActionUp
	case evValuePress:
		ke.Action = KeyActionDown
	case evValueRepeat:
		ke.Action = KeyActionRepeat
	default:
		return KeyEvent{}, false
	}
	return ke, true
}

// GestureDeps are the platform capabilities used by the dispatcher.
// Vibrator and Media may be nil.
type GestureDeps struct {
	Prefs    PreferenceReader
	Power    PowerManager
	Doze     DozeBroadcaster
	Vibrator Vibrator
	Ringer   RingerModeProvider
	Media    MediaSession

	// OnDispatch, if set, is called by the worker after an action ran.
	OnDispatch func(GestureAction)
}

type gestureRequest struct {
	action GestureAction
}

// GestureDispatcher turns key-up events from the touchscreen into deferred
// system actions.
//
// Key events are filtered on the caller's goroutine; accepted requests are
// handed to a single worker (Run) through a one-slot queue. While a request is
// waiting in that slot, further requests are dropped, which absorbs bounce from
// the touch controller.
type GestureDispatcher struct {
	mu       sync.Mutex
	mapping  map[int]GestureAction
	inPocket bool

	deps     GestureDeps
	wakeLock WakeLock
	logger   *slog.Logger

	queue chan gestureRequest
}

// NewGestureDispatcher creates a dispatcher with an empty mapping.
func NewGestureDispatcher(deps GestureDeps, logger *slog.Logger) *GestureDispatcher {
	return &GestureDispatcher{
		mapping:  make(map[int]GestureAction),
		deps:     deps,
		wakeLock: deps.Power.NewWakeLock(gestureWakeLockTag),
		logger:   logger,
		queue:    make(chan gestureRequest, 1),
	}
}

// UpdateMapping replaces the whole scan code mapping. Missing or misaligned
// arrays clear it.
func (d *GestureDispatcher) UpdateMapping(scanCodes, actions []int) {
	m := make(map[int]GestureAction, len(scanCodes))
	if scanCodes != nil && actions != nil && len(scanCodes) == len(actions) {
		for i, code := range scanCodes {
			m[code] = GestureAction(actions[i])
		}
	} else {
		d.logger.Warn("gesture mapping rejected, clearing",
			"keycodes", len(scanCodes), "actions", len(actions),
			"keycodes_nil", scanCodes == nil, "actions_nil", actions == nil)
	}

	d.mu.Lock()
	d.mapping = m
	d.mu.Unlock()

	d.logger.Debug("gesture mapping updated", "entries", len(m))
}

// ActionFor returns the mapped action for a scan code.
func (d *GestureDispatcher) ActionFor(scanCode int) (GestureAction, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.mapping[scanCode]
	return a, ok
}

// MappingSize returns the number of mapped scan codes.
func (d *GestureDispatcher) MappingSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mapping)
}

// SetInPocket records the proximity sensor's pocket state.
func (d *GestureDispatcher) SetInPocket(inPocket bool) {
	d.mu.Lock()
	d.inPocket = inPocket
	d.mu.Unlock()
}

func (d *GestureDispatcher) InPocket() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inPocket
}

// HandleKeyEvent reports whether the event was consumed. Unconsumed events
// continue through normal input processing untouched.
func (d *GestureDispatcher) HandleKeyEvent(ev KeyEvent) bool {
	d.mu.Lock()
	action, mapped := d.mapping[ev.ScanCode]
	inPocket := d.inPocket
	d.mu.Unlock()

	if !mapped || action < 0 || ev.Action != KeyActionUp || !d.hasSetupCompleted() || inPocket {
		return false
	}

	if action != ActionNone && len(d.queue) == 0 {
		d.wakeLock.Acquire(eventProcessWakeLockDuration)
		select {
		case d.queue <- gestureRequest{action: action}:
			d.logger.Debug("gesture queued", "scan_code", ev.ScanCode, "action", action)
		default:
			d.logger.Debug("gesture request already pending", "scan_code", ev.ScanCode)
		}
	}

	return true
}

// Pending reports whether a request is waiting for the worker.
func (d *GestureDispatcher) Pending() bool {
	return len(d.queue) > 0
}

// Run is the dispatch worker. It runs until ctx is canceled; a request that
// has been taken off the queue always runs to completion.
func (d *GestureDispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.queue:
			d.handle(req)
		}
	}
}

func (d *GestureDispatcher) handle(req gestureRequest) {
	switch req.action {
	case ActionAmbientDisplay:
		d.launchDozePulse()
	case ActionWakeDevice:
		d.wakeDevice()
	case ActionPlayPauseMusic:
		d.dispatchMediaKey(MediaKeyPlayPause)
	case ActionNextTrack:
		d.dispatchMediaKey(MediaKeyNext)
	case ActionPreviousTrack:
		d.dispatchMediaKey(MediaKeyPrevious)
	default:
		d.logger.Debug("gesture action has no handler", "action", req.action)
		return
	}

	if d.deps.OnDispatch != nil {
		d.deps.OnDispatch(req.action)
	}
}

func (d *GestureDispatcher) hasSetupCompleted() bool {
	return d.deps.Prefs.GetBool(PrefUserSetupComplete, false)
}

func (d *GestureDispatcher) launchDozePulse() {
	if !d.deps.Prefs.GetBool(PrefDozeEnabled, true) {
		d.logger.Debug("doze disabled, skipping pulse")
		return
	}
	d.wakeLock.Acquire(gestureWakeLockDuration)
	if err := d.deps.Doze.SendDozePulse(); err != nil {
		d.logger.Warn("doze pulse broadcast failed", "error", err)
	}
	d.doHapticFeedback()
}

func (d *GestureDispatcher) wakeDevice() {
	d.wakeLock.Acquire(gestureWakeLockDuration)
	if err := d.deps.Power.WakeUp(gestureWakeupReason); err != nil {
		d.logger.Warn("wake up failed", "reason", gestureWakeupReason, "error", err)
	}
}

func (d *GestureDispatcher) dispatchMediaKey(key MediaKey) {
	if d.deps.Media == nil {
		d.logger.Warn("unable to send media key event", "key", key)
		return
	}
	err := d.deps.Media.SendMediaKey(key)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoMediaSession):
		// Nothing is playing; not a fault.
		d.logger.Debug("no media session for media key", "key", key)
	default:
		d.logger.Warn("media key dispatch failed", "key", key, "error", err)
	}
}

func (d *GestureDispatcher) doHapticFeedback() {
	v := d.deps.Vibrator
	if v == nil || !v.HasVibrator() {
		return
	}
	if d.deps.Ringer != nil && d.deps.Ringer.RingerMode() == RingerModeSilent {
		return
	}
	if !d.deps.Prefs.GetBool(PrefGestureHapticFeedback, true) {
		return
	}
	if err := v.Vibrate(); err != nil {
		d.logger.Debug("haptic feedback failed", "error", err)
	}
}
