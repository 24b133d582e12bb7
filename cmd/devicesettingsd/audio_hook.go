package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// ============================================================================
// Audio hook
// ============================================================================
// `devicesettingsd audio-hook` is run by udev rules (output device hotplug) and
// by player event hooks (playback state). Both pass their data through the
// environment:
//
//   udev:   ACTION=add|remove AUDIO_DEVICE_TYPE=<type> AUDIO_DEVICE_ID=<id>
//   player: PLAYER_EVENT=started|paused|stopped|idle|released SESSION_ID=<n>
//
// The hook converts that into one event and forwards it over IPC.
// ============================================================================

// parseAudioHookEvent builds an Event from hook environment variables.
// A nil Event with nil error means the hook invocation is ignored.
func parseAudioHookEvent(getenv func(string) string) (Event, error) {
	if action := getenv("ACTION"); action != "" {
		return parseDeviceHook(action, getenv)
	}
	if state := getenv("PLAYER_EVENT"); state != "" {
		return parsePlayerHook(state, getenv)
	}
	return nil, fmt.Errorf("neither ACTION nor PLAYER_EVENT is set")
}

func parseDeviceHook(action string, getenv func(string) string) (Event, error) {
	typ := AudioDeviceType(strings.ToLower(getenv("AUDIO_DEVICE_TYPE")))
	if !typ.valid() {
		return nil, fmt.Errorf("unknown AUDIO_DEVICE_TYPE %q", getenv("AUDIO_DEVICE_TYPE"))
	}
	id := getenv("AUDIO_DEVICE_ID")
	if id == "" {
		id = getenv("DEVPATH")
	}
	if id == "" {
		return nil, fmt.Errorf("AUDIO_DEVICE_ID not set")
	}
	dev := []AudioDevice{{ID: id, Type: typ}}

	switch action {
	case "add":
		return AudioDevicesAdded{Devices: dev}, nil
	case "remove":
		return AudioDevicesRemoved{Devices: dev}, nil
	case "change", "bind", "unbind":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown ACTION %q", action)
	}
}

func parsePlayerHook(state string, getenv func(string) string) (Event, error) {
	ps := PlayerState(strings.ToLower(state))
	switch ps {
	case PlayerStateIdle, PlayerStateStarted, PlayerStatePaused, PlayerStateStopped, PlayerStateReleased:
	default:
		return nil, fmt.Errorf("unknown PLAYER_EVENT %q", state)
	}

	session := 0
	if s := getenv("SESSION_ID"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("parse SESSION_ID: %w", err)
		}
		session = n
	}
	return PlaybackConfigChanged{Configs: []PlaybackConfig{{SessionID: session, State: ps}}}, nil
}

// runAudioHook handles audio-hook mode
func runAudioHook(socketPath string, getenv func(string) string, logger *slog.Logger) error {
	ev, err := parseAudioHookEvent(getenv)
	if err != nil {
		return err
	}
	if ev == nil {
		logger.Debug("audio hook event ignored", "action", getenv("ACTION"))
		return nil
	}

	logger.Debug("audio hook event", "event", fmt.Sprintf("%T", ev))

	if _, err := SendIPCEvent(socketPath, ev); err != nil {
		return fmt.Errorf("send IPC event: %w", err)
	}
	return nil
}
