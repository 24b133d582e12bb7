package main

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Event Types
// ============================================================================
// Events are the daemon loop's inputs. They arrive from the IPC socket (settings
// UI, audio hooks, devicesettings-ctl) and from the state WebSocket handler.
// Key events from input devices take a separate, typed path (KeyEvent).
// ============================================================================

// Event is a marker interface for all daemon loop inputs.
type Event interface {
	eventMarker()
}

// GestureMappingUpdate replaces the scan code to action mapping. Both lists
// must be present and of equal length, otherwise the mapping is cleared.
type GestureMappingUpdate struct {
	KeycodeMapping []int `json:"keycode_mapping"`
	ActionMapping  []int `json:"action_mapping"`
}

func (GestureMappingUpdate) eventMarker() {}

// PocketStateChanged reports the proximity sensor's pocket detection.
type PocketStateChanged struct {
	InPocket bool `json:"in_pocket"`
}

func (PocketStateChanged) eventMarker() {}

// BootCompleted is sent once by the init system after startup finished.
type BootCompleted struct{}

func (BootCompleted) eventMarker() {}

// PlaybackConfigChanged carries the full list of active playback sessions.
type PlaybackConfigChanged struct {
	Configs []PlaybackConfig `json:"configs"`
}

func (PlaybackConfigChanged) eventMarker() {}

// AudioDevicesAdded reports attached output devices.
type AudioDevicesAdded struct {
	Devices []AudioDevice `json:"devices"`
}

func (AudioDevicesAdded) eventMarker() {}

// AudioDevicesRemoved reports detached output devices.
type AudioDevicesRemoved struct {
	Devices []AudioDevice `json:"devices"`
}

func (AudioDevicesRemoved) eventMarker() {}

// ============================================================================
// Dolby control
// ============================================================================

type DolbySetEnabled struct {
	Enabled bool `json:"enabled"`
}

func (DolbySetEnabled) eventMarker() {}

// DolbyToggle is a quick-settings tile click.
type DolbyToggle struct{}

func (DolbyToggle) eventMarker() {}

type DolbySetProfile struct {
	Profile int `json:"profile"`
}

func (DolbySetProfile) eventMarker() {}

// DolbySetPreset sets the graphic equalizer gains, e.g. "0,0,2,4,...".
type DolbySetPreset struct {
	Preset string `json:"preset"`
}

func (DolbySetPreset) eventMarker() {}

// DolbySetParam changes one feature. Name is one of the dolbyFeature* values;
// boolean features read Enabled, amount features read Amount.
type DolbySetParam struct {
	Name    string `json:"name"`
	Enabled *bool  `json:"enabled,omitempty"`
	Amount  *int   `json:"amount,omitempty"`
}

func (DolbySetParam) eventMarker() {}

type DolbyResetProfileSettings struct{}

func (DolbyResetProfileSettings) eventMarker() {}

// DolbyStatusReply answers RequestDolbyStatus.
type DolbyStatusReply struct {
	Status DolbyStatus
	Err    error
}

// RequestDolbyStatus asks the loop for the current Dolby status. Reply must be
// buffered; the loop never blocks on it.
type RequestDolbyStatus struct {
	Reply chan DolbyStatusReply `json:"-"`
}

func (RequestDolbyStatus) eventMarker() {}

// DolbySettingsReply answers RequestDolbySettings.
type DolbySettingsReply struct {
	Settings DolbySettings
	Err      error
}

// RequestDolbySettings asks the loop for the full settings screen state.
// Reply must be buffered.
type RequestDolbySettings struct {
	Reply chan DolbySettingsReply `json:"-"`
}

func (RequestDolbySettings) eventMarker() {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================

// EventEnvelope wraps an event with a type discriminator for JSON marshaling
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	evTypeGestureMapping   = "gesture_mapping_update"
	evTypePocketState      = "pocket_state"
	evTypeBootCompleted    = "boot_completed"
	evTypePlaybackConfig   = "playback_config_changed"
	evTypeDevicesAdded     = "audio_devices_added"
	evTypeDevicesRemoved   = "audio_devices_removed"
	evTypeDolbySetEnabled  = "dolby_set_enabled"
	evTypeDolbyToggle      = "dolby_toggle"
	evTypeDolbySetProfile  = "dolby_set_profile"
	evTypeDolbySetPreset   = "dolby_set_preset"
	evTypeDolbySetParam    = "dolby_set_param"
	evTypeDolbyResetParams = "dolby_reset_profile_settings"
	evTypeDolbyStatus      = "dolby_status"
	evTypeDolbySettings    = "dolby_settings"
)

func decodeData[T Event](env EventEnvelope) (Event, error) {
	var v T
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("unmarshal %s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
	}
	return v, nil
}

// UnmarshalEvent deserializes a JSON event envelope into a concrete Event
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case evTypeGestureMapping:
		return decodeData[GestureMappingUpdate](env)
	case evTypePocketState:
		return decodeData[PocketStateChanged](env)
	case evTypeBootCompleted:
		return BootCompleted{}, nil
	case evTypePlaybackConfig:
		return decodeData[PlaybackConfigChanged](env)
	case evTypeDevicesAdded:
		return decodeData[AudioDevicesAdded](env)
	case evTypeDevicesRemoved:
		return decodeData[AudioDevicesRemoved](env)

	case evTypeDolbySetEnabled:
		return decodeData[DolbySetEnabled](env)
	case evTypeDolbyToggle:
		return DolbyToggle{}, nil
	case evTypeDolbySetProfile:
		return decodeData[DolbySetProfile](env)
	case evTypeDolbySetPreset:
		return decodeData[DolbySetPreset](env)
	case evTypeDolbySetParam:
		return decodeData[DolbySetParam](env)
	case evTypeDolbyResetParams:
		return DolbyResetProfileSettings{}, nil
	case evTypeDolbyStatus:
		// The IPC handler attaches the reply channel.
		return RequestDolbyStatus{}, nil
	case evTypeDolbySettings:
		return RequestDolbySettings{}, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// MarshalEvent serializes an Event into a JSON envelope with type discriminator
func MarshalEvent(e Event) ([]byte, error) {
	var env EventEnvelope
	var payload any

	switch e := e.(type) {
	case GestureMappingUpdate:
		env.Type, payload = evTypeGestureMapping, e
	case PocketStateChanged:
		env.Type, payload = evTypePocketState, e
	case BootCompleted:
		env.Type = evTypeBootCompleted
	case PlaybackConfigChanged:
		env.Type, payload = evTypePlaybackConfig, e
	case AudioDevicesAdded:
		env.Type, payload = evTypeDevicesAdded, e
	case AudioDevicesRemoved:
		env.Type, payload = evTypeDevicesRemoved, e

	case DolbySetEnabled:
		env.Type, payload = evTypeDolbySetEnabled, e
	case DolbyToggle:
		env.Type = evTypeDolbyToggle
	case DolbySetProfile:
		env.Type, payload = evTypeDolbySetProfile, e
	case DolbySetPreset:
		env.Type, payload = evTypeDolbySetPreset, e
	case DolbySetParam:
		env.Type, payload = evTypeDolbySetParam, e
	case DolbyResetProfileSettings:
		env.Type = evTypeDolbyResetParams
	case RequestDolbyStatus:
		env.Type = evTypeDolbyStatus
	case RequestDolbySettings:
		env.Type = evTypeDolbySettings

	default:
		return nil, fmt.Errorf("unsupported event type: %T", e)
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", env.Type, err)
		}
		env.Data = data
	}

	return json.Marshal(env)
}
