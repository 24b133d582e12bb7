package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudioRouter_MediaRoute(t *testing.T) {
	r := newAudioRouter(testLogger())
	assert.Equal(t, builtinSpeaker, r.MediaRoute())

	hp := AudioDevice{ID: "hp", Type: DeviceWiredHeadphones}
	bt := AudioDevice{ID: "bt", Type: DeviceBluetoothA2DP}

	r.DevicesAdded([]AudioDevice{hp})
	assert.Equal(t, hp, r.MediaRoute())

	r.DevicesAdded([]AudioDevice{bt})
	assert.Equal(t, bt, r.MediaRoute())

	// Re-attaching moves a device to the front.
	r.DevicesAdded([]AudioDevice{hp})
	assert.Equal(t, hp, r.MediaRoute())

	r.DevicesRemoved([]AudioDevice{hp})
	assert.Equal(t, bt, r.MediaRoute())

	r.DevicesRemoved([]AudioDevice{bt})
	assert.Equal(t, builtinSpeaker, r.MediaRoute())
}

func TestAudioRouter_Subscriptions(t *testing.T) {
	r := newAudioRouter(testLogger())

	var playback [][]PlaybackConfig
	var changes []DeviceChange
	unsubP := r.SubscribePlayback(func(c []PlaybackConfig) { playback = append(playback, c) })
	unsubD := r.SubscribeDevices(func(c DeviceChange) { changes = append(changes, c) })

	cfgs := []PlaybackConfig{{SessionID: 1, State: PlayerStateStarted}}
	r.PlaybackChanged(cfgs)
	r.DevicesAdded([]AudioDevice{{ID: "usb", Type: DeviceUSBHeadset}})
	r.DevicesRemoved([]AudioDevice{{ID: "usb", Type: DeviceUSBHeadset}})

	require.Len(t, playback, 1)
	assert.Equal(t, cfgs, playback[0])
	require.Len(t, changes, 2)
	assert.Len(t, changes[0].Added, 1)
	assert.Len(t, changes[1].Removed, 1)

	unsubP()
	unsubP()
	unsubD()

	r.PlaybackChanged(cfgs)
	r.DevicesAdded([]AudioDevice{{ID: "usb", Type: DeviceUSBHeadset}})
	assert.Len(t, playback, 1)
	assert.Len(t, changes, 2)
}

func TestAudioRouter_UnsubscribeKeepsOthers(t *testing.T) {
	r := newAudioRouter(testLogger())

	var a, b int
	unsubA := r.SubscribePlayback(func([]PlaybackConfig) { a++ })
	r.SubscribePlayback(func([]PlaybackConfig) { b++ })

	unsubA()
	r.PlaybackChanged(nil)

	assert.Zero(t, a)
	assert.Equal(t, 1, b)
}

func TestAnyStarted(t *testing.T) {
	assert.False(t, anyStarted(nil))
	assert.False(t, anyStarted([]PlaybackConfig{{State: PlayerStatePaused}, {State: PlayerStateIdle}}))
	assert.True(t, anyStarted([]PlaybackConfig{{State: PlayerStateStopped}, {State: PlayerStateStarted}}))
}
