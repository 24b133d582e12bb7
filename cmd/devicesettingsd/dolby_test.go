package main

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProfiles = ProfileTable{
	Values: []int{0, 1, 2, 3},
	Names:  []string{"Dynamic", "Movie", "Music", "Custom"},
}

type dolbyFixture struct {
	prefs   *Preferences
	router  *audioRouter
	factory *engineFactory
	sync    *DolbySynchronizer
}

func newDolbyFixture(t *testing.T) *dolbyFixture {
	t.Helper()
	f := &dolbyFixture{
		prefs:   newMemPrefs(t),
		router:  newAudioRouter(testLogger()),
		factory: &engineFactory{},
	}
	f.sync = newDolbySynchronizer(DolbyDeps{
		Prefs:     f.prefs,
		Audio:     f.router,
		NewEngine: f.factory.New,
		Profiles:  testProfiles,
	}, testLogger())
	return f
}

func (f *dolbyFixture) engine() *fakeEngine { return f.factory.Last() }

func countCalls(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}

func TestDolby_SetDsOnPersistsAndAppliesStoredProfile(t *testing.T) {
	f := newDolbyFixture(t)
	require.NoError(t, f.prefs.PutInt(PrefDolbyProfile, 2))
	eng := f.engine()
	eng.ResetCalls()

	require.NoError(t, f.sync.SetDsOn(true))

	assert.Same(t, eng, f.engine())
	assert.True(t, eng.enabled)
	assert.Equal(t, 2, eng.profile)
	assert.Equal(t, 1, countCalls(eng.Calls(), "SetProfile"))
	assert.True(t, f.prefs.GetBool(PrefDolbyEnable, false))
	assert.True(t, f.sync.CallbacksRegistered())
}

func TestDolby_SetDsOffUnregistersAndSkipsProfile(t *testing.T) {
	f := newDolbyFixture(t)
	require.NoError(t, f.sync.SetDsOn(true))
	before := countCalls(f.engine().Calls(), "SetProfile")

	require.NoError(t, f.sync.SetDsOn(false))

	eng := f.engine()
	assert.False(t, eng.enabled)
	assert.Equal(t, before, countCalls(eng.Calls(), "SetProfile"))
	assert.False(t, f.prefs.GetBool(PrefDolbyEnable, true))
	assert.False(t, f.sync.CallbacksRegistered())
	assert.Empty(t, f.router.playback)
	assert.Empty(t, f.router.devices)
}

func TestDolby_RegisterCallbacksIsIdempotent(t *testing.T) {
	f := newDolbyFixture(t)

	require.NoError(t, f.sync.SetDsOn(true))
	require.NoError(t, f.sync.SetDsOn(true))

	assert.Len(t, f.router.playback, 1)
	assert.Len(t, f.router.devices, 1)

	require.NoError(t, f.sync.SetDsOn(false))
	require.NoError(t, f.sync.SetDsOn(false))
	assert.Empty(t, f.router.playback)
}

func TestDolby_BootRestoresStoredState(t *testing.T) {
	f := newDolbyFixture(t)
	require.NoError(t, f.prefs.PutBool(PrefDolbyEnable, true))
	require.NoError(t, f.prefs.PutInt(PrefDolbyProfile, 3))

	require.NoError(t, f.sync.OnBootCompleted())

	eng := f.engine()
	assert.True(t, eng.enabled)
	assert.Equal(t, 3, eng.profile)
	assert.True(t, f.sync.CallbacksRegistered())
}

func TestDolby_BootWithDolbyOffLeavesProfileAlone(t *testing.T) {
	f := newDolbyFixture(t)
	require.NoError(t, f.prefs.PutBool(PrefDolbyEnable, false))

	require.NoError(t, f.sync.OnBootCompleted())

	eng := f.engine()
	assert.False(t, eng.enabled)
	assert.Zero(t, countCalls(eng.Calls(), "SetProfile"))
	assert.False(t, f.sync.CallbacksRegistered())
}

func TestDolby_BootNudgesSpeakerVirtualizerOnSpeaker(t *testing.T) {
	f := newDolbyFixture(t)
	eng := f.engine()
	require.NoError(t, eng.SetParamBool(ParamSpeakerVirtualizer, true))
	eng.calls = nil

	require.NoError(t, f.sync.OnBootCompleted())

	assert.Equal(t, 2, countCalls(eng.Calls(), "SetParam:speaker_virtualizer"))
	on, err := eng.GetParamBool(ParamSpeakerVirtualizer)
	require.NoError(t, err)
	assert.True(t, on)
}

func TestDolby_BootSkipsNudgeOffSpeakerOrWhenVirtualizerOff(t *testing.T) {
	t.Run("headphones", func(t *testing.T) {
		f := newDolbyFixture(t)
		eng := f.engine()
		require.NoError(t, eng.SetParamBool(ParamSpeakerVirtualizer, true))
		eng.calls = nil

		f.router.DevicesAdded([]AudioDevice{{ID: "hp", Type: DeviceWiredHeadphones}})
		require.NoError(t, f.sync.OnBootCompleted())

		assert.Zero(t, countCalls(eng.Calls(), "SetParam:speaker_virtualizer"))
	})

	t.Run("virtualizer off", func(t *testing.T) {
		f := newDolbyFixture(t)
		require.NoError(t, f.sync.OnBootCompleted())
		assert.Zero(t, countCalls(f.engine().Calls(), "SetParam:speaker_virtualizer"))
	})
}

func TestDolby_PlaybackStartReassertsProfile(t *testing.T) {
	f := newDolbyFixture(t)
	require.NoError(t, f.prefs.PutInt(PrefDolbyProfile, 1))
	require.NoError(t, f.sync.SetDsOn(true))

	eng := f.engine()
	before := countCalls(eng.Calls(), "SetProfile")

	f.router.PlaybackChanged([]PlaybackConfig{{SessionID: 7, State: PlayerStatePaused}})
	assert.Equal(t, before, countCalls(eng.Calls(), "SetProfile"))

	// Somebody else changed the profile behind our back.
	require.NoError(t, eng.SetProfile(0))
	f.router.PlaybackChanged([]PlaybackConfig{
		{SessionID: 7, State: PlayerStatePaused},
		{SessionID: 9, State: PlayerStateStarted},
	})
	assert.Equal(t, 1, eng.profile)
}

func TestDolby_DeviceChangeReassertsProfile(t *testing.T) {
	f := newDolbyFixture(t)
	require.NoError(t, f.prefs.PutInt(PrefDolbyProfile, 2))
	require.NoError(t, f.sync.SetDsOn(true))

	eng := f.engine()
	require.NoError(t, eng.SetProfile(0))

	f.router.DevicesAdded([]AudioDevice{{ID: "bt", Type: DeviceBluetoothA2DP}})
	assert.Equal(t, 2, eng.profile)

	require.NoError(t, eng.SetProfile(0))
	f.router.DevicesRemoved([]AudioDevice{{ID: "bt", Type: DeviceBluetoothA2DP}})
	assert.Equal(t, 2, eng.profile)
}

func TestDolby_CallbackSkipsWhenStoredOff(t *testing.T) {
	f := newDolbyFixture(t)
	require.NoError(t, f.sync.SetDsOn(true))

	// The pref flips without going through SetDsOn (another writer).
	require.NoError(t, f.prefs.PutBool(PrefDolbyEnable, false))
	eng := f.engine()
	before := countCalls(eng.Calls(), "SetProfile")

	f.sync.OnAudioDevicesChanged(DeviceChange{Added: []AudioDevice{{ID: "usb", Type: DeviceUSBHeadset}}})
	assert.Equal(t, before, countCalls(eng.Calls(), "SetProfile"))
}

func TestDolby_RecreatesEngineAfterLosingControl(t *testing.T) {
	f := newDolbyFixture(t)
	first := f.engine()
	require.Equal(t, 1, f.factory.Count())

	first.mu.Lock()
	first.control = false
	first.mu.Unlock()

	require.NoError(t, f.sync.SetProfile(3))

	require.Equal(t, 2, f.factory.Count())
	assert.True(t, first.released)
	assert.Equal(t, 3, f.engine().profile)
	assert.Zero(t, countCalls(first.Calls(), "SetProfile"))
}

func TestDolby_BindsLazilyWhenInitialCreateFails(t *testing.T) {
	factory := &engineFactory{fail: 1}
	s := newDolbySynchronizer(DolbyDeps{
		Prefs:     newMemPrefs(t),
		Audio:     newAudioRouter(testLogger()),
		NewEngine: factory.New,
		Profiles:  testProfiles,
	}, testLogger())
	require.Zero(t, factory.Count())

	on, err := s.GetDsOn()
	require.NoError(t, err)
	assert.False(t, on)
	assert.Equal(t, 1, factory.Count())
}

func TestDolby_EngineUnavailableReturnsError(t *testing.T) {
	factory := &engineFactory{fail: 2}
	s := newDolbySynchronizer(DolbyDeps{
		Prefs:     newMemPrefs(t),
		Audio:     newAudioRouter(testLogger()),
		NewEngine: factory.New,
	}, testLogger())

	_, err := s.GetProfile()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errFakeEngine))
}

func TestDolby_ToggleFlipsEngineState(t *testing.T) {
	f := newDolbyFixture(t)

	on, err := f.sync.Toggle()
	require.NoError(t, err)
	assert.True(t, on)
	assert.True(t, f.prefs.GetBool(PrefDolbyEnable, false))

	on, err = f.sync.Toggle()
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, f.prefs.GetBool(PrefDolbyEnable, true))
}

func TestDolby_SetProfilePersistsAndNames(t *testing.T) {
	f := newDolbyFixture(t)

	require.NoError(t, f.sync.SetProfile(2))
	assert.Equal(t, 2, f.prefs.GetInt(PrefDolbyProfile, -1))

	name, ok, err := f.sync.GetProfileName()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Music", name)

	require.NoError(t, f.sync.SetProfile(42))
	_, ok, err = f.sync.GetProfileName()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDolby_Preset(t *testing.T) {
	f := newDolbyFixture(t)
	eng := f.engine()

	gains := make([]int, geqBandCount)
	for i := range gains {
		gains[i] = i - 10
	}
	preset := formatPreset(gains)

	require.NoError(t, f.sync.SetPreset(preset))
	got, err := f.sync.GetPreset()
	require.NoError(t, err)
	assert.Equal(t, preset, got)

	t.Run("wrong band count", func(t *testing.T) {
		err := f.sync.SetPreset("1,2,3")
		assert.ErrorIs(t, err, ErrInvalidPreset)
		assert.Equal(t, gains, eng.params[ParamGEQBandGains])
	})

	t.Run("not a number", func(t *testing.T) {
		bad := "x" + preset[1:]
		err := f.sync.SetPreset(bad)
		assert.ErrorIs(t, err, ErrInvalidPreset)
	})

	t.Run("empty", func(t *testing.T) {
		assert.ErrorIs(t, f.sync.SetPreset("  "), ErrInvalidPreset)
	})

	t.Run("whitespace tolerated", func(t *testing.T) {
		spaced := ""
		for i := 0; i < geqBandCount; i++ {
			if i > 0 {
				spaced += ", "
			}
			spaced += "1"
		}
		require.NoError(t, f.sync.SetPreset(spaced))
		assert.Equal(t, 1, eng.params[ParamGEQBandGains][geqBandCount-1])
	})
}

func TestDolby_PresetFollowsEngineBandCount(t *testing.T) {
	f := newDolbyFixture(t)
	eng := f.engine()
	eng.params[ParamGEQBandGains] = make([]int, 6)

	require.NoError(t, f.sync.SetPreset("3,3,3,3,3,3"))
	got, err := f.sync.GetPreset()
	require.NoError(t, err)
	assert.Equal(t, "3,3,3,3,3,3", got)

	assert.ErrorIs(t, f.sync.SetPreset(formatPreset(make([]int, geqBandCount))), ErrInvalidPreset)
	assert.Equal(t, []int{3, 3, 3, 3, 3, 3}, eng.params[ParamGEQBandGains])
}

func TestDolby_PresetReadFailureWritesNothing(t *testing.T) {
	f := newDolbyFixture(t)
	eng := f.engine()
	eng.failGetParam = true

	err := f.sync.SetPreset(formatPreset(make([]int, geqBandCount)))
	require.Error(t, err)
	assert.Zero(t, countCalls(eng.Calls(), "SetParam:geq_band_gains"))
}

func TestDolby_DialogueEnhancer(t *testing.T) {
	f := newDolbyFixture(t)
	eng := f.engine()

	require.NoError(t, f.sync.SetDialogueEnhancerAmount(6))
	assert.Equal(t, []int{1}, eng.params[ParamDialogueEnhancerEnable])
	amount, err := f.sync.GetDialogueEnhancerAmount()
	require.NoError(t, err)
	assert.Equal(t, 6, amount)

	require.NoError(t, f.sync.SetDialogueEnhancerAmount(0))
	assert.Equal(t, []int{0}, eng.params[ParamDialogueEnhancerEnable])

	// A stale amount stays hidden while the enhancer is off.
	require.NoError(t, eng.SetParamInt(ParamDialogueEnhancerAmount, 9))
	amount, err = f.sync.GetDialogueEnhancerAmount()
	require.NoError(t, err)
	assert.Zero(t, amount)
}

func TestDolby_VolumeLeveler(t *testing.T) {
	f := newDolbyFixture(t)
	eng := f.engine()

	require.NoError(t, f.sync.SetVolumeLevelerEnabled(true))
	assert.Equal(t, []int{1}, eng.params[ParamVolumeLevelerEnable])
	assert.Equal(t, []int{volumeLevelerAmount}, eng.params[ParamVolumeLevelerAmount])
	on, err := f.sync.GetVolumeLevelerEnabled()
	require.NoError(t, err)
	assert.True(t, on)

	// Enabled with a foreign amount does not count.
	require.NoError(t, eng.SetParamInt(ParamVolumeLevelerAmount, 5))
	on, err = f.sync.GetVolumeLevelerEnabled()
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, f.sync.SetVolumeLevelerEnabled(false))
	assert.Equal(t, []int{0}, eng.params[ParamVolumeLevelerEnable])
	assert.Equal(t, []int{0}, eng.params[ParamVolumeLevelerAmount])
}

func TestDolby_BoolFeatureAccessors(t *testing.T) {
	f := newDolbyFixture(t)

	cases := []struct {
		name string
		set  func(bool) error
		get  func() (bool, error)
	}{
		{"headphone", f.sync.SetHeadphoneVirtualizerEnabled, f.sync.GetHeadphoneVirtualizerEnabled},
		{"speaker", f.sync.SetSpeakerVirtualizerEnabled, f.sync.GetSpeakerVirtualizerEnabled},
		{"bass", f.sync.SetBassEnhancerEnabled, f.sync.GetBassEnhancerEnabled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.set(true))
			v, err := tc.get()
			require.NoError(t, err)
			assert.True(t, v)

			require.NoError(t, tc.set(false))
			v, err = tc.get()
			require.NoError(t, err)
			assert.False(t, v)
		})
	}

	require.NoError(t, f.sync.SetStereoWideningAmount(4))
	n, err := f.sync.GetStereoWideningAmount()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestDolby_StatusAndClose(t *testing.T) {
	f := newDolbyFixture(t)
	require.NoError(t, f.sync.SetProfile(1))
	require.NoError(t, f.sync.SetDsOn(true))

	st, err := f.sync.Status()
	require.NoError(t, err)
	assert.Equal(t, DolbyStatus{Enabled: true, Profile: 1, ProfileName: "Movie"}, st)

	eng := f.engine()
	require.NoError(t, f.sync.Close())
	assert.True(t, eng.released)
	assert.False(t, f.sync.CallbacksRegistered())
}

func TestDolby_SettingsReadsEveryFeature(t *testing.T) {
	f := newDolbyFixture(t)
	require.NoError(t, f.sync.SetDsOn(true))
	require.NoError(t, f.sync.SetProfile(2))
	require.NoError(t, f.sync.SetHeadphoneVirtualizerEnabled(true))
	require.NoError(t, f.sync.SetStereoWideningAmount(4))
	require.NoError(t, f.sync.SetDialogueEnhancerAmount(6))
	require.NoError(t, f.sync.SetBassEnhancerEnabled(true))
	require.NoError(t, f.sync.SetVolumeLevelerEnabled(true))

	got, err := f.sync.Settings()
	require.NoError(t, err)
	assert.Equal(t, DolbySettings{
		DolbyStatus:          DolbyStatus{Enabled: true, Profile: 2, ProfileName: "Music"},
		HeadphoneVirtualizer: true,
		StereoWidening:       4,
		DialogueEnhancer:     6,
		BassEnhancer:         true,
		VolumeLeveler:        true,
		Preset:               formatPreset(make([]int, geqBandCount)),
	}, got)

	f.engine().failGetParam = true
	_, err = f.sync.Settings()
	assert.ErrorIs(t, err, errFakeEngine)
}

func TestDolbyProvider_SingleInstance(t *testing.T) {
	factory := &engineFactory{}
	p := NewDolbyProvider(DolbyDeps{
		Prefs:     newMemPrefs(t),
		Audio:     newAudioRouter(testLogger()),
		NewEngine: factory.New,
	}, testLogger())

	const n = 16
	got := make([]*DolbySynchronizer, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = p.Get()
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, got[0], got[i])
	}
	assert.Equal(t, 1, factory.Count())

	require.NoError(t, p.Close())
	assert.True(t, factory.Last().released)
}

func TestDolbyProvider_CloseWithoutInstanceBindsNothing(t *testing.T) {
	factory := &engineFactory{}
	p := NewDolbyProvider(DolbyDeps{
		Prefs:     newMemPrefs(t),
		Audio:     newAudioRouter(testLogger()),
		NewEngine: factory.New,
	}, testLogger())

	require.NoError(t, p.Close())
	assert.Zero(t, factory.Count())
}

func TestParsePreset(t *testing.T) {
	gains, err := parsePreset("0, -3,4")
	require.NoError(t, err)
	assert.Equal(t, []int{0, -3, 4}, gains)

	_, err = parsePreset("1,,2")
	assert.ErrorIs(t, err, ErrInvalidPreset)
}
