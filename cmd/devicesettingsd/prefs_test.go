package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreferences_MissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "prefs.yaml")

	p, err := OpenPreferences(path, testLogger())
	require.NoError(t, err)

	assert.True(t, p.GetBool(PrefDolbyEnable, true))
	assert.Equal(t, 3, p.GetInt(PrefDolbyProfile, 3))
	assert.Equal(t, "normal", p.GetString(PrefRingerMode, "normal"))
}

func TestPreferences_PersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "prefs.yaml")

	p, err := OpenPreferences(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, p.PutBool(PrefDolbyEnable, false))
	require.NoError(t, p.PutInt(PrefDolbyProfile, 2))

	reloaded, err := OpenPreferences(path, testLogger())
	require.NoError(t, err)
	assert.False(t, reloaded.GetBool(PrefDolbyEnable, true))
	assert.Equal(t, 2, reloaded.GetInt(PrefDolbyProfile, 0))

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPreferences_LenientTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dolby_enable: "1"
dolby_profile: "3"
user_setup_complete: 1
doze_enabled: "false"
ringer_mode: silent
touchscreen_gesture_haptic_feedback: [1]
`), 0o644))

	p, err := OpenPreferences(path, testLogger())
	require.NoError(t, err)

	assert.True(t, p.GetBool(PrefDolbyEnable, false))
	assert.Equal(t, 3, p.GetInt(PrefDolbyProfile, 0))
	assert.True(t, p.GetBool(PrefUserSetupComplete, false))
	assert.False(t, p.GetBool(PrefDozeEnabled, true))
	assert.Equal(t, RingerModeSilent, prefsRingerMode{prefs: p}.RingerMode())

	// Unusable values fall back to the default.
	assert.True(t, p.GetBool(PrefGestureHapticFeedback, true))
	assert.Equal(t, 7, p.GetInt(PrefRingerMode, 7))
}

func TestPreferences_EmptyAndBrokenFiles(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o644))
	p, err := OpenPreferences(empty, testLogger())
	require.NoError(t, err)
	require.NoError(t, p.PutBool(PrefDozeEnabled, true))

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("dolby_enable: [\n"), 0o644))
	_, err = OpenPreferences(broken, testLogger())
	assert.Error(t, err)
}

func TestPreferences_InMemory(t *testing.T) {
	p := newMemPrefs(t)
	require.NoError(t, p.PutInt(PrefDolbyProfile, 1))
	assert.Equal(t, 1, p.GetInt(PrefDolbyProfile, 0))
}

func TestPrefsRingerModeDefaultsToNormal(t *testing.T) {
	p := newMemPrefs(t)
	assert.Equal(t, RingerModeNormal, prefsRingerMode{prefs: p}.RingerMode())

	require.NoError(t, p.put(PrefRingerMode, "VIBRATE"))
	assert.Equal(t, RingerModeVibrate, prefsRingerMode{prefs: p}.RingerMode())

	require.NoError(t, p.put(PrefRingerMode, "loud"))
	assert.Equal(t, RingerModeNormal, prefsRingerMode{prefs: p}.RingerMode())
}
