package main

import (
	"fmt"
	"log/slog"

	"github.com/gen2brain/beeep"
)

// beepVibrator renders haptic feedback as a short tone on hosts without a
// vibration motor.
type beepVibrator struct {
	enabled    bool
	freqHz     float64
	durationMS int
	logger     *slog.Logger

	// beep is beeep.Beep outside of tests.
	beep func(freq float64, duration int) error
}

func newBeepVibrator(cfg HapticsConfig, logger *slog.Logger) *beepVibrator {
	freq := cfg.FreqHz
	if freq <= 0 {
		freq = beeep.DefaultFreq
	}
	dur := cfg.DurationMS
	if dur <= 0 {
		dur = beeep.DefaultDuration / 4
	}
	return &beepVibrator{
		enabled:    cfg.Enabled,
		freqHz:     freq,
		durationMS: dur,
		logger:     logger,
		beep:       beeep.Beep,
	}
}

func (v *beepVibrator) HasVibrator() bool { return v.enabled }

func (v *beepVibrator) Vibrate() error {
	if !v.enabled {
		return nil
	}
	if err := v.beep(v.freqHz, v.durationMS); err != nil {
		return fmt.Errorf("beep: %w", err)
	}
	v.logger.Debug("haptic feedback", "freq_hz", v.freqHz, "duration_ms", v.durationMS)
	return nil
}
