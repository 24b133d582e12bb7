package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
//
// The loop is the single consumer of every inbound event:
//   - IPC / WebSocket events (mapping updates, pocket state, boot, audio
//     callbacks, Dolby control)
//   - raw key events from the touchscreen input devices
//
// Audio callbacks reach the Dolby synchronizer through the audio router, so
// they are delivered on this goroutine in arrival order. The gesture worker
// runs separately (GestureDispatcher.Run) and only receives work through the
// dispatcher's one-slot queue.
//
// ============================================================================

// Dolby feature names accepted by DolbySetParam.
const (
	dolbyFeatureHeadphoneVirtualizer = "headphone_virtualizer"
	dolbyFeatureSpeakerVirtualizer   = "speaker_virtualizer"
	dolbyFeatureStereoWidening       = "stereo_widening"
	dolbyFeatureDialogueEnhancer     = "dialogue_enhancer"
	dolbyFeatureBassEnhancer         = "bass_enhancer"
	dolbyFeatureVolumeLeveler        = "volume_leveler"
)

var errDolbyDisabled = errors.New("dolby support is disabled")

// broadcastPublisher is the daemon's view of the state broadcaster.
type broadcastPublisher interface {
	Publish(b StateBroadcast) error
}

type daemon struct {
	gestures   *GestureDispatcher
	dolby      *DolbyProvider // nil when Dolby support is disabled
	router     *audioRouter
	broadcasts broadcastPublisher // may be nil
	logger     *slog.Logger
}

// runDaemon is the main daemon loop.
//
// Shutdown semantics:
//   - Exits when ctx is canceled
//   - Exits cleanly when the events channel is closed
func runDaemon(ctx context.Context, d *daemon, events <-chan Event, keys <-chan inputEvent) {
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopping (context canceled)")
			return

		case ev, ok := <-events:
			if !ok {
				d.logger.Info("daemon stopping (events channel closed)")
				return
			}
			d.handleEvent(ev)

		case ie := <-keys:
			d.handleInput(ie)
		}
	}
}

// handleInput feeds EV_KEY events to the gesture dispatcher.
func (d *daemon) handleInput(ie inputEvent) {
	ke, ok := keyEventFromInput(ie)
	if !ok {
		return
	}
	if !d.gestures.HandleKeyEvent(ke) {
		d.logger.Debug("key passed through", "scan_code", ke.ScanCode, "action", ke.Action)
	}
}

func (d *daemon) handleEvent(ev Event) {
	switch e := ev.(type) {
	case GestureMappingUpdate:
		d.gestures.UpdateMapping(e.KeycodeMapping, e.ActionMapping)

	case PocketStateChanged:
		d.gestures.SetInPocket(e.InPocket)
		d.logger.Debug("pocket state", "in_pocket", e.InPocket)

	case BootCompleted:
		d.logger.Info("boot completed")
		if d.dolby == nil {
			return
		}
		if err := d.dolby.Get().OnBootCompleted(); err != nil {
			d.logger.Warn("dolby boot restore failed", "error", err)
		}
		d.publishDolby()

	case PlaybackConfigChanged:
		d.router.PlaybackChanged(e.Configs)

	case AudioDevicesAdded:
		d.router.DevicesAdded(e.Devices)

	case AudioDevicesRemoved:
		d.router.DevicesRemoved(e.Devices)

	case RequestDolbyStatus:
		d.replyDolbyStatus(e)

	case RequestDolbySettings:
		d.replyDolbySettings(e)

	case DolbySetEnabled, DolbyToggle, DolbySetProfile, DolbySetPreset, DolbySetParam, DolbyResetProfileSettings:
		if err := d.handleDolby(ev); err != nil {
			d.logger.Warn("dolby request failed", "event", fmt.Sprintf("%T", ev), "error", err)
		}
		d.publishDolby()

	default:
		d.logger.Warn("unhandled event", "type", fmt.Sprintf("%T", ev))
	}
}

func (d *daemon) handleDolby(ev Event) error {
	if d.dolby == nil {
		return errDolbyDisabled
	}
	s := d.dolby.Get()

	switch e := ev.(type) {
	case DolbySetEnabled:
		return s.SetDsOn(e.Enabled)
	case DolbyToggle:
		on, err := s.Toggle()
		if err == nil {
			d.logger.Info("dolby toggled", "enabled", on)
		}
		return err
	case DolbySetProfile:
		return s.SetProfile(e.Profile)
	case DolbySetPreset:
		return s.SetPreset(e.Preset)
	case DolbySetParam:
		return applyDolbyParam(s, e)
	case DolbyResetProfileSettings:
		return s.ResetProfileSpecificSettings()
	}
	return nil
}

// applyDolbyParam routes a feature change to its accessor.
func applyDolbyParam(s *DolbySynchronizer, p DolbySetParam) error {
	needBool := func() (bool, error) {
		if p.Enabled == nil {
			return false, fmt.Errorf("%s: enabled is required", p.Name)
		}
		return *p.Enabled, nil
	}
	needAmount := func() (int, error) {
		if p.Amount == nil {
			return 0, fmt.Errorf("%s: amount is required", p.Name)
		}
		return *p.Amount, nil
	}

	switch p.Name {
	case dolbyFeatureHeadphoneVirtualizer:
		v, err := needBool()
		if err != nil {
			return err
		}
		return s.SetHeadphoneVirtualizerEnabled(v)
	case dolbyFeatureSpeakerVirtualizer:
		v, err := needBool()
		if err != nil {
			return err
		}
		return s.SetSpeakerVirtualizerEnabled(v)
	case dolbyFeatureBassEnhancer:
		v, err := needBool()
		if err != nil {
			return err
		}
		return s.SetBassEnhancerEnabled(v)
	case dolbyFeatureVolumeLeveler:
		v, err := needBool()
		if err != nil {
			return err
		}
		return s.SetVolumeLevelerEnabled(v)
	case dolbyFeatureStereoWidening:
		n, err := needAmount()
		if err != nil {
			return err
		}
		return s.SetStereoWideningAmount(n)
	case dolbyFeatureDialogueEnhancer:
		n, err := needAmount()
		if err != nil {
			return err
		}
		return s.SetDialogueEnhancerAmount(n)
	default:
		return fmt.Errorf("unknown dolby feature %q", p.Name)
	}
}

func (d *daemon) replyDolbyStatus(req RequestDolbyStatus) {
	if req.Reply == nil {
		return
	}
	var r DolbyStatusReply
	if d.dolby == nil {
		r.Err = errDolbyDisabled
	} else {
		r.Status, r.Err = d.dolby.Get().Status()
	}
	select {
	case req.Reply <- r:
	default:
		d.logger.Warn("dolby status reply dropped")
	}
}

func (d *daemon) replyDolbySettings(req RequestDolbySettings) {
	if req.Reply == nil {
		return
	}
	var r DolbySettingsReply
	if d.dolby == nil {
		r.Err = errDolbyDisabled
	} else {
		r.Settings, r.Err = d.dolby.Get().Settings()
	}
	select {
	case req.Reply <- r:
	default:
		d.logger.Warn("dolby settings reply dropped")
	}
}

// publishDolby pushes the current status to WS clients.
func (d *daemon) publishDolby() {
	if d.broadcasts == nil || d.dolby == nil {
		return
	}
	st, err := d.dolby.Get().Status()
	if err != nil {
		d.logger.Debug("dolby status unavailable for broadcast", "error", err)
		return
	}
	if err := d.broadcasts.Publish(BroadcastDolbyChanged{Status: st, At: time.Now().UTC()}); err != nil {
		d.logger.Warn("dolby broadcast dropped", "error", err)
	}
}
