package main

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// Test doubles shared by the package tests.

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemPrefs(t *testing.T) *Preferences {
	t.Helper()
	p, err := OpenPreferences("", testLogger())
	if err != nil {
		t.Fatalf("OpenPreferences: %v", err)
	}
	return p
}

// ----------------------------------------------------------------------------
// Platform fakes
// ----------------------------------------------------------------------------

type fakeWakeLock struct {
	mu       sync.Mutex
	acquired []time.Duration
}

func (w *fakeWakeLock) Acquire(timeout time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acquired = append(w.acquired, timeout)
}

func (w *fakeWakeLock) Acquired() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.acquired...)
}

type fakePower struct {
	mu      sync.Mutex
	lock    *fakeWakeLock
	tags    []string
	wakeUps []string
	wakeErr error
}

func newFakePower() *fakePower {
	return &fakePower{lock: &fakeWakeLock{}}
}

func (p *fakePower) NewWakeLock(tag string) WakeLock {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tags = append(p.tags, tag)
	return p.lock
}

func (p *fakePower) WakeUp(reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wakeUps = append(p.wakeUps, reason)
	return p.wakeErr
}

func (p *fakePower) WakeUps() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.wakeUps...)
}

type fakeDoze struct {
	mu     sync.Mutex
	pulses int
}

func (d *fakeDoze) SendDozePulse() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pulses++
	return nil
}

func (d *fakeDoze) Pulses() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pulses
}

type fakeVibrator struct {
	mu      sync.Mutex
	present bool
	count   int
}

func (v *fakeVibrator) HasVibrator() bool { return v.present }

func (v *fakeVibrator) Vibrate() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.count++
	return nil
}

func (v *fakeVibrator) Count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.count
}

type fakeRinger struct{ mode RingerMode }

func (r fakeRinger) RingerMode() RingerMode { return r.mode }

type fakeMedia struct {
	mu   sync.Mutex
	keys []MediaKey
	err  error
}

func (m *fakeMedia) SendMediaKey(key MediaKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.keys = append(m.keys, key)
	return nil
}

func (m *fakeMedia) Keys() []MediaKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MediaKey(nil), m.keys...)
}

// ----------------------------------------------------------------------------
// Effect engine fake
// ----------------------------------------------------------------------------

var errFakeEngine = errors.New("fake engine failure")

// fakeEngine is an in-memory EffectEngine that records every call.
type fakeEngine struct {
	mu sync.Mutex

	control  bool
	enabled  bool
	profile  int
	params   map[DsParam][]int
	released bool

	calls []string

	// failGetParam makes every GetParam* call fail.
	failGetParam bool
}

func newFakeEngine() *fakeEngine {
	gains := make([]int, geqBandCount)
	return &fakeEngine{
		control: true,
		params:  map[DsParam][]int{ParamGEQBandGains: gains},
	}
}

func (e *fakeEngine) record(call string) {
	e.calls = append(e.calls, call)
}

func (e *fakeEngine) ResetCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

func (e *fakeEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) HasControl() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.control && !e.released, nil
}

func (e *fakeEngine) SetEnabled(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("SetEnabled")
	e.enabled = on
	return nil
}

func (e *fakeEngine) GetEnabled() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled, nil
}

func (e *fakeEngine) SetProfile(profile int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("SetProfile")
	e.profile = profile
	return nil
}

func (e *fakeEngine) GetProfile() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile, nil
}

func (e *fakeEngine) SetParamInts(p DsParam, v []int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("SetParam:" + p.String())
	e.params[p] = append([]int(nil), v...)
	return nil
}

func (e *fakeEngine) GetParamInts(p DsParam) ([]int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failGetParam {
		return nil, errFakeEngine
	}
	return append([]int(nil), e.params[p]...), nil
}

func (e *fakeEngine) SetParamInt(p DsParam, v int) error {
	return e.SetParamInts(p, []int{v})
}

func (e *fakeEngine) GetParamInt(p DsParam) (int, error) {
	vals, err := e.GetParamInts(p)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, nil
	}
	return vals[0], nil
}

func (e *fakeEngine) SetParamBool(p DsParam, v bool) error {
	return e.SetParamInt(p, boolToInt(v))
}

func (e *fakeEngine) GetParamBool(p DsParam) (bool, error) {
	n, err := e.GetParamInt(p)
	return n != 0, err
}

func (e *fakeEngine) ResetProfileSpecificSettings() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("ResetProfileSpecificSettings")
	return nil
}

func (e *fakeEngine) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released = true
	return nil
}

// engineFactory hands out fresh fakeEngines and remembers them.
type engineFactory struct {
	mu      sync.Mutex
	engines []*fakeEngine
	fail    int // number of upcoming calls that fail
}

func (f *engineFactory) New(priority, session int) (EffectEngine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return nil, errFakeEngine
	}
	e := newFakeEngine()
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *engineFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

// Last returns the most recently created engine.
func (f *engineFactory) Last() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
