package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DsParam identifies a vendor DAP parameter.
type DsParam int

const (
	ParamHeadphoneVirtualizer   DsParam = 101
	ParamSpeakerVirtualizer     DsParam = 102
	ParamVolumeLevelerEnable    DsParam = 103
	ParamDialogueEnhancerEnable DsParam = 105
	ParamDialogueEnhancerAmount DsParam = 108
	ParamGEQBandGains           DsParam = 110
	ParamBassEnhancerEnable     DsParam = 111
	ParamStereoWideningAmount   DsParam = 113
	ParamVolumeLevelerAmount    DsParam = 116
)

// geqBandCount is the number of graphic equalizer bands the engine exposes.
const geqBandCount = 20

func (p DsParam) String() string {
	switch p {
	case ParamHeadphoneVirtualizer:
		return "headphone_virtualizer"
	case ParamSpeakerVirtualizer:
		return "speaker_virtualizer"
	case ParamVolumeLevelerEnable:
		return "volume_leveler_enable"
	case ParamDialogueEnhancerEnable:
		return "dialogue_enhancer_enable"
	case ParamDialogueEnhancerAmount:
		return "dialogue_enhancer_amount"
	case ParamGEQBandGains:
		return "geq_band_gains"
	case ParamBassEnhancerEnable:
		return "bass_enhancer_enable"
	case ParamStereoWideningAmount:
		return "stereo_widening_amount"
	case ParamVolumeLevelerAmount:
		return "volume_leveler_amount"
	default:
		return fmt.Sprintf("param(%d)", int(p))
	}
}

// EffectEngine is a handle on the vendor audio effect engine.
// Implementations need not be safe for concurrent use; the synchronizer
// serializes all calls.
type EffectEngine interface {
	// HasControl reports whether this handle still owns the engine. A higher
	// priority client can take control away at any time.
	HasControl() (bool, error)

	SetEnabled(on bool) error
	GetEnabled() (bool, error)

	SetProfile(profile int) error
	GetProfile() (int, error)

	SetParamBool(p DsParam, v bool) error
	GetParamBool(p DsParam) (bool, error)
	SetParamInt(p DsParam, v int) error
	GetParamInt(p DsParam) (int, error)
	SetParamInts(p DsParam, v []int) error
	GetParamInts(p DsParam) ([]int, error)

	ResetProfileSpecificSettings() error

	// Release gives up the handle. It is safe to call more than once.
	Release() error
}

// EngineFactory binds a new engine handle with the given priority and audio
// session.
type EngineFactory func(priority, session int) (EffectEngine, error)

// ============================================================================
// DAP control client (WebSocket)
// ============================================================================
// The vendor service speaks JSON over a WebSocket, one request per response:
//   - request without argument:  "GetEnabled"
//   - request with argument:     {"SetProfile": 2}
//   - response:                  {"GetEnabled": {"result": "Ok", "value": true}}
// Parameters are always exchanged as int arrays; booleans are 0/1.
// ============================================================================

var (
	errNotConnected = errors.New("no dap connection")
	errDAPCommand   = errors.New("dap command failed")
)

// DAPClient is an EffectEngine backed by the DAP control WebSocket.
type DAPClient struct {
	mu          sync.Mutex
	conn        *websocket.Conn
	url         string
	logger      *slog.Logger
	readTimeout time.Duration
}

type dapAcquireArgs struct {
	Priority int `json:"priority"`
	Session  int `json:"session"`
}

type dapParamArgs struct {
	Param  DsParam `json:"param"`
	Values []int   `json:"values"`
}

type dapResult struct {
	Result string          `json:"result"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// NewDAPClient dials the DAP service and acquires an effect handle.
// There is no retry; the caller decides when to try again.
func NewDAPClient(wsURL string, priority, session int, readTimeout time.Duration, logger *slog.Logger) (*DAPClient, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}

	d := websocket.Dialer{
		HandshakeTimeout: 2 * time.Second,
	}
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial dap: %w", err)
	}

	c := &DAPClient{
		conn:        conn,
		url:         wsURL,
		logger:      logger,
		readTimeout: readTimeout,
	}

	if err := c.call("Acquire", dapAcquireArgs{Priority: priority, Session: session}, nil); err != nil {
		c.Close()
		return nil, err
	}
	logger.Info("dap effect acquired", "url", wsURL, "priority", priority, "session", session)
	return c, nil
}

// newDAPEngineFactory returns an EngineFactory that dials wsURL.
func newDAPEngineFactory(wsURL string, readTimeout time.Duration, logger *slog.Logger) EngineFactory {
	return func(priority, session int) (EffectEngine, error) {
		return NewDAPClient(wsURL, priority, session, readTimeout, logger)
	}
}

// sendAndRead sends a message and waits for a response
func (c *DAPClient) sendAndRead(v any) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, errNotConnected
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.dropLocked()
		return nil, err
	}

	c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	defer func() {
		if c.conn != nil {
			c.conn.SetReadDeadline(time.Time{})
		}
	}()

	_, message, err := c.conn.ReadMessage()
	if err != nil {
		c.dropLocked()
		return nil, err
	}

	return message, nil
}

// dropLocked marks the connection as broken. Caller holds c.mu.
func (c *DAPClient) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// call issues cmd (with arg, if non-nil) and decodes the response value into
// out (if non-nil).
func (c *DAPClient) call(cmd string, arg any, out any) error {
	var req any = cmd
	if arg != nil {
		req = map[string]any{cmd: arg}
	}

	response, err := c.sendAndRead(req)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}

	var resp map[string]dapResult
	if err := json.Unmarshal(response, &resp); err != nil {
		return fmt.Errorf("%s: parse response: %w", cmd, err)
	}
	r, ok := resp[cmd]
	if !ok {
		return fmt.Errorf("%s: unexpected response %s", cmd, response)
	}
	if r.Result != "Ok" {
		return fmt.Errorf("%s: %w: %s", cmd, errDAPCommand, r.Result)
	}

	c.logger.Debug("dap", "cmd", cmd, "arg", arg, "value", string(r.Value))

	if out == nil {
		return nil
	}
	if len(r.Value) == 0 {
		return fmt.Errorf("%s: response has no value", cmd)
	}
	if err := json.Unmarshal(r.Value, out); err != nil {
		return fmt.Errorf("%s: decode value: %w", cmd, err)
	}
	return nil
}

// HasControl returns false without error once the connection is gone.
func (c *DAPClient) HasControl() (bool, error) {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return false, nil
	}

	var v bool
	if err := c.call("HasControl", nil, &v); err != nil {
		return false, err
	}
	return v, nil
}

func (c *DAPClient) SetEnabled(on bool) error {
	return c.call("SetEnabled", on, nil)
}

func (c *DAPClient) GetEnabled() (bool, error) {
	var v bool
	err := c.call("GetEnabled", nil, &v)
	return v, err
}

func (c *DAPClient) SetProfile(profile int) error {
	return c.call("SetProfile", profile, nil)
}

func (c *DAPClient) GetProfile() (int, error) {
	var v int
	err := c.call("GetProfile", nil, &v)
	return v, err
}

func (c *DAPClient) SetParamInts(p DsParam, v []int) error {
	return c.call("SetParam", dapParamArgs{Param: p, Values: v}, nil)
}

func (c *DAPClient) GetParamInts(p DsParam) ([]int, error) {
	var v []int
	if err := c.call("GetParam", p, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *DAPClient) SetParamInt(p DsParam, v int) error {
	return c.SetParamInts(p, []int{v})
}

func (c *DAPClient) GetParamInt(p DsParam) (int, error) {
	vals, err := c.GetParamInts(p)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, fmt.Errorf("GetParam %s: empty value", p)
	}
	return vals[0], nil
}

func (c *DAPClient) SetParamBool(p DsParam, v bool) error {
	return c.SetParamInt(p, boolToInt(v))
}

func (c *DAPClient) GetParamBool(p DsParam) (bool, error) {
	n, err := c.GetParamInt(p)
	return n != 0, err
}

func (c *DAPClient) ResetProfileSpecificSettings() error {
	return c.call("ResetProfileSpecificSettings", nil, nil)
}

// Release hands the effect back to the service and closes the connection.
func (c *DAPClient) Release() error {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return nil
	}

	err := c.call("Release", nil, nil)
	c.Close()
	if err != nil {
		return err
	}
	c.logger.Debug("dap effect released", "url", c.url)
	return nil
}

// Close closes the WebSocket connection
func (c *DAPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
