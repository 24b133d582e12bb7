package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// UI clients (the quick-settings tile, the ambient display) connect here to:
//   - receive the Dolby status on connect ("state_init") and on every change
//     ("dolby_changed")
//   - receive doze pulse requests ("doze_pulse") and dispatched gestures
//     ("gesture")
//   - send tile clicks back ("dolby_toggle", "dolby_set_enabled",
//     "dolby_set_profile")
//
// Messages are JSON text frames with an envelope: {type, ts, data}.
// Slow clients are disconnected when their send buffer fills.
//
// ============================================================================

// StateBroadcast is a marker interface for state pushed to WS clients.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastDolbyChanged carries the Dolby status after a mutation.
type BroadcastDolbyChanged struct {
	Status DolbyStatus
	At     time.Time
}

func (BroadcastDolbyChanged) broadcastMarker() {}

// BroadcastDozePulse asks the ambient display to pulse.
type BroadcastDozePulse struct {
	At time.Time
}

func (BroadcastDozePulse) broadcastMarker() {}

// BroadcastGesture reports a gesture action that was carried out.
type BroadcastGesture struct {
	Action GestureAction
	At     time.Time
}

func (BroadcastGesture) broadcastMarker() {}

// wsGestureData is the JSON `data` payload for "gesture".
type wsGestureData struct {
	Action   string `json:"action"`
	ActionID int    `json:"action_id"`
}

// wsOutboundEvent is a pre-typed, externally-consumable state event.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time // optional timestamp; zero means "omit" or use now
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

// errBroadcastQueueFull is returned when the broadcaster cannot keep up.
var errBroadcastQueueFull = errors.New("state broadcast queue full")

// broadcastQueue is the producer side of the broadcaster. It never blocks.
type broadcastQueue struct {
	ch chan StateBroadcast
}

func newBroadcastQueue(size int) *broadcastQueue {
	return &broadcastQueue{ch: make(chan StateBroadcast, size)}
}

func (q *broadcastQueue) Publish(b StateBroadcast) error {
	select {
	case q.ch <- b:
		return nil
	default:
		return errBroadcastQueueFull
	}
}

// SendDozePulse implements DozeBroadcaster.
func (q *broadcastQueue) SendDozePulse() error {
	return q.Publish(BroadcastDozePulse{At: time.Now().UTC()})
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size.
	SendBuf int

	// BroadcastBuf is the hub inbound broadcast queue size.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled.
// It disconnects all clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients first, then remove them after we unlock.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.closeSend()
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send signals writePump to exit.
		c.closeSend()

		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastBytes enqueues a pre-serialized JSON WS frame for broadcast.
// It never blocks; if the hub queue is full it drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once

	remoteAddr string
	logger     *slog.Logger

	// onMessage receives inbound text frames. Nil discards them.
	onMessage func([]byte)
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

const (
	writeWait = 5 * time.Second

	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsDolbyCoalesceWindow is the maximum time window during which bursty Dolby
// updates are coalesced (latest-wins) before broadcasting to clients.
const wsDolbyCoalesceWindow = 50 * time.Millisecond

// closeStatus extracts a human-readable websocket close code / text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, cause string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws "+pump+" exiting ("+cause+")", "remote_addr", c.remoteAddr, "error", err)
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed: hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", "write error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", "ping error", err)
				return
			}
		}
	}
}

// readPump reads incoming messages, handing text frames to onMessage.
// It exits on read error, then unregisters the client.
func (c *Client) readPump(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		mt, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.logExit("readPump", "read error", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
		if mt == websocket.TextMessage && c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

// ============================================================================
// HTTP Handler
// ============================================================================

type Server struct {
	logger *slog.Logger

	hub *Hub

	// Used for the state_init status request and for tile clicks.
	events chan<- Event
}

type ServerConfig struct {
	Hub HubConfig
}

// NewServer constructs the WS state server components. Call Register on a mux,
// start hub.Run(ctx), and start the broadcaster loop.
func NewServer(logger *slog.Logger, events chan<- Event, cfg ServerConfig) *Server {
	return &Server{
		logger: logger,
		hub:    NewHub(logger, cfg.Hub),
		events: events,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register registers the WS handler on the provided mux.
func (s *Server) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	// Clients are local UI processes.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleInbound accepts the tile's control messages and ignores anything else.
func (s *Server) handleInbound(remoteAddr string, msg []byte) {
	ev, err := UnmarshalEvent(msg)
	if err != nil {
		s.logger.Debug("ws inbound message ignored", "remote_addr", remoteAddr, "error", err)
		return
	}
	switch ev.(type) {
	case DolbyToggle, DolbySetEnabled, DolbySetProfile:
	default:
		s.logger.Debug("ws inbound event not allowed", "remote_addr", remoteAddr, "type", ev)
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("ws inbound event dropped, queue full", "remote_addr", remoteAddr)
	}
}

// handleStateWS upgrades and registers a client, then sends state_init.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)
	if s.events != nil {
		remote := r.RemoteAddr
		client.onMessage = func(msg []byte) { s.handleInbound(remote, msg) }
	}

	// Register client first so broadcasts can reach it.
	s.hub.register <- client

	// The pumps outlive the handler; the request context is canceled when it
	// returns.
	go client.writePump(context.Background())
	go client.readPump(context.Background())

	if s.events == nil {
		return
	}

	reply := make(chan DolbyStatusReply, 1)
	select {
	case <-r.Context().Done():
		return
	case s.events <- RequestDolbyStatus{Reply: reply}:
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), ipcReplyTimeout)
	defer cancel()

	select {
	case <-waitCtx.Done():
		if !errors.Is(waitCtx.Err(), context.Canceled) {
			s.logger.Warn("ws snapshot request failed", "error", waitCtx.Err())
		}
		return

	case res := <-reply:
		if res.Err != nil {
			s.logger.Warn("ws snapshot unavailable", "error", res.Err)
			return
		}
		now := time.Now().UTC()
		initMsg, mErr := json.Marshal(envelope{
			Type: "state_init",
			Ts:   &now,
			Data: res.Status,
		})
		if mErr != nil {
			return
		}
		// Enqueue init message; if client is already slow, disconnect.
		select {
		case client.send <- initMsg:
		default:
			s.hub.unregister <- client
		}
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster reads StateBroadcast events, marshals them, and broadcasts
// them to all hub clients. Intended to run as a single goroutine.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	// Bursty dolby updates (slider drags) are flushed at most once every
	// wsDolbyCoalesceWindow, latest wins.
	var pending *wsOutboundEvent
	var timer *time.Timer
	var timerCh <-chan time.Time

	emit := func(ev wsOutboundEvent) {
		ts := ev.At
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		msg, err := json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}

	flushPending := func() {
		if pending == nil {
			return
		}
		emit(*pending)
		pending = nil
	}

	stopTimer := func() {
		if timer == nil {
			timerCh = nil
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
		timerCh = nil
	}

	for {
		select {
		case <-ctx.Done():
			flushPending()
			stopTimer()
			return

		case <-timerCh:
			flushPending()
			timer = nil
			timerCh = nil

		case b, ok := <-src:
			if !ok {
				flushPending()
				stopTimer()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				continue
			}

			if ev.Type == "dolby_changed" {
				copyEv := ev
				pending = &copyEv
				if timer == nil {
					timer = time.NewTimer(wsDolbyCoalesceWindow)
					timerCh = timer.C
				}
				continue
			}

			// Keep ordering: a pending dolby update goes out first.
			flushPending()
			stopTimer()
			emit(ev)
		}
	}
}

func convertBroadcast(b StateBroadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastDolbyChanged:
		return wsOutboundEvent{Type: "dolby_changed", Data: ev.Status, At: ev.At}, true

	case BroadcastDozePulse:
		return wsOutboundEvent{Type: "doze_pulse", At: ev.At}, true

	case BroadcastGesture:
		return wsOutboundEvent{
			Type: "gesture",
			Data: wsGestureData{Action: ev.Action.String(), ActionID: int(ev.Action)},
			At:   ev.At,
		}, true

	default:
		return wsOutboundEvent{}, false
	}
}
