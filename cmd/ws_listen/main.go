package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// stateEnvelope mirrors the daemon's state websocket frames.
type stateEnvelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type dolbyStatus struct {
	Enabled     bool   `json:"enabled"`
	Profile     int    `json:"profile"`
	ProfileName string `json:"profile_name,omitempty"`
}

type gestureData struct {
	Action   string `json:"action"`
	ActionID int    `json:"action_id"`
}

func main() {
	var (
		wsURL   = flag.String("ws", "ws://127.0.0.1:3011/ws/state", "devicesettingsd state websocket URL")
		toggle  = flag.Bool("toggle", false, "Send a dolby_toggle after connecting")
		profile = flag.Int("profile", -1, "Send dolby_set_profile with this value after connecting")
		raw     = flag.Bool("raw", false, "Print frames as received")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// Mutex to protect concurrent writes to websocket
	var writeMu sync.Mutex

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	// The server pings every 20s; answering extends our deadline too.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	if *toggle {
		sendEvent(conn, &writeMu, "dolby_toggle", nil)
	}
	if *profile >= 0 {
		sendEvent(conn, &writeMu, "dolby_set_profile", map[string]int{"profile": *profile})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}

			switch messageType {
			case websocket.TextMessage:
				if *raw {
					fmt.Printf("[TEXT] %s\n", string(message))
					continue
				}
				handleTextMessage(message)
			case websocket.BinaryMessage:
				fmt.Printf("[BINARY] %d bytes\n", len(message))
			}
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// handleTextMessage prints one state frame.
func handleTextMessage(message []byte) {
	var env stateEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}

	ts := ""
	if env.Ts != nil {
		ts = env.Ts.Local().Format("15:04:05.000") + " "
	}

	switch env.Type {
	case "state_init", "dolby_changed":
		var st dolbyStatus
		if err := json.Unmarshal(env.Data, &st); err != nil {
			fmt.Printf("%s[%s] %s\n", ts, env.Type, string(env.Data))
			return
		}
		state := "OFF"
		if st.Enabled {
			state = "ON"
		}
		name := st.ProfileName
		if name == "" {
			name = "?"
		}
		fmt.Printf("%s[DOLBY] %s profile=%d (%s)\n", ts, state, st.Profile, name)

	case "doze_pulse":
		fmt.Printf("%s[DOZE] pulse\n", ts)

	case "gesture":
		var g gestureData
		if err := json.Unmarshal(env.Data, &g); err != nil {
			fmt.Printf("%s[GESTURE] %s\n", ts, string(env.Data))
			return
		}
		fmt.Printf("%s[GESTURE] %s (%d)\n", ts, g.Action, g.ActionID)

	default:
		fmt.Printf("%s[%s] %s\n", ts, env.Type, string(env.Data))
	}
}

// sendEvent writes an event envelope (thread-safe)
func sendEvent(conn *websocket.Conn, writeMu *sync.Mutex, typ string, data any) {
	env := map[string]any{"type": typ}
	if data != nil {
		env["data"] = data
	}
	payload, err := json.Marshal(env)
	if err != nil {
		log.Printf("error marshaling event: %v", err)
		return
	}

	writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	writeMu.Unlock()

	if err != nil {
		log.Printf("error sending event: %v", err)
	}
}
