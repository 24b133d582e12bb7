package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// ============================================================================
// devicesettings-ctl - Command-line IPC Client
// ============================================================================
// This tool sends events to the devicesettingsd daemon via IPC.
//
// Usage:
//   devicesettings-ctl dolby toggle
//   devicesettings-ctl dolby profile 2
//   devicesettings-ctl dolby status
//   devicesettings-ctl dolby settings
//   devicesettings-ctl gestures 250,255 12,13
//   devicesettings-ctl pocket on
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/devicesettingsd.sock)
// ============================================================================

// Event types (duplicated from the daemon for a standalone binary)
type Event interface{}

type gestureMappingUpdate struct {
	KeycodeMapping []int `json:"keycode_mapping"`
	ActionMapping  []int `json:"action_mapping"`
}

type pocketState struct {
	InPocket bool `json:"in_pocket"`
}

type bootCompleted struct{}

type dolbySetEnabled struct {
	Enabled bool `json:"enabled"`
}

type dolbyToggle struct{}

type dolbySetProfile struct {
	Profile int `json:"profile"`
}

type dolbySetPreset struct {
	Preset string `json:"preset"`
}

type dolbySetParam struct {
	Name    string `json:"name"`
	Enabled *bool  `json:"enabled,omitempty"`
	Amount  *int   `json:"amount,omitempty"`
}

type dolbyReset struct{}

type dolbyStatus struct{}

type dolbySettings struct{}

// EventEnvelope wraps events for JSON
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the daemon's response
type IPCResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// amountParams are dolby params that take an integer instead of on/off.
var amountParams = map[string]bool{
	"stereo_widening":   true,
	"dialogue_enhancer": true,
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	socketPath := "/tmp/devicesettingsd.sock"

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "-socket" || args[0] == "--socket" {
		if len(args) < 2 {
			fail("-socket requires an argument")
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	var ev Event

	switch args[0] {
	case "dolby":
		ev = parseDolby(args[1:])

	case "gestures":
		if len(args) < 3 {
			fail("gestures requires <scan codes> <actions>")
		}
		codes, err := parseIntList(args[1])
		if err != nil {
			fail("invalid scan codes: %v", err)
		}
		actions, err := parseIntList(args[2])
		if err != nil {
			fail("invalid actions: %v", err)
		}
		ev = gestureMappingUpdate{KeycodeMapping: codes, ActionMapping: actions}

	case "pocket":
		if len(args) < 2 {
			fail("pocket requires on|off")
		}
		on, err := parseOnOff(args[1])
		if err != nil {
			fail("%v", err)
		}
		ev = pocketState{InPocket: on}

	case "boot-completed":
		ev = bootCompleted{}

	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	data, err := sendEvent(socketPath, ev)
	if err != nil {
		fail("%v", err)
	}

	if len(data) > 0 {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			pretty, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(pretty))
			return
		}
		fmt.Println(string(data))
		return
	}
	fmt.Println("ok")
}

func parseDolby(args []string) Event {
	if len(args) == 0 {
		fail("dolby requires a subcommand")
	}
	switch args[0] {
	case "on", "off":
		return dolbySetEnabled{Enabled: args[0] == "on"}
	case "toggle":
		return dolbyToggle{}
	case "status":
		return dolbyStatus{}
	case "settings":
		return dolbySettings{}
	case "reset":
		return dolbyReset{}
	case "profile":
		if len(args) < 2 {
			fail("dolby profile requires a number")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			fail("invalid profile: %v", err)
		}
		return dolbySetProfile{Profile: n}
	case "preset":
		if len(args) < 2 {
			fail("dolby preset requires comma-separated gains")
		}
		return dolbySetPreset{Preset: args[1]}
	case "param":
		if len(args) < 3 {
			fail("dolby param requires <name> <value>")
		}
		p := dolbySetParam{Name: args[1]}
		if amountParams[p.Name] {
			n, err := strconv.Atoi(args[2])
			if err != nil {
				fail("invalid amount: %v", err)
			}
			p.Amount = &n
		} else {
			on, err := parseOnOff(args[2])
			if err != nil {
				fail("%v", err)
			}
			p.Enabled = &on
		}
		return p
	default:
		fail("unknown dolby subcommand: %s", args[0])
		return nil
	}
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on|off, got %q", s)
}

func parseIntList(s string) ([]int, error) {
	var out []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func sendEvent(socketPath string, ev Event) (json.RawMessage, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := marshalEvent(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	// Line-delimited JSON
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return nil, fmt.Errorf("send event: %w", err)
	}

	var response IPCResponse
	decoder := json.NewDecoder(conn)
	if err := decoder.Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if response.Status == "error" {
		return nil, fmt.Errorf("daemon error: %s", response.Error)
	}

	return response.Data, nil
}

func marshalEvent(ev Event) ([]byte, error) {
	var env EventEnvelope
	var payload any

	switch e := ev.(type) {
	case gestureMappingUpdate:
		env.Type, payload = "gesture_mapping_update", e
	case pocketState:
		env.Type, payload = "pocket_state", e
	case bootCompleted:
		env.Type = "boot_completed"
	case dolbySetEnabled:
		env.Type, payload = "dolby_set_enabled", e
	case dolbyToggle:
		env.Type = "dolby_toggle"
	case dolbySetProfile:
		env.Type, payload = "dolby_set_profile", e
	case dolbySetPreset:
		env.Type, payload = "dolby_set_preset", e
	case dolbySetParam:
		env.Type, payload = "dolby_set_param", e
	case dolbyReset:
		env.Type = "dolby_reset_profile_settings"
	case dolbyStatus:
		env.Type = "dolby_status"
	case dolbySettings:
		env.Type = "dolby_settings"
	default:
		return nil, fmt.Errorf("unknown event type: %T", ev)
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

func printUsage() {
	fmt.Fprintf(os.Stderr, `devicesettings-ctl - Control the devicesettingsd daemon via IPC

Usage:
  devicesettings-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/devicesettingsd.sock)

Commands:
  dolby on|off                  Enable or disable Dolby
  dolby toggle                  Flip the Dolby enable state
  dolby status                  Print enable state and profile
  dolby settings                Print every feature setting and the preset
  dolby profile <n>             Select a Dolby profile
  dolby preset <g1,...,gN>      Set the graphic equalizer band gains
  dolby param <name> <value>    Set a feature:
                                  headphone_virtualizer|speaker_virtualizer|
                                  bass_enhancer|volume_leveler  on|off
                                  stereo_widening|dialogue_enhancer  <amount>
  dolby reset                   Reset profile-specific settings
  gestures <codes> <actions>    Replace the gesture mapping (comma-separated)
  pocket on|off                 Report pocket state
  boot-completed                Run the boot-time restore
  help, -h, --help              Show this help message

Examples:
  devicesettings-ctl dolby toggle
  devicesettings-ctl dolby param dialogue_enhancer 6
  devicesettings-ctl gestures 250,255 12,13
  devicesettings-ctl -socket /run/devicesettingsd.sock dolby status
`)
}
