package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("devicesettingsd v%s\n", version)
	fmt.Println("Touchscreen gesture and Dolby audio settings daemon")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  devicesettingsd [OPTIONS]")
	fmt.Println("  devicesettingsd audio-hook [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Reads touchscreen gesture key events and turns them into wake-ups,")
	fmt.Println("  ambient display pulses and media keys. Keeps the Dolby DAP engine in")
	fmt.Println("  line with the stored enable/profile preferences across boot, playback")
	fmt.Println("  start and output device changes.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Printf("        YAML config file (default $%s, else built-in defaults)\n", envConfigPath)
	fmt.Println()
	fmt.Println("  -env-file string")
	fmt.Println("        Optional KEY=VALUE file loaded before anything else (default \".env\")")
	fmt.Println()
	fmt.Println("  -input-devices string")
	fmt.Println("        Comma-separated touchscreen input devices (default \"/dev/input/event2\")")
	fmt.Println()
	fmt.Println("  -dolby / -dolby=false")
	fmt.Println("        Enable the Dolby synchronizer (default true)")
	fmt.Println()
	fmt.Println("  -dolby-ws-url string")
	fmt.Println("        DAP control websocket URL (default \"ws://127.0.0.1:5005\")")
	fmt.Println()
	fmt.Println("  -dolby-timeout-ms int")
	fmt.Printf("        Timeout for DAP responses in ms (default %d)\n", defaultReadTimeoutMS)
	fmt.Println()
	fmt.Println("  -prefs string")
	fmt.Printf("        Preference store path (default %q)\n", defaultPrefsPath)
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default %q)\n", defaultIPCSocket)
	fmt.Println()
	fmt.Println("  -state-port int")
	fmt.Printf("        State websocket HTTP port (default %d)\n", defaultStatePort)
	fmt.Println()
	fmt.Println("  -wake-lock-path string")
	fmt.Printf("        Kernel wake lock file, empty to disable (default %q)\n", defaultWakeLockPath)
	fmt.Println()
	fmt.Println("  -session-bus / -session-bus=false")
	fmt.Println("        Use the D-Bus session bus for wake-up and media keys (default true)")
	fmt.Println()
	fmt.Println("  -haptics / -haptics=false")
	fmt.Println("        Audible haptic feedback on ambient pulses (default true)")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("SUBCOMMANDS:")
	fmt.Println("  audio-hook")
	fmt.Println("        Forward a udev (ACTION, AUDIO_DEVICE_TYPE, AUDIO_DEVICE_ID) or player")
	fmt.Println("        (PLAYER_EVENT, SESSION_ID) event to the daemon")
	fmt.Println("        Options: -ipc-socket, -log-level")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Requires read access to the input devices (run as root or add user to 'input' group)")
	fmt.Println("  - Gesture mappings and pocket state are pushed by the settings UI over IPC")
	fmt.Println()
}

// isFlagSet reports whether name was given on the command line.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "audio-hook" {
		runAudioHookSubcommand()
		return
	}

	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	fs := flag.NewFlagSet("devicesettingsd", flag.ExitOnError)
	fs.Usage = printUsage

	configPath := fs.String("config", "", "YAML config file")
	envFile := fs.String("env-file", ".env", "Optional KEY=VALUE file")
	inputDevices := fs.String("input-devices", "", "Comma-separated touchscreen input devices")
	dolbyEnabled := fs.Bool("dolby", true, "Enable the Dolby synchronizer")
	dolbyWsURL := fs.String("dolby-ws-url", "", "DAP control websocket URL")
	dolbyTimeout := fs.Int("dolby-timeout-ms", defaultReadTimeoutMS, "Timeout in milliseconds for DAP responses")
	prefsPath := fs.String("prefs", "", "Preference store path")
	ipcSocketPath := fs.String("ipc-socket", "", "Unix domain socket path for IPC")
	statePort := fs.Int("state-port", defaultStatePort, "State websocket HTTP port")
	wakeLockPath := fs.String("wake-lock-path", "", "Kernel wake lock file")
	sessionBus := fs.Bool("session-bus", true, "Use the D-Bus session bus")
	haptics := fs.Bool("haptics", true, "Audible haptic feedback")
	logLevelStr := fs.String("log-level", "", "Log level: error, warn, info, debug")

	_ = fs.Parse(os.Args[1:])

	if err := loadEnvFile(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	cfg := DefaultConfig()
	if *configPath == "" {
		*configPath = os.Getenv(envConfigPath)
	}
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if lvl := os.Getenv(envLogLevel); lvl != "" {
		cfg.Logging.Level = lvl
	}

	var o FlagOverrides
	if isFlagSet(fs, "input-devices") {
		o.InputDevices = inputDevices
	}
	if isFlagSet(fs, "dolby") {
		o.DolbyEnabled = dolbyEnabled
	}
	if isFlagSet(fs, "dolby-ws-url") {
		o.DolbyWsURL = dolbyWsURL
	}
	if isFlagSet(fs, "dolby-timeout-ms") {
		o.DolbyTimeoutMS = dolbyTimeout
	}
	if isFlagSet(fs, "prefs") {
		o.PrefsPath = prefsPath
	}
	if isFlagSet(fs, "ipc-socket") {
		o.IPCSocketPath = ipcSocketPath
	}
	if isFlagSet(fs, "state-port") {
		o.StatePort = statePort
	}
	if isFlagSet(fs, "wake-lock-path") {
		o.WakeLockPath = wakeLockPath
	}
	if isFlagSet(fs, "session-bus") {
		o.SessionBus = sessionBus
	}
	if isFlagSet(fs, "haptics") {
		o.Haptics = haptics
	}
	if isFlagSet(fs, "log-level") {
		o.LogLevel = logLevelStr
	}
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(logLevel, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("devicesettingsd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down")
}

// run wires the components and blocks until ctx is canceled or one of them
// fails.
func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	logger.Debug("starting devicesettingsd", "version", version)

	prefs, err := OpenPreferences(cfg.Prefs.Path, logger.With("component", "prefs"))
	if err != nil {
		return err
	}

	var bus *sessionBus
	if cfg.Power.SessionBus {
		bus = newSessionBus(logger.With("component", "dbus"))
		defer bus.Close()
	}

	events := make(chan Event, defaultEventsBuffer)
	keys := make(chan inputEvent, defaultEventsBuffer)
	broadcasts := newBroadcastQueue(defaultEventsBuffer)

	router := newAudioRouter(logger.With("component", "audio"))

	gestureDeps := GestureDeps{
		Prefs:    prefs,
		Power:    newHostPower(cfg.Power.WakeLockPath, bus, logger.With("component", "power")),
		Doze:     broadcasts,
		Vibrator: newBeepVibrator(cfg.Haptics, logger.With("component", "haptics")),
		Ringer:   prefsRingerMode{prefs: prefs},
		OnDispatch: func(a GestureAction) {
			if err := broadcasts.Publish(BroadcastGesture{Action: a, At: time.Now().UTC()}); err != nil {
				logger.Debug("gesture broadcast dropped", "error", err)
			}
		},
	}
	if bus != nil {
		gestureDeps.Media = newMPRISSession(bus, cfg.Media.PreferredPlayer, logger.With("component", "media"))
	}
	gestures := NewGestureDispatcher(gestureDeps, logger.With("component", "gestures"))
	if cfg.Gestures.KeycodeMapping != nil {
		gestures.UpdateMapping(cfg.Gestures.KeycodeMapping, cfg.Gestures.ActionMapping)
	}

	d := &daemon{
		gestures:   gestures,
		router:     router,
		broadcasts: broadcasts,
		logger:     logger.With("component", "daemon"),
	}

	if cfg.Dolby.Enabled {
		d.dolby = NewDolbyProvider(DolbyDeps{
			Prefs:     prefs,
			Audio:     router,
			NewEngine: newDAPEngineFactory(cfg.Dolby.WsURL, cfg.DolbyTimeout(), logger.With("component", "dap")),
			Profiles:  cfg.Profiles(),
		}, logger.With("component", "dolby"))
		defer func() {
			if err := d.dolby.Close(); err != nil {
				logger.Debug("dolby close", "error", err)
			}
		}()

		if cfg.Dolby.RestoreOnStart {
			events <- BootCompleted{}
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runDaemon(gctx, d, events, keys)
		return nil
	})
	g.Go(func() error {
		gestures.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return runIPCServer(gctx, cfg.IPC.SocketPath, events, logger.With("component", "ipc"))
	})

	if cfg.StateWS.Enabled {
		srv := NewServer(logger.With("component", "state_ws"), events, ServerConfig{})
		mux := http.NewServeMux()
		srv.Register(mux, cfg.StateWS.Path)

		g.Go(func() error {
			srv.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, srv.Hub(), broadcasts.ch, logger.With("component", "broadcaster"))
			return nil
		})
		g.Go(func() error {
			return runHTTPServer(gctx, cfg.StateWS.Port, mux, logger.With("component", "http"))
		})
	} else {
		// Nobody consumes broadcasts; keep the queue from filling up.
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-broadcasts.ch:
				}
			}
		})
	}

	if len(cfg.Input.Devices) > 0 {
		files, err := openInputDevices(cfg.Input.Devices)
		if err != nil {
			logger.Error("failed to open input device", "error", err, "tip", "run as root or add user to 'input' group")
			return err
		}
		defer closeInputDevices(files)

		readErr := make(chan error, len(files))
		go readDevices(files, keys, readErr)

		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case err := <-readErr:
				return fmt.Errorf("input reader stopped: %w", err)
			}
		})
	}

	logger.Info("listening",
		"input_devices", cfg.Input.Devices,
		"ipc", cfg.IPC.SocketPath,
		"dolby", cfg.Dolby.Enabled,
		"state_ws", cfg.StateWS.Enabled,
		"state_port", cfg.StateWS.Port)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printAudioHookUsage() {
	fmt.Printf("devicesettingsd audio-hook v%s\n", version)
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  devicesettingsd audio-hook [OPTIONS]")
	fmt.Println()
	fmt.Println("ENVIRONMENT VARIABLES:")
	fmt.Println("  ACTION              udev action (add|remove)")
	fmt.Println("  AUDIO_DEVICE_TYPE   builtin_speaker|wired_headphones|bluetooth_a2dp|usb_headset|hdmi")
	fmt.Println("  AUDIO_DEVICE_ID     stable device id (falls back to DEVPATH)")
	fmt.Println("  PLAYER_EVENT        idle|started|paused|stopped|released")
	fmt.Println("  SESSION_ID          playback session id (default 0)")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default %q)\n", defaultIPCSocket)
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("EXAMPLE (udev rule):")
	fmt.Println("  ACTION==\"add|remove\", SUBSYSTEM==\"sound\", ENV{AUDIO_DEVICE_TYPE}=\"usb_headset\", \\")
	fmt.Println("    RUN+=\"/usr/local/bin/devicesettingsd audio-hook\"")
	fmt.Println()
}

// runAudioHookSubcommand handles audio-hook subcommand mode
func runAudioHookSubcommand() {
	fs := flag.NewFlagSet("audio-hook", flag.ExitOnError)
	ipcSocketPath := fs.String("ipc-socket", defaultIPCSocket, "Unix domain socket path for IPC")
	logLevelStr := fs.String("log-level", "info", "Log level: error, warn, info, debug")
	showHelp := fs.Bool("help", false, "Print help message")
	fs.Usage = printAudioHookUsage

	_ = fs.Parse(os.Args[2:])

	if *showHelp {
		printAudioHookUsage()
		return
	}

	logLevel, err := parseLogLevel(*logLevelStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logger := setupLogger(logLevel, os.Stderr)

	if err := runAudioHook(*ipcSocketPath, os.Getenv, logger); err != nil {
		logger.Error("audio hook error", "error", err)
		os.Exit(1)
	}
}
