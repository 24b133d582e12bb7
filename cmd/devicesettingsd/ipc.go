package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// The settings UI, the audio hooks and devicesettings-ctl talk to the daemon
// through this socket.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "event_name", "data": {...}}
//   - Server responds: {"status": "ok"} or {"status": "error", "error": "msg"}
//   - "dolby_status" and "dolby_settings" respond with {"status": "ok", "data": {...}}
// ============================================================================

// ipcReplyTimeout bounds how long a status request waits for the daemon loop.
const ipcReplyTimeout = 1 * time.Second

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string          `json:"status"`          // "ok" or "error"
	Error  string          `json:"error,omitempty"` // error message if status == "error"
	Data   json.RawMessage `json:"data,omitempty"`
}

func ipcError(format string, args ...any) IPCResponse {
	return IPCResponse{Status: "error", Error: fmt.Sprintf(format, args...)}
}

// runIPCServer starts the Unix domain socket server.
// It runs until ctx is canceled, at which point it closes the listener and exits.
func runIPCServer(ctx context.Context, socketPath string, events chan<- Event, logger *slog.Logger) error {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	// The settings UI runs as a different user.
	if err := os.Chmod(socketPath, 0666); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}

			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(ctx, conn, events, logger)
	}
}

// handleIPCConnection handles a single IPC connection
func handleIPCConnection(ctx context.Context, conn net.Conn, events chan<- Event, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Text()
		logger.Debug("IPC received", "line", line)

		resp := handleIPCLine(ctx, []byte(line), events)
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	logger.Debug("IPC connection closed")
}

// handleIPCLine decodes one request and forwards it to the daemon loop.
func handleIPCLine(ctx context.Context, line []byte, events chan<- Event) IPCResponse {
	ev, err := UnmarshalEvent(line)
	if err != nil {
		return ipcError("parse event: %v", err)
	}

	switch ev.(type) {
	case RequestDolbyStatus:
		return requestDolbyStatus(ctx, events)
	case RequestDolbySettings:
		return requestDolbySettings(ctx, events)
	}

	select {
	case events <- ev:
		return IPCResponse{Status: "ok"}
	default:
		return ipcError("event queue full")
	}
}

func requestDolbyStatus(ctx context.Context, events chan<- Event) IPCResponse {
	reply := make(chan DolbyStatusReply, 1)
	return awaitReply(ctx, events, RequestDolbyStatus{Reply: reply}, reply, "dolby status",
		func(r DolbyStatusReply) (any, error) { return r.Status, r.Err })
}

func requestDolbySettings(ctx context.Context, events chan<- Event) IPCResponse {
	reply := make(chan DolbySettingsReply, 1)
	return awaitReply(ctx, events, RequestDolbySettings{Reply: reply}, reply, "dolby settings",
		func(r DolbySettingsReply) (any, error) { return r.Settings, r.Err })
}

// awaitReply queues req and waits for the loop to answer on reply.
func awaitReply[R any](ctx context.Context, events chan<- Event, req Event, reply <-chan R, what string, unwrap func(R) (any, error)) IPCResponse {
	select {
	case events <- req:
	default:
		return ipcError("event queue full")
	}

	waitCtx, cancel := context.WithTimeout(ctx, ipcReplyTimeout)
	defer cancel()

	select {
	case <-waitCtx.Done():
		return ipcError("%s: %v", what, waitCtx.Err())
	case r := <-reply:
		v, err := unwrap(r)
		if err != nil {
			return ipcError("%s: %v", what, err)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return ipcError("encode %s: %v", what, err)
		}
		return IPCResponse{Status: "ok", Data: data}
	}
}

// ============================================================================
// IPC Client Utility Functions
// ============================================================================

// SendIPCEvent sends an event to the daemon and returns the response payload,
// if any.
func SendIPCEvent(socketPath string, ev Event) (json.RawMessage, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := MarshalEvent(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", strings.TrimSpace(string(data))); err != nil {
		return nil, fmt.Errorf("send event: %w", err)
	}

	decoder := json.NewDecoder(conn)
	var resp IPCResponse
	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if resp.Status != "ok" {
		return nil, fmt.Errorf("ipc error: %s", resp.Error)
	}

	return resp.Data, nil
}
