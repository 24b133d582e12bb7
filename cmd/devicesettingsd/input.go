package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

var inputEventSize = binary.Size(inputEvent{})

func decodeInputEvent(buf []byte, reader *bytes.Reader) (inputEvent, error) {
	reader.Reset(buf)
	var ev inputEvent
	err := binary.Read(reader, binary.LittleEndian, &ev)
	return ev, err
}

// readInputEvents reads input events from one device and sends them to a channel.
// This runs in a dedicated goroutine and blocks on read operations.
func readInputEvents(r io.Reader, name string, events chan<- inputEvent, readErr chan<- error) {
	buf := make([]byte, inputEventSize)
	reader := bytes.NewReader(buf)

	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			readErr <- fmt.Errorf("read from %s: %w", name, err)
			return
		}

		ev, err := decodeInputEvent(buf, reader)
		if err != nil {
			// Skip malformed events
			continue
		}

		events <- ev
	}
}

// openInputDevices opens every path read-only. On failure, files opened so far
// are closed.
func openInputDevices(paths []string) ([]*os.File, error) {
	files := make([]*os.File, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			closeInputDevices(files)
			return nil, fmt.Errorf("open input device %s: %w", p, err)
		}
		files = append(files, f)
	}
	return files, nil
}

func closeInputDevices(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
