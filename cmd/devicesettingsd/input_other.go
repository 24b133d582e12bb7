//go:build !linux

package main

import (
	"errors"
	"os"
)

// readDevices starts one blocking reader per device.
func readDevices(files []*os.File, events chan<- inputEvent, readErr chan<- error) {
	if len(files) == 0 {
		readErr <- errors.New("no input devices provided")
		return
	}
	for _, f := range files {
		go readInputEvents(f, f.Name(), events, readErr)
	}
}
