//go:build rtmidi

package main

// Registers the RtMidi driver so --midi-out can open hardware and virtual
// ports. Build with: go build -tags rtmidi ./cmd/topos
import _ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
