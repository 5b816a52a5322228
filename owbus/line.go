// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus

import (
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Line is the electrical interface to the open-drain 1-wire signal line.
//
// DriveLow actively pulls the line to ground and Release returns it to
// high-impedance so the external pull-up can raise it; the line must never
// be driven high. Tick holds the current state for a number of
// microseconds and is the engine's only notion of time, which lets tests
// substitute a virtual clock for the busy-wait of a real pin.
type Line interface {
	// String returns the name of the line.
	String() string
	// DriveLow pulls the line to ground.
	DriveLow()
	// Release puts the line back into high-impedance.
	Release()
	// Sample returns true when the line reads high.
	Sample() bool
	// Tick holds the current line state for micros microseconds.
	Tick(micros int)
}

// pinLine adapts a gpio pin to Line.
//
// The pin idles as an input with the internal pull-up enabled so the bus
// cannot stay locked low between transactions. Tick busy-waits: the
// protocol tolerances are tens of microseconds and timer sleeps on a
// general purpose kernel are far coarser than that. Sustaining the timing
// also needs a memory-mapped pin; sysfs pin flips are too slow.
type pinLine struct {
	pin gpio.PinIO
}

func (l *pinLine) String() string {
	return l.pin.Name()
}

func (l *pinLine) DriveLow() {
	// The error is unrecoverable mid-waveform; a broken pin shows up as a
	// missing presence pulse on the next reset.
	_ = l.pin.Out(gpio.Low)
}

func (l *pinLine) Release() {
	_ = l.pin.In(gpio.PullUp, gpio.NoEdge)
}

func (l *pinLine) Sample() bool {
	return l.pin.Read() == gpio.High
}

func (l *pinLine) Tick(micros int) {
	end := time.Now().Add(time.Duration(micros) * time.Microsecond)
	for time.Now().Before(end) {
	}
}

var _ Line = &pinLine{}
