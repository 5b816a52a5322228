// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus

import (
	"runtime"
	"time"
)

// fifoDepth is the depth of the command and result channels between the
// controller and the timing engine.
const fifoDepth = 4

// engine is the free-running timing unit. It owns the line while it is
// alive: it plays the reset waveform as soon as it starts, pushes the
// presence sample as its first result word, and then turns command words
// into bit slots until it is stopped. Every consumed command word produces
// exactly one result word, so the controller can pair each submit with one
// receive and the bounded channels provide the backpressure.
type engine struct {
	line Line
	bits int // framing width, 1 or 8 bits per channel word

	// Waveform timings in microseconds, fixed at start.
	resetLow       int
	presenceSample int
	resetRecovery  int
	slotLow        int
	readSample     int
	slot           int
	recovery       int

	cmd  chan byte
	res  chan byte
	quit chan struct{}
	done chan struct{}
}

func startEngine(line Line, bits int, o *Opts) *engine {
	e := &engine{
		line:           line,
		bits:           bits,
		resetLow:       micros(o.ResetLow),
		presenceSample: micros(o.PresenceSample),
		resetRecovery:  micros(o.ResetRecovery),
		slotLow:        micros(o.SlotLow),
		readSample:     micros(o.ReadSample),
		slot:           micros(o.Slot),
		recovery:       micros(o.Recovery),
		cmd:            make(chan byte, fifoDepth),
		res:            make(chan byte, fifoDepth),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	go e.run()
	return e
}

// stop terminates the engine and waits for it to let go of the line.
// Words left in the channels are abandoned along with the engine.
func (e *engine) stop() {
	close(e.quit)
	<-e.done
}

// run is the engine main loop and the only goroutine touching the line. It
// pins itself to an OS thread so the waveforms are not stretched by the
// scheduler migrating it mid-slot.
func (e *engine) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(e.done)

	// Reset sequence. Starting the engine implies a bus reset: hold the
	// line low, release, sample the presence pulse window, then honor the
	// recovery time before the first slot. The sample is the first result
	// word; 0 means at least one device pulled the line low.
	e.line.DriveLow()
	e.line.Tick(e.resetLow)
	e.line.Release()
	e.line.Tick(e.presenceSample)
	var presence byte
	if e.line.Sample() {
		presence = 1
	}
	e.line.Tick(e.resetRecovery)
	select {
	case e.res <- presence:
	case <-e.quit:
		return
	}

	for {
		var w byte
		select {
		case w = <-e.cmd:
		case <-e.quit:
			return
		}
		var out byte
		for i := 0; i < e.bits; i++ {
			if w>>uint(i)&1 == 1 {
				if e.slotReadWrite1() {
					out |= 1 << uint(i)
				}
			} else {
				e.slotWrite0()
			}
		}
		// A word is emitted even when every slot was a write-0, keeping
		// channel occupancy symmetric with the commands consumed.
		select {
		case e.res <- out:
		case <-e.quit:
			return
		}
	}
}

// slotReadWrite1 plays a write-1 slot, which doubles as a read slot: after
// the opening low the line is released and sampled mid-slot, so a device
// holding the line low during the window is observed as a 0.
func (e *engine) slotReadWrite1() bool {
	e.line.DriveLow()
	e.line.Tick(e.slotLow)
	e.line.Release()
	e.line.Tick(e.readSample)
	s := e.line.Sample()
	e.line.Tick(e.slot - e.slotLow - e.readSample)
	return s
}

// slotWrite0 holds the line low for the whole slot, then releases it for
// the recovery time.
func (e *engine) slotWrite0() {
	e.line.DriveLow()
	e.line.Tick(e.slot)
	e.line.Release()
	e.line.Tick(e.recovery)
}

func micros(d time.Duration) int {
	return int(d / time.Microsecond)
}
