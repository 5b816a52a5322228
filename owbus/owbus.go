// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owbus implements a bit-banged master for the Dallas/Maxim 1-wire
// bus on a single open-drain GPIO line.
//
// The microsecond waveforms are produced by a dedicated free-running engine
// goroutine clocked independently of the caller; the controller talks to it
// over a pair of bounded channels, one command word in for one result word
// out. Bus implements onewire.Bus from periph.io/x/conn/v3, so the usual
// onewire.Dev addressing works on top of it.
//
// The line must be pulled up externally (4.7kΩ to the bus supply is the
// customary value). The master never drives the line high, so parasitically
// powered devices that need a strong pull-up are not supported.
package owbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
)

// Opts contains the waveform timings. The defaults suit all known 1-wire
// slaves; they only need adjusting for long, heavily loaded lines.
type Opts struct {
	ResetLow       time.Duration // reset low time
	PresenceSample time.Duration // delay from bus release to the presence sample
	ResetRecovery  time.Duration // idle time after the presence sample
	SlotLow        time.Duration // low time opening every bit slot
	ReadSample     time.Duration // delay from release to the data sample in a write-1/read slot
	Slot           time.Duration // total length of a bit slot
	Recovery       time.Duration // idle time closing a write-0 slot
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ResetLow:       500 * time.Microsecond,
	PresenceSample: 70 * time.Microsecond,
	ResetRecovery:  400 * time.Microsecond,
	SlotLow:        1 * time.Microsecond,
	ReadSample:     15 * time.Microsecond,
	Slot:           60 * time.Microsecond,
	Recovery:       3 * time.Microsecond,
}

// Framing is the width of one engine channel word.
type Framing int

const (
	// Framing8 transfers one byte per channel word, least significant bit
	// first. This is the normal mode.
	Framing8 Framing = 8
	// Framing1 transfers one bit per channel word. The ROM search uses it
	// because it must react to the bus between individual bits.
	Framing1 Framing = 1
)

// Bus is a 1-wire bus master bit-banging a single line.
//
// One Bus exclusively owns one engine bound to one physical line; there is
// no registry of bus instances. All operations are serialized and
// synchronous: submitting a command blocks while the engine's input channel
// is full and consuming a result blocks until the engine produced it.
type Bus struct {
	mu   sync.Mutex
	line Line
	opts Opts
	bits Framing
	eng  *engine
	err  error // set by Halt, cleared by Reinitialize
}

// New returns a bus master driving the 1-wire bus on the given pin.
//
// The pin is configured as an input with the pull-up enabled so the bus
// idles high; an external pull-up resistor is still required. Pass nil for
// opts to use DefaultOpts.
func New(p gpio.PinIO, opts *Opts) (*Bus, error) {
	if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("owbus: failed to configure %s: %w", p, err)
	}
	return NewLine(&pinLine{pin: p}, opts)
}

// NewLine returns a bus master driving an arbitrary Line implementation.
// Most callers want New; NewLine exists for alternate line drivers and for
// simulation.
func NewLine(l Line, opts *Opts) (*Bus, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	b := &Bus{line: l, opts: *opts, bits: Framing8}
	// Starting the engine plays a reset waveform; the presence sample it
	// pushes is dropped so the first transaction starts from empty
	// channels.
	b.restart(Framing8)
	return b, nil
}

func (b *Bus) String() string {
	return "owbus(" + b.line.String() + ")"
}

// Reset issues a reset pulse and returns whether any device answered with
// a presence pulse. A false return is the normal outcome on an empty bus,
// not an error.
func (b *Bus) Reset() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reset()
}

// WriteByte transmits one byte, least significant bit first. The bus must
// be in 8-bit framing.
func (b *Bus) WriteByte(v byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeByte(v)
}

// ReadByte samples one byte off the bus by transmitting all ones: the
// engine's per-bit sampling captures whatever the bus actually holds, so a
// device driving the line during a slot is read as a 0 bit.
func (b *Bus) ReadByte() (byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readByte()
}

// SetFraming switches the engine framing width. The engine is restarted,
// so any transfer in progress is abandoned and the bus sees a reset pulse;
// it must only be called between top-level operations.
func (b *Bus) SetFraming(f Framing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.setFraming(f)
}

// Reinitialize tears the engine down and brings the bus back up in 8-bit
// framing, clearing a Halt. It is meant to be invoked deliberately by the
// owner after a terminal bus fault; no operation ever calls it implicitly.
func (b *Bus) Reinitialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = nil
	b.restart(Framing8)
	return nil
}

// Halt implements conn.Resource. It stops the timing engine and releases
// the line; the bus refuses to operate afterwards until Reinitialize is
// called.
func (b *Bus) Halt() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.eng != nil {
		b.eng.stop()
		b.eng = nil
	}
	b.line.Release()
	b.err = busError("owbus: bus is halted")
	return nil
}

// Tx implements onewire.Bus: it resets the bus, sends w and then reads
// len(r) bytes, all in one serialized transaction.
//
// The power argument is accepted for interface compatibility but a strong
// pull-up is never applied; the master is purely open-drain and relies on
// the external pull-up resistor.
func (b *Bus) Tx(w, r []byte, power onewire.Pullup) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bits != Framing8 {
		if err := b.setFraming(Framing8); err != nil {
			return err
		}
	}
	present, err := b.reset()
	if err != nil {
		return err
	}
	if !present {
		return noDevicesError("owbus: no devices found")
	}
	for _, v := range w {
		if err := b.writeByte(v); err != nil {
			return err
		}
	}
	for i := range r {
		if r[i], err = b.readByte(); err != nil {
			return err
		}
	}
	return nil
}

//

// reset restarts the engine, which replays the reset waveform, and
// interprets the presence sample: the line held low at the sample point
// means at least one device answered.
func (b *Bus) reset() (bool, error) {
	if b.err != nil {
		return false, b.err
	}
	return b.restart(b.bits) == 0, nil
}

func (b *Bus) writeByte(v byte) error {
	if b.err != nil {
		return b.err
	}
	if b.bits != Framing8 {
		return busError("owbus: byte transfer in 1-bit framing")
	}
	b.eng.cmd <- v
	<-b.eng.res
	return nil
}

func (b *Bus) readByte() (byte, error) {
	if b.err != nil {
		return 0, b.err
	}
	if b.bits != Framing8 {
		return 0, busError("owbus: byte transfer in 1-bit framing")
	}
	b.eng.cmd <- 0xff
	return <-b.eng.res, nil
}

func (b *Bus) setFraming(f Framing) error {
	if b.err != nil {
		return b.err
	}
	if f != Framing1 && f != Framing8 {
		return errors.New("owbus: invalid framing width")
	}
	b.restart(f)
	return nil
}

// restart stops the running engine, if any, and starts a fresh one in the
// given framing. It blocks until the new engine finished the reset
// waveform and returns its presence sample.
func (b *Bus) restart(bits Framing) byte {
	if b.eng != nil {
		b.eng.stop()
	}
	b.bits = bits
	b.eng = startEngine(b.line, int(bits), &b.opts)
	return <-b.eng.res
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

// noDevicesError implements error and onewire.NoDevicesError.
type noDevicesError string

func (e noDevicesError) Error() string   { return string(e) }
func (e noDevicesError) NoDevices() bool { return true }
func (e noDevicesError) BusError() bool  { return true }

var _ conn.Resource = &Bus{}
var _ onewire.Bus = &Bus{}
