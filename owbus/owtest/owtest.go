// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owtest simulates the open-drain 1-wire line at the electrical
// level the owbus engine drives it: master and devices share a wired-AND
// line, time is a virtual microsecond clock advanced by the engine's own
// Tick calls, and the attached devices are event-driven DS18B20-style
// state machines. Tests built on it are deterministic and run in
// microseconds of wall time.
package owtest

import (
	"sync"

	"periph.io/x/conn/v3/onewire"

	"github.com/hwbits/onewire/owbus"
)

// Bus is a simulated 1-wire line with attached devices. It implements
// owbus.Line.
type Bus struct {
	mu        sync.Mutex
	now       int64 // virtual time in microseconds
	masterLow bool
	fellAt    int64
	resets    int
	devices   []*Device
}

// New returns a simulated line with the given devices attached.
func New(devices ...*Device) *Bus {
	return &Bus{devices: devices}
}

func (b *Bus) String() string {
	return "owtest"
}

// DriveLow implements owbus.Line. Devices currently transmitting answer at
// the falling edge by holding the line low through the sample window when
// their outgoing bit is 0.
func (b *Bus) DriveLow() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.masterLow {
		return
	}
	b.masterLow = true
	b.fellAt = b.now
	for _, d := range b.devices {
		d.fall(b.now)
	}
}

// Release implements owbus.Line. The length of the completed low phase
// decides what the devices just saw: a reset pulse, a 0 bit or a 1 bit.
func (b *Bus) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.masterLow {
		return
	}
	b.masterLow = false
	low := b.now - b.fellAt
	switch {
	case low >= 480:
		b.resets++
		for _, d := range b.devices {
			d.busReset(b.now)
		}
	case low >= 15:
		for _, d := range b.devices {
			d.rise(0)
		}
	default:
		for _, d := range b.devices {
			d.rise(1)
		}
	}
}

// Sample implements owbus.Line: the line reads high only when neither the
// master nor any device is pulling it low.
func (b *Bus) Sample() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.masterLow {
		return false
	}
	for _, d := range b.devices {
		if b.now >= d.pullFrom && b.now < d.pullTo {
			return false
		}
	}
	return true
}

// Tick implements owbus.Line by advancing the virtual clock.
func (b *Bus) Tick(micros int) {
	b.mu.Lock()
	b.now += int64(micros)
	b.mu.Unlock()
}

// Resets returns how many reset pulses the master has issued so far. The
// engine replays one per start, so a full ROM search accounts for one per
// framing change plus one per pass.
func (b *Bus) Resets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets
}

// devState tracks where in the protocol a device is.
type devState int

const (
	stateIdle     devState = iota // ignoring the bus until the next reset
	stateROMCmd                   // receiving the 8-bit ROM command
	stateSearch                   // arbitrating a search pass
	stateMatchROM                 // receiving 64 address bits
	stateFuncCmd                  // selected, receiving the function command
	stateConvert                  // converting, answering status reads
	stateTx                       // transmitting d.out LSB first
	stateRxConfig                 // receiving TH, TL and the config register
)

// Device is a simulated DS18B20 hanging off the line.
type Device struct {
	// ROM is the 64-bit device address.
	ROM onewire.Address
	// Alarm makes the device participate in the alarm-only search.
	Alarm bool
	// BusyBits is how many conversion status bit slots the device holds
	// low after a convert command before reporting ready. Zero converts
	// instantly.
	BusyBits int
	// CorruptCRC flips a bit of the transmitted scratchpad check byte.
	CorruptCRC bool
	// Config is the configuration register; bits 5-6 hold the resolution.
	Config byte

	raw int16 // temperature in 1/16°C

	state     devState
	shift     uint64 // receive accumulator
	n         int    // bits received or transmitted in the current phase
	phase     int    // search slot phase: 0 bit, 1 complement, 2 direction
	searchIdx int
	busy      int
	out       []byte
	pullFrom  int64
	pullTo    int64
}

// NewDevice returns a device with the given address reporting the given
// temperature in degrees Celsius at 12-bit resolution.
func NewDevice(rom onewire.Address, celsius float64) *Device {
	d := &Device{ROM: rom, Config: 0x7f}
	d.SetTemp(celsius)
	return d
}

// SetTemp sets the temperature the device reports, in degrees Celsius.
func (d *Device) SetTemp(celsius float64) {
	d.raw = int16(celsius * 16)
}

// Scratchpad returns the 9 bytes the device transmits on a read, with the
// trailing CRC, corrupted when CorruptCRC is set.
func (d *Device) Scratchpad() [9]byte {
	var s [9]byte
	s[0] = byte(d.raw)
	s[1] = byte(d.raw >> 8)
	s[2] = 0x4b // TH power-up default
	s[3] = 0x46 // TL power-up default
	s[4] = d.Config
	s[5] = 0xff
	s[7] = 0x10
	s[8] = owbus.CRC8(s[:8])
	if d.CorruptCRC {
		s[8] ^= 0x01
	}
	return s
}

func (d *Device) romBit(i int) byte {
	return byte(uint64(d.ROM) >> uint(i) & 1)
}

// busReset puts the device back into command reception and schedules the
// presence pulse inside the master's sample window.
func (d *Device) busReset(now int64) {
	d.state = stateROMCmd
	d.shift, d.n, d.phase, d.searchIdx = 0, 0, 0, 0
	d.out = nil
	d.pullFrom = now + 20
	d.pullTo = now + 140
}

// fall is the master's falling edge: the start of a slot. A transmitting
// device answers here, before it can know how long the master will hold
// the line.
func (d *Device) fall(now int64) {
	switch d.state {
	case stateSearch:
		switch d.phase {
		case 0:
			if d.romBit(d.searchIdx) == 0 {
				d.pullFrom, d.pullTo = now, now+30
			}
		case 1:
			if d.romBit(d.searchIdx) == 1 {
				d.pullFrom, d.pullTo = now, now+30
			}
		}
	case stateTx:
		if d.n < len(d.out)*8 && d.out[d.n/8]>>uint(d.n%8)&1 == 0 {
			d.pullFrom, d.pullTo = now, now+30
		}
	case stateConvert:
		if d.busy > 0 {
			d.pullFrom, d.pullTo = now, now+30
		}
	}
}

// rise is the master's rising edge: the end of a slot, carrying the bit the
// master transmitted (reads are write-1 slots, so they arrive as 1).
func (d *Device) rise(bit byte) {
	switch d.state {
	case stateROMCmd:
		d.shift |= uint64(bit) << uint(d.n)
		d.n++
		if d.n == 8 {
			d.romCommand(byte(d.shift))
		}
	case stateSearch:
		if d.phase < 2 {
			d.phase++
			return
		}
		// Direction bit: devices whose address disagrees drop out until
		// the next reset.
		if bit != d.romBit(d.searchIdx) {
			d.state = stateIdle
			return
		}
		d.phase = 0
		d.searchIdx++
		if d.searchIdx == 64 {
			// Fully addressed; the lone survivor could now take a
			// function command.
			d.state = stateFuncCmd
			d.shift, d.n = 0, 0
		}
	case stateMatchROM:
		d.shift |= uint64(bit) << uint(d.n)
		d.n++
		if d.n == 64 {
			if onewire.Address(d.shift) == d.ROM {
				d.state = stateFuncCmd
				d.shift, d.n = 0, 0
			} else {
				d.state = stateIdle
			}
		}
	case stateFuncCmd:
		d.shift |= uint64(bit) << uint(d.n)
		d.n++
		if d.n == 8 {
			d.function(byte(d.shift))
		}
	case stateTx:
		d.n++
	case stateConvert:
		if d.busy > 0 {
			d.busy--
		}
	case stateRxConfig:
		d.shift |= uint64(bit) << uint(d.n)
		d.n++
		if d.n == 24 {
			d.Config = byte(d.shift >> 16)
			d.state = stateIdle
		}
	}
}

func (d *Device) romCommand(c byte) {
	switch c {
	case 0xf0: // search ROM
		d.state, d.phase, d.searchIdx = stateSearch, 0, 0
	case 0xec: // alarm search
		if d.Alarm {
			d.state, d.phase, d.searchIdx = stateSearch, 0, 0
		} else {
			d.state = stateIdle
		}
	case 0x55: // match ROM
		d.state, d.shift, d.n = stateMatchROM, 0, 0
	case 0xcc: // skip ROM
		d.state, d.shift, d.n = stateFuncCmd, 0, 0
	default:
		d.state = stateIdle
	}
}

func (d *Device) function(c byte) {
	switch c {
	case 0x44: // convert T
		d.busy = d.BusyBits
		d.state = stateConvert
	case 0xbe: // read scratchpad
		s := d.Scratchpad()
		d.out = s[:]
		d.n = 0
		d.state = stateTx
	case 0x4e: // write scratchpad: TH, TL, config
		d.state, d.shift, d.n = stateRxConfig, 0, 0
	default: // copy scratchpad and anything else: nothing to observe
		d.state = stateIdle
	}
}

var _ owbus.Line = &Bus{}
