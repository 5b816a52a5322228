// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds18b20 controls Dallas/Maxim DS18B20 temperature sensors on a
// 1-wire bus.
//
// Dev is a handle to a single sensor. Manager owns the set of discovered
// sensors on one bus and samples them as a batch: one broadcast
// conversion, one completion poll, then one CRC-gated scratchpad read per
// sensor.
//
// Other 1-wire temperature sensor families, the DS18S20 included, are not
// supported.
package ds18b20

import (
	"errors"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"

	"github.com/hwbits/onewire/owbus"
)

// Bus is the 1-wire master the sensors hang off. *owbus.Bus satisfies it.
type Bus interface {
	onewire.Bus
	// Reset issues a reset pulse and reports whether any device answered
	// with a presence pulse.
	Reset() (bool, error)
	// WriteByte transmits a single byte without a leading reset.
	WriteByte(v byte) error
	// ReadByte samples a byte off the bus by transmitting all ones.
	ReadByte() (byte, error)
}

// Function commands of the DS18B20 (datasheet p.11).
const (
	cmdSkipROM         = 0xcc
	cmdConvertT        = 0x44
	cmdReadScratchpad  = 0xbe
	cmdWriteScratchpad = 0x4e
	cmdCopyScratchpad  = 0x48
)

// New returns an object that communicates over 1-wire to the DS18B20
// sensor with the specified 64-bit address.
//
// resolutionBits must be in the range 9..12 and determines how many bits
// of precision the readings have. It affects the conversion time: 9 bits
// take 94ms, each extra bit doubles that. If the device is configured
// differently the configuration register is rewritten and saved to EEPROM.
func New(o Bus, addr onewire.Address, resolutionBits int) (*Dev, error) {
	if resolutionBits < 9 || resolutionBits > 12 {
		return nil, errors.New("ds18b20: invalid resolutionBits")
	}
	d := &Dev{onewire: onewire.Dev{Bus: o, Addr: addr}, resolution: resolutionBits}

	// Reading the scratchpad proves the device answers and shows how it is
	// configured.
	spad, err := d.readScratchpad()
	if err != nil {
		return nil, err
	}
	if int(spad[4]>>5&0x3) != resolutionBits-9 {
		// Rewrite the configuration register, keeping the alarm
		// thresholds, and save it (datasheet p.6).
		w := []byte{cmdWriteScratchpad, spad[2], spad[3], byte((resolutionBits-9)<<5) | 0x1f}
		if err := d.onewire.Tx(w, nil); err != nil {
			return nil, err
		}
		if err := d.onewire.Tx([]byte{cmdCopyScratchpad}, nil); err != nil {
			return nil, err
		}
		// EEPROM write time.
		sleep(10 * time.Millisecond)
	}
	return d, nil
}

// Dev is a handle to a single DS18B20 on a 1-wire bus.
type Dev struct {
	onewire    onewire.Dev
	resolution int // 9..12
}

func (d *Dev) String() string {
	return "DS18B20{" + d.onewire.String() + "}"
}

// Halt implements conn.Resource.
func (d *Dev) Halt() error {
	return nil
}

// Sense implements physic.SenseEnv. It runs a conversion on this sensor
// alone, waits it out and reads the result back.
func (d *Dev) Sense(e *physic.Env) error {
	if err := d.onewire.Tx([]byte{cmdConvertT}, nil); err != nil {
		return err
	}
	sleep(conversionTime(d.resolution))
	t, err := d.LastTemp()
	if err != nil {
		return err
	}
	e.Temperature = t
	return nil
}

// SenseContinuous implements physic.SenseEnv.
func (d *Dev) SenseContinuous(time.Duration) (<-chan physic.Env, error) {
	return nil, errors.New("ds18b20: not implemented")
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / 16
}

// LastTemp reads the result of the last conversion off the sensor.
//
// The device powers up with 85°C in the scratchpad, so that exact value is
// rejected: odds are overwhelming that no conversion has run, typically
// for lack of power.
func (d *Dev) LastTemp() (physic.Temperature, error) {
	spad, err := d.readScratchpad()
	if err != nil {
		return 0, err
	}
	t, _ := decode(spad)
	if t == 85*physic.Celsius+physic.ZeroCelsius {
		return 0, busError("ds18b20: no conversion has been performed (insufficient pull-up?)")
	}
	return t, nil
}

// readScratchpad reads the 9 scratchpad bytes and validates the trailing
// CRC.
func (d *Dev) readScratchpad() ([]byte, error) {
	var spad [9]byte
	if err := d.onewire.Tx([]byte{cmdReadScratchpad}, spad[:]); err != nil {
		return nil, err
	}
	if owbus.CRC8(spad[:]) != 0 {
		return nil, ErrBadCRC
	}
	return spad[:], nil
}

// decode converts a scratchpad into a temperature and the resolution it
// was converted at.
//
// Bytes 0-1 hold the raw value, 16-bit little-endian two's-complement in
// units of 1/16°C; bits 5-6 of byte 4 hold the resolution configuration
// (datasheet p.4).
func decode(spad []byte) (physic.Temperature, int) {
	raw := int16(spad[1])<<8 | int16(spad[0])
	t := physic.Temperature(raw)*physic.Kelvin/16 + physic.ZeroCelsius
	return t, 9 + int(spad[4]>>5&0x3)
}

// conversionTime is how long a conversion takes at the given resolution:
// 94ms at 9 bits, doubling per extra bit (datasheet p.6).
func conversionTime(bits int) time.Duration {
	return (94 << uint(bits-9)) * time.Millisecond
}

// ErrBadCRC voids a scratchpad read whose integrity check failed. In a
// batch sample it is recorded against the one device and the batch
// continues.
const ErrBadCRC = busError("ds18b20: scratchpad CRC mismatch")

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
