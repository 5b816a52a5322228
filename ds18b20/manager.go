// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"time"

	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"

	"github.com/hwbits/onewire/owbus"
)

// Opts contains sampling options for a Manager.
type Opts struct {
	// PollInterval is the delay between conversion status reads.
	PollInterval time.Duration
	// PollBudget bounds the wait for conversion completion. On exhaustion
	// the scratchpads are read anyway and the per-device CRC is the only
	// gate on the data: a conversion that genuinely overran shows up as a
	// failed Reading, not as a batch error. Known risk, kept on purpose.
	PollBudget time.Duration
}

// DefaultOpts is the recommended default options. The budget covers a
// worst-case 12-bit conversion with margin.
var DefaultOpts = Opts{
	PollInterval: 10 * time.Millisecond,
	PollBudget:   time.Second,
}

// Manager owns the set of discovered sensors on one bus and samples them
// as a batch.
type Manager struct {
	bus   Bus
	opts  Opts
	addrs []onewire.Address
}

// NewManager returns a manager for the sensors on the given bus. Pass nil
// for opts to use DefaultOpts; a non-positive PollInterval is replaced by
// the default so the poll loop always makes progress. Call Discover before
// the first SampleAll.
func NewManager(b Bus, opts *Opts) *Manager {
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultOpts.PollInterval
	}
	return &Manager{bus: b, opts: o}
}

// Discover searches the bus and replaces the known sensor set wholesale
// with the result; sensors from earlier discoveries are forgotten, even
// when the search came back partial. The addresses are returned in
// discovery order, which is also the order SampleAll reports in.
func (m *Manager) Discover() ([]onewire.Address, error) {
	addrs, err := m.bus.Search(false)
	m.addrs = addrs
	return addrs, err
}

// Devices returns the addresses found by the last Discover, in discovery
// order.
func (m *Manager) Devices() []onewire.Address {
	out := make([]onewire.Address, len(m.addrs))
	copy(out, m.addrs)
	return out
}

// Reading is the outcome of sampling one sensor: either a temperature and
// the resolution it was converted at, or the error that voided it. Never
// both.
type Reading struct {
	Addr       onewire.Address
	Temp       physic.Temperature
	Resolution int // bits, 9..12
	Err        error
}

// SampleAll converts and reads every known sensor in one batch:
//
//  1. Broadcast a single convert command to all sensors at once.
//  2. Poll for completion: a converting sensor holds read slots low, so
//     the bus reads 0x00 until every sensor finished and 0xff after.
//  3. Read each sensor's scratchpad, gate it on CRC8, decode.
//
// One Reading per known address is returned in discovery order; a sensor
// that fails its read or its CRC gets the error recorded and the batch
// moves on. An empty bus, meaning no presence pulse after reset, yields an
// empty result and no error.
func (m *Manager) SampleAll() ([]Reading, error) {
	if len(m.addrs) == 0 {
		return nil, nil
	}
	present, err := m.bus.Reset()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	if err := m.bus.WriteByte(cmdSkipROM); err != nil {
		return nil, err
	}
	if err := m.bus.WriteByte(cmdConvertT); err != nil {
		return nil, err
	}
	for waited := time.Duration(0); waited < m.opts.PollBudget; waited += m.opts.PollInterval {
		sleep(m.opts.PollInterval)
		v, err := m.bus.ReadByte()
		if err != nil {
			return nil, err
		}
		if v == 0xff {
			break
		}
	}
	// A timed-out poll falls through on purpose; the CRC decides below.

	out := make([]Reading, 0, len(m.addrs))
	for _, addr := range m.addrs {
		r := Reading{Addr: addr}
		dev := onewire.Dev{Bus: m.bus, Addr: addr}
		var spad [9]byte
		if err := dev.Tx([]byte{cmdReadScratchpad}, spad[:]); err != nil {
			r.Err = err
		} else if owbus.CRC8(spad[:]) != 0 {
			r.Err = ErrBadCRC
		} else {
			r.Temp, r.Resolution = decode(spad[:])
		}
		out = append(out, r)
	}
	return out, nil
}
