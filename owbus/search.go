// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus

import (
	"strconv"

	"periph.io/x/conn/v3/onewire"
)

// ROM commands handled at the bus level.
const (
	cmdSearchROM   = 0xf0
	cmdAlarmSearch = 0xec
)

// Search implements onewire.Bus. It discovers the 64-bit address of every
// device on the bus, or of every device in alarm state when alarmOnly is
// true, by walking the binary trie of addresses depth-first with the bus
// acting as a wired-AND comparator: all participating devices answer each
// bit position at once and the master picks the branch to follow.
//
// A reset without presence pulse ends the search normally, returning
// whatever was found so far: an empty bus is not an error. An inconsistent
// bit pair mid-pass (no device answering at all) returns the devices found
// so far together with a bus error. The bus is left in 8-bit framing on
// every exit path.
//
// The cost is one full pass of 64 slot triplets per device present.
func (b *Bus) Search(alarmOnly bool) ([]onewire.Address, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cmd := byte(cmdSearchROM)
	if alarmOnly {
		cmd = cmdAlarmSearch
	}
	// The search reacts to the bus between individual bits, so it runs
	// entirely in 1-bit framing, command broadcast included: switching
	// framing restarts the engine and with it the bus, so it cannot happen
	// between the command and the first triplet.
	if err := b.setFraming(Framing1); err != nil {
		return nil, err
	}
	// The restore can only fail on a halted bus, where b.err already
	// refuses every later operation; the error adds nothing here.
	defer b.setFraming(Framing8)

	var found []onewire.Address
	var prev uint64 // address completed by the previous pass
	last := -1      // discrepancy the previous pass left unexplored
	for {
		present, err := b.reset()
		if err != nil {
			return found, err
		}
		if !present {
			return found, nil
		}
		for i := uint(0); i < 8; i++ {
			b.writeBit(cmd >> i & 1)
		}
		var addr uint64
		marker := -1
		for i := 0; i < 64; i++ {
			bit := b.readBit()
			cmp := b.readBit()
			var dir byte
			switch {
			case bit == 1 && cmp == 1:
				// Nothing answered the slot pair: the participants
				// vanished mid-pass or the bus is glitching.
				return found, busError("owbus: search got no reply at bit " + strconv.Itoa(i))
			case bit != cmp:
				// All remaining participants agree.
				dir = bit
			case i == last:
				// The branch the previous pass skipped.
				dir = 1
			case i > last:
				dir = 0
			default:
				// Replay the previous address up to the discrepancy.
				dir = byte(prev >> uint(i) & 1)
			}
			if bit == cmp && dir == 0 {
				// A collision resolved towards 0 leaves the 1 branch
				// unexplored; remember the deepest one for the next pass.
				marker = i
			}
			b.writeBit(dir)
			if dir == 1 {
				addr |= 1 << uint(i)
			}
		}
		prev = addr
		found = append(found, onewire.Address(addr))
		last = marker
		if last < 0 {
			return found, nil
		}
	}
}

// writeBit transmits a single bit. The engine must be in 1-bit framing.
func (b *Bus) writeBit(bit byte) {
	b.eng.cmd <- bit & 1
	<-b.eng.res
}

// readBit samples a single bit by playing a write-1 slot.
func (b *Bus) readBit() byte {
	b.eng.cmd <- 1
	return <-b.eng.res
}
