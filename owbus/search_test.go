// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus_test

import (
	"fmt"
	"testing"

	"periph.io/x/conn/v3/onewire"

	"github.com/hwbits/onewire/owbus"
	"github.com/hwbits/onewire/owbus/owtest"
)

// Addresses in DS18B20 shape: family code 0x28 in the low byte. The values
// collide at various bit positions to exercise the arbitration paths.
var testROMs = []onewire.Address{
	0x740000070e41ac28,
	0x9e0000070e77d528,
	0x1c0000070ec0b928,
	0x1b000004cfd1be28,
	0x0d000004ce1bc228,
	0x83000004cf04d728,
	0x5a000004cf6e1628,
	0xf2000004ce96d628,
}

func TestSearch(t *testing.T) {
	for _, n := range []int{0, 1, 3, 8} {
		t.Run(fmt.Sprintf("%d devices", n), func(t *testing.T) {
			devs := make([]*owtest.Device, n)
			for i := range devs {
				devs[i] = owtest.NewDevice(testROMs[i], 20)
			}
			sim := owtest.New(devs...)
			bus, err := owbus.NewLine(sim, nil)
			if err != nil {
				t.Fatal(err)
			}
			defer bus.Halt()

			before := sim.Resets()
			found, err := bus.Search(false)
			if err != nil {
				t.Fatal(err)
			}
			if len(found) != n {
				t.Fatalf("found %d devices, want %d", len(found), n)
			}
			set := make(map[onewire.Address]bool, n)
			for _, a := range found {
				set[a] = true
			}
			if len(set) != n {
				t.Fatalf("found duplicate addresses: %v", found)
			}
			for i := 0; i < n; i++ {
				if !set[testROMs[i]] {
					t.Errorf("device %#016x not found", uint64(testROMs[i]))
				}
			}
			// One reset per framing change plus one per pass, and the
			// search takes exactly one pass per device: n passes, or a
			// single aborted one on an empty bus.
			want := n + 2
			if n == 0 {
				want = 3
			}
			if got := sim.Resets() - before; got != want {
				t.Errorf("search issued %d resets, want %d", got, want)
			}
			// The bus is back in byte framing whatever happened.
			if _, err := bus.Reset(); err != nil {
				t.Fatal(err)
			}
			if err := bus.WriteByte(0xcc); err != nil {
				t.Fatal(err)
			}
		})
	}
}

// TestSearch_stable checks that discovery on an unchanged bus is
// reproducible.
func TestSearch_stable(t *testing.T) {
	devs := make([]*owtest.Device, 3)
	for i := range devs {
		devs[i] = owtest.NewDevice(testROMs[i], 20)
	}
	bus, err := owbus.NewLine(owtest.New(devs...), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Halt()

	first, err := bus.Search(false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := bus.Search(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("search found %d then %d devices", len(first), len(second))
	}
	set := make(map[onewire.Address]bool, len(first))
	for _, a := range first {
		set[a] = true
	}
	for _, a := range second {
		if !set[a] {
			t.Errorf("second search found %#016x, first did not", uint64(a))
		}
	}
}

func TestSearch_alarmOnly(t *testing.T) {
	devs := make([]*owtest.Device, 3)
	for i := range devs {
		devs[i] = owtest.NewDevice(testROMs[i], 20)
	}
	devs[1].Alarm = true
	bus, err := owbus.NewLine(owtest.New(devs...), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Halt()

	found, err := bus.Search(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0] != testROMs[1] {
		t.Fatalf("alarm search found %v, want just %#016x", found, uint64(testROMs[1]))
	}
}

// TestSearch_noReply covers the aborted pass: devices answer the reset with
// a presence pulse but every one of them drops out after the command, so
// the very first slot pair reads 1/1. That is a bus error, not an empty
// result. Alarm search with nothing in alarm state is the natural way to
// get there.
func TestSearch_noReply(t *testing.T) {
	devs := []*owtest.Device{
		owtest.NewDevice(testROMs[0], 20),
		owtest.NewDevice(testROMs[1], 20),
	}
	bus, err := owbus.NewLine(owtest.New(devs...), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Halt()

	found, err := bus.Search(true)
	if err == nil {
		t.Fatal("search succeeded with no device answering")
	}
	if _, ok := err.(onewire.BusError); !ok {
		t.Fatalf("got %T %q, want a bus error", err, err)
	}
	if want := "owbus: search got no reply at bit 0"; err.Error() != want {
		t.Fatalf("got error %q, want %q", err, want)
	}
	if len(found) != 0 {
		t.Fatalf("aborted search still reported %v", found)
	}
	// The failure leaves the bus in byte framing and fully usable.
	if present, err := bus.Reset(); err != nil || !present {
		t.Fatalf("got present=%t err=%v after aborted search", present, err)
	}
	if err := bus.WriteByte(0xcc); err != nil {
		t.Fatal(err)
	}
}
