// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18b20

import (
	"fmt"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/hwbits/onewire/owbus"
	"github.com/hwbits/onewire/owbus/owtest"
)

// TestDecode checks the fixed-point decode against the datasheet reference
// points (p.4).
func TestDecode(t *testing.T) {
	var tests = []struct {
		raw     uint16
		celsius float64
	}{
		{0x07d0, 125},
		{0x0550, 85},
		{0x0191, 25.0625},
		{0x0190, 25},
		{0x00a2, 10.125},
		{0x0008, 0.5},
		{0x0000, 0},
		{0xfff8, -0.5},
		{0xff5e, -10.125},
		{0xfe6f, -25.0625},
		{0xfc90, -55},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%#04x", test.raw), func(t *testing.T) {
			spad := []byte{byte(test.raw), byte(test.raw >> 8), 0, 0, 0x7f, 0xff, 0, 0x10}
			c, bits := decode(spad)
			if got := c.Celsius(); got != test.celsius {
				t.Errorf("decode(%#04x) = %f, want %f", test.raw, got, test.celsius)
			}
			if bits != 12 {
				t.Errorf("decode(%#04x) resolution = %d, want 12", test.raw, bits)
			}
		})
	}
}

func TestDecode_resolution(t *testing.T) {
	for i, config := range []byte{0x1f, 0x3f, 0x5f, 0x7f} {
		spad := []byte{0, 0, 0, 0, config, 0xff, 0, 0x10}
		if _, bits := decode(spad); bits != 9+i {
			t.Errorf("config %#02x decoded as %d bits, want %d", config, bits, 9+i)
		}
	}
}

func TestNew_fail_resolution(t *testing.T) {
	bus, err := owbus.NewLine(owtest.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Halt()
	for _, bits := range []int{1, 8, 13} {
		if d, err := New(bus, 0x740000070e41ac28, bits); d != nil || err == nil {
			t.Fatalf("accepted %d resolution bits", bits)
		}
	}
}

func TestNew_fail_read(t *testing.T) {
	bus, err := owbus.NewLine(owtest.New(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Halt()
	// Empty bus: the initial scratchpad read cannot succeed.
	if d, err := New(bus, 0x740000070e41ac28, 12); d != nil || err == nil {
		t.Fatal("expected New to fail on an empty bus")
	}
}

func TestSense(t *testing.T) {
	defer stubSleep()()
	dev := owtest.NewDevice(0x740000070e41ac28, 25.0625)
	bus, err := owbus.NewLine(owtest.New(dev), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Halt()
	d, err := New(bus, dev.ROM, 12)
	if err != nil {
		t.Fatal(err)
	}
	if s := d.String(); s != "DS18B20{owbus(owtest)(0x740000070e41ac28)}" {
		t.Fatal(s)
	}
	e := physic.Env{}
	if err := d.Sense(&e); err != nil {
		t.Fatal(err)
	}
	if want := physic.ZeroCelsius + physic.Temperature(0x0191)*physic.Kelvin/16; e.Temperature != want {
		t.Errorf("temperature = %s, want %s", e.Temperature, want)
	}
}

// TestNew_reconfigures checks that a device running at the wrong resolution
// gets its configuration register rewritten and saved.
func TestNew_reconfigures(t *testing.T) {
	defer stubSleep()()
	dev := owtest.NewDevice(0x740000070e41ac28, 20)
	bus, err := owbus.NewLine(owtest.New(dev), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Halt()
	if _, err := New(bus, dev.ROM, 10); err != nil {
		t.Fatal(err)
	}
	if dev.Config != (10-9)<<5|0x1f {
		t.Fatalf("device config = %#02x, want %#02x", dev.Config, (10-9)<<5|0x1f)
	}
}

// TestSense_powerUpValue checks that the 85°C power-on default is rejected
// instead of being reported as a plausible reading.
func TestSense_powerUpValue(t *testing.T) {
	defer stubSleep()()
	dev := owtest.NewDevice(0x740000070e41ac28, 85)
	bus, err := owbus.NewLine(owtest.New(dev), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Halt()
	d, err := New(bus, dev.ROM, 12)
	if err != nil {
		t.Fatal(err)
	}
	e := physic.Env{}
	if err := d.Sense(&e); err == nil {
		t.Fatal("expected the power-up value to be rejected")
	}
}

// stubSleep replaces the package sleep with a no-op and returns the
// restore function.
func stubSleep() func() {
	old := sleep
	sleep = func(time.Duration) {}
	return func() { sleep = old }
}
