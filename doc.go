// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewire is a container for a bit-banged 1-wire bus master and the
// drivers for the temperature sensors attached to it.
//
// The owbus package drives the bus itself on a single GPIO line, the
// ds18b20 package talks to the sensors, and cmd/owtherm ties both into a
// small sampling daemon.
package onewire
