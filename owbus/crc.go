// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus

// CRC8 calculates the Dallas/Maxim 8-bit CRC of the byte slice parameter
// and returns the calculated value. Bytes are processed least significant
// bit first with the reflected polynomial 0x8c.
//
// A buffer that carries its check byte at the end, like the 8 ROM bytes or
// the 9 scratchpad bytes of a 1-wire device, is intact iff CRC8 over the
// whole buffer is 0.
func CRC8(data []byte) byte {
	var crc byte
	for _, v := range data {
		crc ^= v
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8c
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
