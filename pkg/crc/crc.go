// Package crc implements the streaming CRC-16 used on the wire by the
// data-link protocol: polynomial 0x1021, initial value 0, updated one byte
// at a time by the source's own increment/overflow-XOR loop rather than a
// textbook shift-XOR CRC-CCITT — the update order is not bit-for-bit
// equivalent to a portable CRC-16/CCITT library, so none should be
// substituted here without re-checking against the golden fixture below.
package crc

// CRC16 is a running CRC value. The zero value is the correct initial value.
type CRC16 uint16

// Single folds one byte into the running CRC, porting the source's
// UpdateCRC16 literally: the byte is walked MSB-first through a 9-bit
// shift register seeded with a sentinel bit (0x100) so the loop runs
// exactly 8 times, incrementing the CRC (not XOR-ing a shifted-in bit) on
// every high bit out of the byte, and XOR-ing in the polynomial whenever
// the CRC itself overflows 16 bits.
func (c *CRC16) Single(b byte) {
	crc := uint32(*c)
	in := uint32(b) | 0x100
	for {
		crc <<= 1
		in <<= 1
		if in&0x100 != 0 {
			crc++
		}
		if crc&0x10000 != 0 {
			crc ^= 0x1021
		}
		if in&0x10000 != 0 {
			break
		}
	}
	*c = CRC16(crc & 0xFFFF)
}

// Bytes folds an entire buffer into the running CRC, in order.
func (c *CRC16) Bytes(buf []byte) {
	for _, b := range buf {
		c.Single(b)
	}
}

// Update returns crc with b folded in. Free-function form for callers that
// thread a plain uint16 through instead of holding a *CRC16.
func Update(crc uint16, b byte) uint16 {
	v := CRC16(crc)
	v.Single(b)
	return uint16(v)
}
