// Package xbb implements the wire protocols spoken to the BMS under test:
// the XBB measurement/response frames and the legacy MCU frame format.
// Byte layouts are fixed by the firmware; all multi-byte XBB fields are
// big-endian, legacy payloads are little-endian.
package xbb

// CRC8, polynomial 0x07, init 0x00, computed over the whole frame from the
// first header byte through the footer byte inclusive.
var crc8Table [256]byte

func init() {
	for i := 0; i < 256; i++ {
		c := byte(i)
		for b := 0; b < 8; b++ {
			if c&0x80 != 0 {
				c = c<<1 ^ 0x07
			} else {
				c <<= 1
			}
		}
		crc8Table[i] = c
	}
}

// CRC8 returns the checksum of data.
func CRC8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc
}

// CRC16 is CCITT-FALSE: polynomial 0x1021, init 0xFFFF. The legacy MCU
// frame checksums msg id, length, sequence and payload with it.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
