package emu

import (
	"encoding/binary"

	"github.com/sigurn/crc16"
	"github.com/sigurn/crc8"
)

// CRC-7/MMC computed as an 8 bit CRC over the left aligned polynomial.  The
// checksum comes out in bits 7:1, ready to be combined with the end bit.
var crc7 = crc8.MakeTable(crc8.Params{Poly: 0x12, Init: 0x00, RefIn: false, RefOut: false, XorOut: 0x00, Check: 0xEA, Name: "CRC-7/MMC"})

// CRC-16/XMODEM, the checksum appended to every data block on each line.
var crc16x = crc16.MakeTable(crc16.CRC16_XMODEM)

// cmdFrame assembles the 48 bit frame of a command as it appears on the CMD
// line: start and transmission bits, opcode, argument, CRC7 and end bit.
func cmdFrame(op uint8, arg uint32) [6]byte {
	var f [6]byte
	f[0] = 0x40 | op&0x3f
	binary.BigEndian.PutUint32(f[1:5], arg)
	f[5] = crc8.Checksum(f[:5], crc7) | 1
	return f
}

func blockCRC(p []byte) uint16 {
	return crc16.Checksum(p, crc16x)
}
