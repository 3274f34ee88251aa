package emu

import (
	"encoding/binary"

	"github.com/sigurn/crc8"
)

// CardKind selects the card model's protocol family.
type CardKind uint8

const (
	KindEMMC CardKind = iota
	KindSDv1
	KindSDv2
)

// Card status bits and states as reported in R1 responses.
const (
	statusAppCmd      = 1 << 5
	statusSwitchError = 1 << 7
	statusReady       = 1 << 8
)

type cardState uint32

const (
	stateIdle cardState = iota
	stateReady
	stateIdent
	stateStby
	stateTran
	stateData
	stateRcv
	statePrg
)

// OCR bits
const (
	ocrBusy = 1 << 31
	ocrHCS  = 1 << 30
)

// EXT_CSD byte indices
const (
	extPartitioning   = 160
	extBusWidth       = 183
	extHSTiming       = 185
	extRev            = 192
	extCardType       = 196
	extSecCount       = 212
	extHCWPGrpSize    = 221
	extHCEraseGrpSize = 224
)

// Card models a single eMMC or SD card at command level.  It validates the
// CRC of every received frame and keeps the card state machine, the
// registers and the block storage.  The zero value is not usable, construct
// cards with NewEMMC or NewSD.
type Card struct {
	Kind           CardKind
	Inserted       bool
	WriteProtected bool
	HC             bool // sector addressed

	OCR     uint32
	CID     [4]uint32 // 128 bit register value, bit 127 at word 0 bit 31
	CSD     [4]uint32
	ExtCSD  [512]byte
	Storage []byte

	// Fault injection.
	BusyPolls      int            // OCR polls answered busy before the card is ready
	WriteBusyPolls int            // status polls spent in prg state after writes and switches
	FailSwitch     map[uint8]bool // EXT_CSD indices rejected with SWITCH_ERROR
	FailWidth      map[int]bool   // bus widths the card mis-samples on
	IfCondEcho     uint32         // nonzero replaces the CMD8 echo on 2.0 cards

	state     cardState
	rca       uint16
	width     int
	appCmd    bool
	ocrPolls  int
	busyLeft  int
	switchErr bool
	pending   *pendingWrite
}

type pendingWrite struct {
	lba    uint32
	blocks int
}

// result is the card's reaction to one command frame: no response at all,
// a 48 bit response, a 136 bit response, and optionally outbound data.
type result struct {
	ok    bool
	long  bool
	r48   uint32
	r136  [4]uint32
	rdata []byte
}

// NewEMMC returns an inserted, sector addressed eMMC card with the given
// capacity in 512 byte blocks.  It advertises high speed and HS200 timings
// and an 8 bit capable bus.
func NewEMMC(blocks uint32) *Card {
	c := &Card{
		Kind:     KindEMMC,
		Inserted: true,
		HC:       true,
		OCR:      0x00ff_8080,
		Storage:  make([]byte, int(blocks)*512),
		width:    1,
	}
	cid := [16]byte{0x15, 0x01, 0x42, 'G', 'O', 'E', 'M', 'M', 'C', 0x21}
	binary.BigEndian.PutUint32(cid[10:14], 0xdeadbeef)
	cid[14] = 0x79 // July 2022
	c.CID = pack128(cid)

	c.CSD = [4]uint32{
		3<<30 | 4<<26 | 0x32, // CSD 1.2, SPEC_VERS 4, 26 MHz
		9 << 16,              // READ_BL_LEN 512
		3<<30 | 7<<15,        // C_SIZE 3, C_SIZE_MULT 7: the 1 MiB legacy geometry
		0,
	}
	c.ExtCSD[extPartitioning] = 0x07
	c.ExtCSD[extRev] = 8
	c.ExtCSD[extCardType] = 0x13 // HS26 | HS52 | HS200 at 1.8V
	binary.LittleEndian.PutUint32(c.ExtCSD[extSecCount:], blocks)
	c.ExtCSD[extHCWPGrpSize] = 4
	c.ExtCSD[extHCEraseGrpSize] = 1
	return c
}

// NewSD returns an inserted SD card with the given capacity in 512 byte
// blocks.  Version 2 cards are sector addressed SDHC, blocks must be a
// multiple of 1024.  Version 1 cards are byte addressed with the capacity
// encoded in the CSD geometry, blocks must be a power of two.
func NewSD(version int, blocks uint32) *Card {
	c := &Card{
		Kind:     KindSDv1,
		Inserted: true,
		OCR:      0x00ff_8000,
		Storage:  make([]byte, int(blocks)*512),
		width:    1,
	}
	cid := [16]byte{0x03, 'G', 'O', 'E', 'M', 'U', 'S', 'D', 0x10}
	binary.BigEndian.PutUint32(cid[9:13], 0x0badcafe)
	cid[13] = 0x01 // May 2024
	cid[14] = 0x85
	c.CID = pack128(cid)

	if version >= 2 {
		c.Kind = KindSDv2
		c.HC = true
		csize := blocks/1024 - 1
		c.CSD = [4]uint32{
			1<<30 | 0x32, // CSD 2.0
			csize >> 16 & 0x3f,
			csize << 16,
			0,
		}
		return c
	}
	mult := uint32(0)
	for blocks>>(mult+2) > 4096 {
		mult++
	}
	csize := blocks>>(mult+2) - 1
	c.CSD = [4]uint32{
		0x32, // CSD 1.0
		9<<16 | csize>>2,
		csize<<30 | mult<<15,
		0,
	}
	return c
}

// pack128 turns a 16 byte register image into the card's 128 bit response
// value, computing the CRC7 end byte in place.
func pack128(b [16]byte) [4]uint32 {
	b[15] = crc8.Checksum(b[:15], crc7) | 1
	var v [4]uint32
	for i := range v {
		v[i] = binary.BigEndian.Uint32(b[4*i:])
	}
	return v
}

// handle reacts to one command frame.  blocks is the transfer length the
// controller was programmed with, which bounds open ended transfers.
func (c *Card) handle(f [6]byte, blocks int) result {
	if f[0]&0xc0 != 0x40 || f[5] != crc8.Checksum(f[:5], crc7)|1 {
		return result{}
	}
	op := f[0] & 0x3f
	arg := binary.BigEndian.Uint32(f[1:5])

	if c.appCmd {
		c.appCmd = false
		return c.handleApp(op, arg)
	}

	switch op {
	case 0: // GO_IDLE_STATE
		c.reset()
		return result{}
	case 1: // SEND_OP_COND, eMMC only
		if c.Kind != KindEMMC {
			return result{}
		}
		return c.opCond(arg, arg&ocrHCS != 0)
	case 2: // ALL_SEND_CID
		if c.state != stateReady {
			return result{}
		}
		c.state = stateIdent
		return result{ok: true, long: true, r136: c.CID}
	case 3: // SET/SEND_RELATIVE_ADDR
		if c.state != stateIdent {
			return result{}
		}
		if c.Kind == KindEMMC {
			c.rca = uint16(arg >> 16)
			c.state = stateStby
			return c.r1()
		}
		c.rca = 0x1234
		c.state = stateStby
		return result{ok: true, r48: uint32(c.rca) << 16}
	case 6: // SWITCH
		if c.Kind == KindEMMC {
			return c.emmcSwitch(arg)
		}
		return c.r1() // SWITCH_FUNC, not modelled
	case 7: // SELECT_CARD
		if uint16(arg>>16) != c.rca {
			return result{}
		}
		c.state = stateTran
		return c.r1()
	case 8: // SEND_EXT_CSD / SEND_IF_COND
		switch c.Kind {
		case KindEMMC:
			if c.state != stateTran {
				return result{}
			}
			return result{ok: true, r48: c.status(), rdata: c.extCSDImage()}
		case KindSDv2:
			if c.IfCondEcho != 0 {
				return result{ok: true, r48: c.IfCondEcho}
			}
			return result{ok: true, r48: arg & 0xfff}
		}
		return result{} // 1.x cards predate CMD8
	case 9: // SEND_CSD
		if uint16(arg>>16) != c.rca {
			return result{}
		}
		return result{ok: true, long: true, r136: c.CSD}
	case 12: // STOP_TRANSMISSION
		c.state = stateTran
		return c.r1()
	case 13: // SEND_STATUS
		if uint16(arg>>16) != c.rca {
			return result{}
		}
		return c.r1()
	case 16: // SET_BLOCKLEN
		return c.r1()
	case 17, 18: // READ_SINGLE/MULTIPLE_BLOCK
		return c.read(arg, blocks)
	case 19, 21: // SEND_TUNING_BLOCK
		return c.r1()
	case 24, 25: // WRITE_SINGLE/MULTIPLE_BLOCK
		return c.write(arg, blocks)
	case 55: // APP_CMD
		if uint16(arg>>16) != c.rca {
			return result{}
		}
		c.appCmd = true
		return c.r1()
	}
	return result{}
}

func (c *Card) handleApp(op uint8, arg uint32) result {
	switch op {
	case 6: // SET_BUS_WIDTH
		if arg == 2 {
			c.width = 4
		} else {
			c.width = 1
		}
		return c.r1()
	case 41: // SD_SEND_OP_COND
		if c.Kind == KindEMMC {
			return result{}
		}
		return c.opCond(arg, c.Kind == KindSDv2 && arg&ocrHCS != 0)
	}
	return c.r1()
}

func (c *Card) reset() {
	c.state = stateIdle
	c.rca = 0
	c.width = 1
	c.appCmd = false
	c.ocrPolls = 0
	c.busyLeft = 0
	c.switchErr = false
	c.pending = nil
	c.ExtCSD[extBusWidth] = 0
	c.ExtCSD[extHSTiming] = 0
}

// opCond answers an OCR poll.  An eMMC probe with argument zero inquires
// without starting initialization; every other poll counts against
// BusyPolls until the card reports ready.
func (c *Card) opCond(arg uint32, hcs bool) result {
	if arg == 0 && c.Kind == KindEMMC {
		return result{ok: true, r48: c.OCR}
	}
	c.ocrPolls++
	if c.ocrPolls <= c.BusyPolls {
		return result{ok: true, r48: c.OCR}
	}
	c.state = stateReady
	ocr := c.OCR | ocrBusy
	if hcs && c.HC {
		ocr |= ocrHCS
	}
	return result{ok: true, r48: ocr}
}

// emmcSwitch applies a write byte SWITCH to the EXT_CSD.  The response
// carries the status before the switch; a rejection surfaces as
// SWITCH_ERROR in the status once the busy phase is over.
func (c *Card) emmcSwitch(arg uint32) result {
	res := c.r1()
	index := uint8(arg >> 16)
	value := uint8(arg >> 8)
	if c.FailSwitch[index] {
		c.switchErr = true
	} else if arg>>24&3 == 3 {
		c.ExtCSD[index] = value
		if index == extBusWidth {
			switch value {
			case 1:
				c.width = 4
			case 2:
				c.width = 8
			default:
				c.width = 1
			}
		}
	}
	c.busyLeft = c.WriteBusyPolls
	return res
}

func (c *Card) r1() result {
	return result{ok: true, r48: c.status()}
}

// status builds the R1 status word.  Reading it consumes one busy poll and a
// pending switch error.
func (c *Card) status() uint32 {
	if c.busyLeft > 0 {
		c.busyLeft--
		return uint32(statePrg) << 9
	}
	st := uint32(c.state)<<9 | statusReady
	if c.switchErr {
		st |= statusSwitchError
		c.switchErr = false
	}
	if c.appCmd {
		st |= statusAppCmd
	}
	return st
}

// extCSDImage returns the EXT_CSD as read over the bus.  On a mis-sampling
// bus width the image comes back corrupted.
func (c *Card) extCSDImage() []byte {
	img := make([]byte, 512)
	copy(img, c.ExtCSD[:])
	if c.FailWidth[c.width] {
		img[extRev] ^= 0xff
	}
	return img
}

func (c *Card) lba(arg uint32) uint32 {
	if c.HC {
		return arg
	}
	return arg / 512
}

func (c *Card) read(arg uint32, blocks int) result {
	if c.state != stateTran {
		return result{}
	}
	start := int64(c.lba(arg)) * 512
	end := start + int64(blocks)*512
	if end > int64(len(c.Storage)) {
		return result{}
	}
	data := make([]byte, end-start)
	copy(data, c.Storage[start:end])
	return result{ok: true, r48: c.status(), rdata: data}
}

func (c *Card) write(arg uint32, blocks int) result {
	if c.state != stateTran {
		return result{}
	}
	lba := c.lba(arg)
	if int64(lba)*512+int64(blocks)*512 > int64(len(c.Storage)) {
		return result{}
	}
	c.pending = &pendingWrite{lba, blocks}
	return c.r1()
}

// acceptData stores a finished inbound transfer into the block storage and
// enters the programming phase.
func (c *Card) acceptData(p []byte) {
	if c.pending == nil {
		return
	}
	start := int64(c.pending.lba) * 512
	n := min(int64(len(p)), int64(c.pending.blocks)*512)
	if start+n <= int64(len(c.Storage)) {
		copy(c.Storage[start:], p[:n])
	}
	c.pending = nil
	c.busyLeft = c.WriteBusyPolls
}
