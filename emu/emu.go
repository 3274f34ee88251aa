// Package emu emulates an SDHC compliant host controller with an attached
// eMMC or SD card at register level.
//
// The Controller implements mmio.Bank.  A command written to the command
// register executes against the card model before the store returns, so by
// the time a driver polls the interrupt status the outcome is already there
// and no goroutine handshake is needed.  Fault injection knobs on Controller
// and Card each switch on a single hardware misbehavior; everything not
// switched on stays on the happy path.
package emu

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/drivercraft/sdmmc/dma"
)

// Standard host controller register offsets, matching what drivers program.
const (
	regSDMAAddr    = 0x00
	regBlockSize   = 0x04
	regBlockCount  = 0x06
	regArgument    = 0x08
	regXferMode    = 0x0c
	regCommand     = 0x0e
	regResponse0   = 0x10
	regResponse1   = 0x14
	regResponse2   = 0x18
	regResponse3   = 0x1c
	regBufData     = 0x20
	regPresent     = 0x24
	regClockCtrl   = 0x2c
	regSoftReset   = 0x2f
	regIntStatus   = 0x30
	regErrStatus   = 0x32
	regHostCtrl2   = 0x3e
	regCaps1       = 0x40
	regCaps2       = 0x44
	regHostVersion = 0xfe
)

// Present state bits
const (
	stateCmdInhibit    = 1 << 0
	stateDatInhibit    = 1 << 1
	stateBufWriteReady = 1 << 10
	stateBufReadReady  = 1 << 11
	stateCardInserted  = 1 << 16
	stateCardStable    = 1 << 17
	stateWriteEnabled  = 1 << 19
)

// Command register bits: response type in bits 1:0, data present in bit 5.
const (
	respNone      = 0x0
	respLong      = 0x1
	respShort     = 0x2
	respShortBusy = 0x3
	dataPresent   = 0x20
)

// Transfer mode bits
const (
	xferDMA  = 1 << 0
	xferRead = 1 << 4
)

// Clock control bits
const (
	clkIntEn     = 1 << 0
	clkIntStable = 1 << 1
)

// Software reset bits
const (
	resetAll  = 1 << 0
	resetCmd  = 1 << 1
	resetData = 1 << 2
)

// Normal interrupt status bits
const (
	intResponse   = 1 << 0
	intDataEnd    = 1 << 1
	intDMAEnd     = 1 << 3
	intSpaceAvail = 1 << 4
	intDataAvail  = 1 << 5
	intError      = 1 << 15
)

// Host control 2 bits
const (
	hc2ExecTuning   = 1 << 6
	hc2SampleClkSel = 1 << 7
)

// Capability bits
const (
	capCan8Bit = 1 << 18
	capCanSDMA = 1 << 22
	capVolt33  = 1 << 24
	capSDR104  = 1 << 1
)

// Error interrupt status bits, the values FailCommand raises.
const (
	CmdTimeoutErr   uint16 = 1 << 0
	CmdCRCErr       uint16 = 1 << 1
	CmdEndBitErr    uint16 = 1 << 2
	CmdIndexErr     uint16 = 1 << 3
	DataTimeoutErr  uint16 = 1 << 4
	DataCRCErr      uint16 = 1 << 5
	DataEndBitErr   uint16 = 1 << 6
	CurrentLimitErr uint16 = 1 << 7
	AutoCmdErr      uint16 = 1 << 8
	ADMAErr         uint16 = 1 << 9
)

// DWC MSHC vendor registers as laid out on the RK3568.
const (
	regDLLCtrl    = 0x800
	regDLLStatus0 = 0x840

	dllCtrlStart  = 1 << 0
	dllCtrlBypass = 1 << 24
	dllLocked     = 1 << 8
	dllTimeout    = 1 << 9
)

// CommandRecord is one command issue as observed at the register interface,
// together with the transfer registers at the time of issue.
type CommandRecord struct {
	Op         uint8
	Arg        uint32
	Word       uint16 // raw command register value
	Mode       uint16 // transfer mode register
	BlockSize  uint16
	BlockCount uint16
	SDMA       uint32
}

// RegWrite is one register store.
type RegWrite struct {
	Off  uint32
	Size int // access width in bits
	Val  uint32
}

type window struct {
	bus uint64
	p   []byte
}

// Controller is a register level emulation of an SDHC host controller,
// backed by a plain byte array.  It implements mmio.Bank.
type Controller struct {
	mtx  sync.Mutex
	mem  [0x1000]byte
	card *Card

	// Capability and version values served to the driver.
	Version uint16
	Caps1   uint32
	Caps2   uint32

	// Fault injection.
	InhibitReads    int              // present state reads reporting the bus busy
	StickyInhibit   bool             // bus stays busy forever
	NeverStable     bool             // internal clock never reports stable
	StickyReset     uint8            // reset bits that never self clear
	DLLNeverLocks   bool             // vendor DLL reports a lock timeout
	TuningAttempts  int              // tuning blocks consumed before the sample clock locks
	TuningNeverDone bool             // tuning never completes
	TuningNoSample  bool             // tuning completes without selecting a sample point
	FailCommand     map[uint8]uint16 // opcode to error status bits raised instead of executing
	MuteCommand     map[uint8]bool   // opcodes answered with silence

	// Logs, cleared by the caller as needed.
	Cmds     []CommandRecord
	Resets   []uint8
	Writes   []RegWrite
	DataCRCs []uint16 // CRC16 of every transferred data block

	outbound  []byte // staged card to host data
	outPos    int
	inbound   []byte // host to card data collected so far
	inTotal   int
	pausedOut bool
	pausedIn  bool

	windows []window
	nextBus uint64
}

// New returns a Controller with card in its slot; nil leaves the slot empty.
// The default capabilities advertise a version 3.00 host with a 200 MHz base
// clock, SDMA, 8 data lines, 3.3V and SDR104 support.
func New(card *Card) *Controller {
	return &Controller{
		card:    card,
		Version: 2,
		Caps1:   200<<8 | capCan8Bit | capCanSDMA | capVolt33,
		Caps2:   capSDR104,
		nextBus: 0x0010_0000,
	}
}

func (c *Controller) Read8(off uint32) uint8 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.mem[off]
}

func (c *Controller) Read16(off uint32) uint16 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if off == regHostVersion {
		return c.Version
	}
	return c.get16(off)
}

func (c *Controller) Read32(off uint32) uint32 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	switch off {
	case regPresent:
		return c.presentState()
	case regBufData:
		return c.popData()
	case regCaps1:
		return c.Caps1
	case regCaps2:
		return c.Caps2
	}
	return c.get32(off)
}

func (c *Controller) Write8(off uint32, v uint8) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.Writes = append(c.Writes, RegWrite{off, 8, uint32(v)})
	if off == regSoftReset {
		c.reset(v)
		return
	}
	c.mem[off] = v
}

func (c *Controller) Write16(off uint32, v uint16) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.Writes = append(c.Writes, RegWrite{off, 16, uint32(v)})
	switch off {
	case regCommand:
		c.put16(off, v)
		c.execute(v)
	case regClockCtrl:
		if v&clkIntEn != 0 && !c.NeverStable {
			v |= clkIntStable
		}
		c.put16(off, v)
	case regIntStatus, regErrStatus:
		// Write one to clear.
		c.put16(off, c.get16(off)&^v)
	default:
		c.put16(off, v)
	}
}

func (c *Controller) Write32(off uint32, v uint32) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.Writes = append(c.Writes, RegWrite{off, 32, v})
	c.put32(off, v)
	switch off {
	case regSDMAAddr:
		c.resumeDMA(uint64(v))
	case regBufData:
		c.pushData(v)
	case regDLLCtrl:
		c.updateDLL(v)
	}
}

// execute runs the command written to the command register against the card
// and raises the resulting interrupt status, including an immediately
// serviced data phase.
func (c *Controller) execute(word uint16) {
	op := uint8(word >> 8 & 0x3f)
	arg := c.get32(regArgument)
	rec := CommandRecord{
		Op:         op,
		Arg:        arg,
		Word:       word,
		Mode:       c.get16(regXferMode),
		BlockSize:  c.get16(regBlockSize),
		BlockCount: c.get16(regBlockCount),
		SDMA:       c.get32(regSDMAAddr),
	}
	c.Cmds = append(c.Cmds, rec)

	if bits, ok := c.FailCommand[op]; ok {
		c.raiseErr(bits)
		return
	}
	if c.MuteCommand[op] {
		return
	}

	var res result
	if c.card != nil && c.card.Inserted {
		res = c.card.handle(cmdFrame(op, arg), int(rec.BlockCount))
	}

	if res.long {
		c.storeLong(res.r136)
	} else if res.ok {
		c.put32(regResponse0, res.r48)
	}

	// With tuning in progress the controller consumes the block itself and
	// signals buffer read ready for each cycle.
	if c.get16(regHostCtrl2)&hc2ExecTuning != 0 && word&dataPresent != 0 {
		if res.ok {
			c.tuneStep()
			c.raise(intResponse | intDataAvail)
		}
		return
	}

	if word&0x3 == respNone {
		// Command complete fires once the frame is out, there is no
		// response to wait for.
		c.raise(intResponse)
		return
	}
	if !res.ok {
		return // silence on the bus, the driver is in for a timeout
	}
	c.raise(intResponse)
	if word&0x3 == respShortBusy {
		c.raise(intDataEnd)
	}

	if word&dataPresent == 0 {
		return
	}
	total := int(rec.BlockSize&0xfff) * int(rec.BlockCount)
	if rec.Mode&xferRead != 0 {
		if res.rdata == nil {
			return
		}
		c.outbound = res.rdata[:min(total, len(res.rdata))]
		c.outPos = 0
		c.logCRCs(c.outbound, int(rec.BlockSize&0xfff))
		if rec.Mode&xferDMA != 0 {
			c.dmaOut(uint64(rec.SDMA))
		} else {
			c.raise(intDataAvail)
		}
	} else {
		c.inbound = make([]byte, 0, total)
		c.inTotal = total
		if rec.Mode&xferDMA != 0 {
			c.dmaIn(uint64(rec.SDMA))
		} else {
			c.raise(intSpaceAvail)
		}
	}
}

// storeLong packs a 128 bit response into the response registers the way the
// controller does: the CRC byte is stripped and the remaining 120 bits start
// at register 0 bit 0.
func (c *Controller) storeLong(v [4]uint32) {
	c.put32(regResponse3, v[0]>>8)
	c.put32(regResponse2, v[0]<<24|v[1]>>8)
	c.put32(regResponse1, v[1]<<24|v[2]>>8)
	c.put32(regResponse0, v[2]<<24|v[3]>>8)
}

func (c *Controller) tuneStep() {
	if c.TuningNeverDone {
		return
	}
	if c.TuningAttempts > 0 {
		c.TuningAttempts--
		return
	}
	hc2 := c.get16(regHostCtrl2) &^ hc2ExecTuning
	if !c.TuningNoSample {
		hc2 |= hc2SampleClkSel
	}
	c.put16(regHostCtrl2, hc2)
}

func (c *Controller) raise(bits uint16) {
	c.put16(regIntStatus, c.get16(regIntStatus)|bits)
}

func (c *Controller) raiseErr(bits uint16) {
	c.put16(regErrStatus, c.get16(regErrStatus)|bits)
	c.raise(intError)
}

func (c *Controller) reset(v uint8) {
	c.Resets = append(c.Resets, v)
	if v&resetAll != 0 {
		c.mem = [0x1000]byte{}
	}
	if v&(resetAll|resetData) != 0 {
		c.clearData()
	}
	c.mem[regSoftReset] = v & c.StickyReset
}

func (c *Controller) clearData() {
	c.outbound, c.outPos = nil, 0
	c.inbound, c.inTotal = nil, 0
	c.pausedOut, c.pausedIn = false, false
}

func (c *Controller) presentState() uint32 {
	var st uint32
	if c.StickyInhibit || c.InhibitReads > 0 {
		if c.InhibitReads > 0 {
			c.InhibitReads--
		}
		st |= stateCmdInhibit | stateDatInhibit
	}
	if c.card != nil && c.card.Inserted {
		st |= stateCardInserted | stateCardStable
		if !c.card.WriteProtected {
			st |= stateWriteEnabled
		}
	}
	if c.outbound != nil {
		st |= stateBufReadReady
	}
	if c.inTotal > 0 {
		st |= stateBufWriteReady
	}
	return st
}

// popData serves a buffer data port read on the PIO path.  Block boundaries
// re-raise buffer read ready, the end of the staged data raises transfer
// complete.
func (c *Controller) popData() uint32 {
	if c.outbound == nil || c.outPos+4 > len(c.outbound) {
		return 0
	}
	v := binary.LittleEndian.Uint32(c.outbound[c.outPos:])
	c.outPos += 4
	bsz := int(c.get16(regBlockSize) & 0xfff)
	switch {
	case c.outPos == len(c.outbound):
		c.outbound, c.outPos = nil, 0
		c.raise(intDataEnd)
	case bsz > 0 && c.outPos%bsz == 0:
		c.raise(intDataAvail)
	}
	return v
}

func (c *Controller) pushData(v uint32) {
	if c.inTotal == 0 || len(c.inbound) >= c.inTotal {
		return
	}
	c.inbound = binary.LittleEndian.AppendUint32(c.inbound, v)
	bsz := int(c.get16(regBlockSize) & 0xfff)
	switch {
	case len(c.inbound) >= c.inTotal:
		c.finishWrite()
	case bsz > 0 && len(c.inbound)%bsz == 0:
		c.raise(intSpaceAvail)
	}
}

func (c *Controller) finishWrite() {
	c.logCRCs(c.inbound, int(c.get16(regBlockSize)&0xfff))
	if c.card != nil {
		c.card.acceptData(c.inbound)
	}
	c.inbound, c.inTotal = nil, 0
	c.raise(intDataEnd)
}

func (c *Controller) logCRCs(p []byte, bsz int) {
	if bsz <= 0 {
		return
	}
	for i := 0; i+bsz <= len(p); i += bsz {
		c.DataCRCs = append(c.DataCRCs, blockCRC(p[i:i+bsz]))
	}
}

// boundary returns the SDMA buffer boundary from the block size register.
func (c *Controller) boundary() uint64 {
	return 4096 << (c.get16(regBlockSize) >> 12 & 7)
}

func (c *Controller) dmaOut(addr uint64) {
	bound := c.boundary()
	for c.outPos < len(c.outbound) {
		n := min(int(bound-addr%bound), len(c.outbound)-c.outPos)
		if !c.busCopy(addr, c.outbound[c.outPos:c.outPos+n], true) {
			c.raiseErr(ADMAErr)
			c.clearData()
			return
		}
		c.outPos += n
		addr += uint64(n)
		if c.outPos < len(c.outbound) && addr%bound == 0 {
			c.pausedOut = true
			c.raise(intDMAEnd)
			return
		}
	}
	c.outbound, c.outPos = nil, 0
	c.raise(intDataEnd)
}

func (c *Controller) dmaIn(addr uint64) {
	bound := c.boundary()
	for len(c.inbound) < c.inTotal {
		n := min(int(bound-addr%bound), c.inTotal-len(c.inbound))
		buf := make([]byte, n)
		if !c.busCopy(addr, buf, false) {
			c.raiseErr(ADMAErr)
			c.clearData()
			return
		}
		c.inbound = append(c.inbound, buf...)
		addr += uint64(n)
		if len(c.inbound) < c.inTotal && addr%bound == 0 {
			c.pausedIn = true
			c.raise(intDMAEnd)
			return
		}
	}
	c.finishWrite()
}

func (c *Controller) resumeDMA(addr uint64) {
	switch {
	case c.pausedOut:
		c.pausedOut = false
		c.dmaOut(addr)
	case c.pausedIn:
		c.pausedIn = false
		c.dmaIn(addr)
	}
}

// busCopy moves len(p) bytes between the emulated bus address space and p,
// out meaning towards memory.  It fails when the range is outside every
// allocated DMA window.
func (c *Controller) busCopy(addr uint64, p []byte, out bool) bool {
	for _, w := range c.windows {
		if addr >= w.bus && addr+uint64(len(p)) <= w.bus+uint64(len(w.p)) {
			if out {
				copy(w.p[addr-w.bus:], p)
			} else {
				copy(p, w.p[addr-w.bus:])
			}
			return true
		}
	}
	return false
}

func (c *Controller) updateDLL(v uint32) {
	if v&dllCtrlStart == 0 || v&dllCtrlBypass != 0 {
		return
	}
	st := uint32(dllLocked)
	if c.DLLNeverLocks {
		st = dllTimeout
	}
	c.put32(regDLLStatus0, st)
}

// DMABuffer allocates cache padded memory inside the emulated bus address
// space, eligible for the driver's SDMA path.
func (c *Controller) DMABuffer(size int) dma.Buffer {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	p := dma.MakePadded(size)
	buf := dma.External(p, c.nextBus)
	c.windows = append(c.windows, window{c.nextBus, p})
	c.nextBus += uint64((size + dma.CacheLineSize - 1) &^ (dma.CacheLineSize - 1))
	return buf
}

// BusAddress resolves a host pointer inside an allocated DMA window to its
// emulated bus address and zero outside every window.  Install it as the
// dma.BusAddress hook to let drivers resolve DMABuffer memory themselves.
func (c *Controller) BusAddress(addr uintptr) uint64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, w := range c.windows {
		base := uintptr(unsafe.Pointer(unsafe.SliceData(w.p)))
		if addr >= base && addr < base+uintptr(len(w.p)) {
			return w.bus + uint64(addr-base)
		}
	}
	return 0
}

// Ops returns the opcodes of all commands issued so far.
func (c *Controller) Ops() []uint8 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	ops := make([]uint8, len(c.Cmds))
	for i, r := range c.Cmds {
		ops[i] = r.Op
	}
	return ops
}

func (c *Controller) get16(off uint32) uint16 {
	return binary.LittleEndian.Uint16(c.mem[off:])
}

func (c *Controller) put16(off uint32, v uint16) {
	binary.LittleEndian.PutUint16(c.mem[off:], v)
}

func (c *Controller) get32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(c.mem[off:])
}

func (c *Controller) put32(off uint32, v uint32) {
	binary.LittleEndian.PutUint32(c.mem[off:], v)
}
