package sdhci

import (
	"fmt"
	"runtime"

	"github.com/drivercraft/sdmmc/dma"
)

// RespKind describes the response expected for a command, composed from the
// presence, length, CRC, busy and opcode-echo properties of the wire format.
type RespKind uint8

const (
	respPresent RespKind = 1 << iota
	resp136
	respCRC
	respBusy
	respOpcode
)

const (
	RespNone RespKind = 0
	RespR1   RespKind = respPresent | respCRC | respOpcode
	RespR1b  RespKind = respPresent | respCRC | respOpcode | respBusy
	RespR2   RespKind = respPresent | resp136 | respCRC
	RespR3   RespKind = respPresent
	RespR6   RespKind = RespR1
	RespR7   RespKind = RespR1
)

// A Command describes a single command issued to the card, optionally with a
// data phase.  A data phase is present iff Buf is non-nil; a read-direction
// command with a block size but no buffer is a tuning command whose block is
// consumed by the controller.
type Command struct {
	Op   uint8
	Arg  uint32
	Resp RespKind

	Read      bool
	BlockSize uint16
	Blocks    uint16
	Buf       *dma.Buffer
}

func (c *Command) data() bool   { return c.Buf != nil }
func (c *Command) tuning() bool { return c.Buf == nil && c.BlockSize != 0 && c.Read }

// Response holds the RESPONSE register words after a successful command.
type Response [4]uint32

// R1 returns the 32 bit card status of an R1/R1b/R3/R6/R7 response.
func (r Response) R1() uint32 { return r[0] }

// R2 reassembles the 120 bit window of a long response into four words, most
// significant first.  The controller strips the CRC byte of the 136 bit
// frame, so each register word is shifted up a byte, carrying in the top
// byte of the next lower word.  The result has CID/CSD bit 127 at word 0
// bit 31 and bit 8 at word 3 bit 8.
func (r Response) R2() [4]uint32 {
	var w [4]uint32
	for i := range w {
		w[i] = r[3-i] << 8
		if i != 3 {
			w[i] |= r[2-i] >> 24
		}
	}
	return w
}

// exec issues cmd and waits for its completion, including the data phase.
// It implements the shared engine underneath all card operations: wait for
// the bus, program the transfer, issue, poll for completion, classify
// errors and recover the lines.  Callers hold h.mtx.
func (h *Host) exec(cmd *Command) (Response, error) {
	data := cmd.data()
	if data && (cmd.BlockSize == 0 || cmd.Blocks == 0 ||
		cmd.Buf.Len() < int(cmd.BlockSize)*int(cmd.Blocks)) {
		return Response{}, fmt.Errorf("%w: data command %d without usable buffer", ErrMemory, cmd.Op)
	}

	if err := h.waitIdle(cmd); err != nil {
		return Response{}, err
	}

	h.regs.Write16(regIntStatus, 0xffff)
	h.regs.Write16(regErrStatus, 0xffff)

	events := intResponse
	busAddr := uint64(0)
	switch {
	case data:
		busAddr = h.setupData(cmd)
	case cmd.tuning():
		h.regs.Write16(regBlockSize, sdmaBoundaryArg<<12|cmd.BlockSize&0xfff)
		h.regs.Write16(regBlockCount, 1)
		h.regs.Write16(regXferMode, uint16(xferRead))
		events = intDataAvail
	case cmd.Resp&respBusy != 0:
		// Busy is signalled on DAT0, the data timeout applies.
		h.regs.Write8(regTimeoutCtrl, dataTimeoutMax)
		events |= intDataEnd
	}

	h.regs.Write32(regArgument, cmd.Arg)
	h.regs.Write16(regCommand, commandWord(cmd))

	if err := h.awaitEvents(cmd, events); err != nil {
		return Response{}, err
	}

	var rsp Response
	if cmd.Resp&respPresent != 0 {
		rsp[0] = h.regs.Read32(regResponse0)
		if cmd.Resp&resp136 != 0 {
			rsp[1] = h.regs.Read32(regResponse1)
			rsp[2] = h.regs.Read32(regResponse2)
			rsp[3] = h.regs.Read32(regResponse3)
		}
	}

	if data {
		if err := h.pump(cmd, busAddr); err != nil {
			return Response{}, err
		}
	}

	h.regs.Write16(regIntStatus, uint16(events))
	return rsp, nil
}

// waitIdle blocks until the controller accepts another command.  The wait
// budget starts at the configured command timeout and doubles on each expiry
// up to the configured maximum; running out of budget means the controller
// is wedged and no command is issued.
func (h *Host) waitIdle(cmd *Command) error {
	mask := stateCmdInhibit
	// STOP_TRANSMISSION must go out while DAT is busy, everything else
	// waits for the data lines.
	if (cmd.data() || cmd.Resp&respBusy != 0) && cmd.Op != cmdStopTransmission {
		mask |= stateDatInhibit
	}

	budget := h.cfg.CmdTimeout
	dl := h.deadline(budget)
	for pstate(h.regs.Read32(regPresent))&mask != 0 {
		if h.now() > dl {
			budget *= 2
			if budget > h.cfg.CmdTimeoutMax {
				return fmt.Errorf("%w: inhibit never released for command %d", ErrTimeout, cmd.Op)
			}
			dl = h.deadline(budget)
		}
		runtime.Gosched()
	}
	return nil
}

// setupData programs the block transfer registers and decides between SDMA
// and programmed IO.  It returns the bus address the transfer was programmed
// with, zero for the PIO path.
func (h *Host) setupData(cmd *Command) uint64 {
	h.regs.Write8(regTimeoutCtrl, dataTimeoutMax)

	mode := xferBlockCount
	if cmd.Blocks > 1 {
		mode |= xferMulti
	}
	if cmd.Read {
		mode |= xferRead
	}

	busAddr := cmd.Buf.BusAddr()
	length := uint64(cmd.Buf.Len())
	// SDMA addresses are 32 bit; buffers beyond take the PIO path, as do
	// unpadded buffers that can't be cache maintained.
	if h.cfg.ForcePIO || !h.canSDMA || busAddr == 0 ||
		busAddr+length > 1<<32 || !dma.IsPadded(cmd.Buf.Bytes()) {
		busAddr = 0
	} else {
		if cmd.Read {
			cmd.Buf.Invalidate()
		} else {
			cmd.Buf.Writeback()
		}
		h.regs.Write32(regSDMAAddr, uint32(busAddr))
		mode |= xferDMA
	}

	h.regs.Write16(regBlockSize, sdmaBoundaryArg<<12|cmd.BlockSize&0xfff)
	h.regs.Write16(regBlockCount, cmd.Blocks)
	h.regs.Write16(regXferMode, uint16(mode))
	return busAddr
}

func commandWord(cmd *Command) uint16 {
	var flags cmdFlags
	switch {
	case cmd.Resp&respPresent == 0:
		flags = cmdRespNone
	case cmd.Resp&resp136 != 0:
		flags = cmdRespLong
	case cmd.Resp&respBusy != 0:
		flags = cmdRespShortBusy
	default:
		flags = cmdRespShort
	}
	if cmd.Resp&respCRC != 0 {
		flags |= cmdCRCCheck
	}
	if cmd.Resp&respOpcode != 0 {
		flags |= cmdIndexCheck
	}
	if cmd.data() || cmd.tuning() {
		flags |= cmdDataPresent
	}
	return uint16(cmd.Op)<<8 | uint16(flags)
}

// awaitEvents polls the interrupt status until all expected events are set
// or the error summary bit rises.  GO_IDLE_STATE and SEND_OP_COND get the
// maximum budget immediately, cards are allowed to be slow directly after
// power-up.
func (h *Host) awaitEvents(cmd *Command, events intStat) error {
	budget := h.cfg.CmdTimeout
	if cmd.Op == cmdGoIdle || cmd.Op == cmdSendOpCond {
		budget = h.cfg.CmdTimeoutMax
	}
	dl := h.deadline(budget)
	for {
		status := intStat(h.regs.Read16(regIntStatus))
		if status&intError != 0 {
			return h.classify(cmd)
		}
		if status&events == events {
			return nil
		}
		if h.now() > dl {
			if budget >= h.cfg.CmdTimeoutMax {
				h.reset(resetCmd)
				if cmd.data() {
					h.reset(resetData)
				}
				return fmt.Errorf("%w: no response to command %d", ErrTimeout, cmd.Op)
			}
			budget = min(budget*2, h.cfg.CmdTimeoutMax)
			dl = h.deadline(budget)
		}
		runtime.Gosched()
	}
}

// pump services an ongoing data transfer until transfer complete: reads and
// writes the data port on the PIO path, re-programs the SDMA address on each
// boundary pause on the DMA path.
func (h *Host) pump(cmd *Command, busAddr uint64) error {
	p := cmd.Buf.Bytes()
	total := int(cmd.BlockSize) * int(cmd.Blocks)
	offset := 0
	next := busAddr

	dl := h.deadline(h.cfg.DataTimeout)
	for {
		status := intStat(h.regs.Read16(regIntStatus))
		if status&intError != 0 {
			return h.classify(cmd)
		}
		if status&intDataEnd != 0 {
			h.regs.Write16(regIntStatus, uint16(intDataEnd))
			return nil
		}
		switch {
		case busAddr == 0 && status&(intDataAvail|intSpaceAvail) != 0 && offset < total:
			h.regs.Write16(regIntStatus, uint16(intDataAvail|intSpaceAvail))
			n := min(int(cmd.BlockSize), total-offset)
			if cmd.Read {
				h.readPort(p[offset : offset+n])
			} else {
				h.writePort(p[offset : offset+n])
			}
			offset += n
			dl = h.deadline(h.cfg.DataTimeout)
		case busAddr != 0 && status&intDMAEnd != 0:
			h.regs.Write16(regIntStatus, uint16(intDMAEnd))
			next = next&^(sdmaBoundarySize-1) + sdmaBoundarySize
			h.regs.Write32(regSDMAAddr, uint32(next))
			dl = h.deadline(h.cfg.DataTimeout)
		default:
			if h.now() > dl {
				h.reset(resetCmd)
				h.reset(resetData)
				return fmt.Errorf("%w: transfer stalled at %v/%v bytes", ErrDataTimeout, offset, total)
			}
			runtime.Gosched()
		}
	}
}

func (h *Host) readPort(p []byte) {
	for i := 0; i < len(p); i += 4 {
		v := h.regs.Read32(regBufData)
		for j := 0; j < 4 && i+j < len(p); j++ {
			p[i+j] = byte(v >> (8 * j))
		}
	}
}

func (h *Host) writePort(p []byte) {
	for i := 0; i < len(p); i += 4 {
		var v uint32
		for j := 0; j < 4 && i+j < len(p); j++ {
			v |= uint32(p[i+j]) << (8 * j)
		}
		h.regs.Write32(regBufData, v)
	}
}

// classify reads the error status, recovers the CMD (and if involved, DAT)
// line with a software reset and maps the highest priority error bit to its
// sentinel.
func (h *Host) classify(cmd *Command) error {
	errs := errStat(h.regs.Read16(regErrStatus))
	data := cmd.data()

	h.reset(resetCmd)
	// Busy responses signal on DAT0, so a failed R1b command can leave the
	// data path wedged just like a data transfer.
	if data || cmd.Resp&respBusy != 0 {
		h.reset(resetData)
	}
	h.regs.Write16(regErrStatus, 0xffff)
	h.regs.Write16(regIntStatus, 0xffff)

	var err error
	switch {
	case errs&eintCmdTimeout != 0:
		err = ErrTimeout
	case errs&eintCmdCRC != 0:
		err = ErrCRC
	case errs&eintCmdEndBit != 0:
		err = ErrEndBit
	case errs&eintCmdIndex != 0:
		err = ErrIndex
	case errs&eintDataTimeout != 0:
		err = ErrDataTimeout
	case errs&eintDataCRC != 0:
		err = ErrDataCRC
	case errs&eintDataEndBit != 0:
		err = ErrDataEndBit
	case errs&eintCurrentLimit != 0:
		err = ErrCurrentLimit
	case data:
		err = ErrData
	default:
		err = ErrCommand
	}
	return fmt.Errorf("%w: command %d, error status %#04x", err, cmd.Op, uint16(errs))
}
