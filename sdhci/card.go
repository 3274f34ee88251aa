package sdhci

import (
	"fmt"
	"runtime"
	"time"
)

// CardType identifies the attached card's family and addressing class.
type CardType uint8

const (
	CardUnknown CardType = iota
	CardMMC              // eMMC, byte addressed
	CardMMCHC            // eMMC, sector addressed
	CardSD               // SD 1.x/2.0 standard capacity, byte addressed
	CardSDHC             // SDHC/SDXC, sector addressed
)

func (t CardType) String() string {
	switch t {
	case CardMMC:
		return "MMC"
	case CardMMCHC:
		return "MMC high capacity"
	case CardSD:
		return "SD"
	case CardSDHC:
		return "SDHC"
	}
	return "unknown"
}

// Card is the negotiated state of the attached card.
type Card struct {
	typ CardType
	rca uint16
	ocr uint32

	cid [4]uint32 // reassembled long response windows, bit 127 at
	csd [4]uint32 // word 0 bit 31

	specVers  uint8 // CSD SPEC_VERS, eMMC
	tranSpeed uint8
	extCSD    []byte

	blocks  uint32 // capacity in 512 byte blocks
	sectors bool   // sector addressed

	width  int
	timing Timing
	clock  int64
	ready  bool
}

// Type returns the card's family.
func (c *Card) Type() CardType { return c.typ }

// Blocks returns the card's capacity in 512 byte blocks.
func (c *Card) Blocks() uint32 { return c.blocks }

// RCA returns the card's relative address on the bus.
func (c *Card) RCA() uint16 { return c.rca }

// Width returns the negotiated data bus width in lines.
func (c *Card) Width() int { return c.width }

// Timing returns the negotiated bus timing mode.
func (c *Card) Timing() Timing { return c.timing }

// Clock returns the negotiated bus clock in Hz.
func (c *Card) Clock() int64 { return c.clock }

// Blocks returns the capacity of the attached card in 512 byte blocks.
func (h *Host) Blocks() (uint32, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.card == nil || !h.card.ready {
		return 0, fmt.Errorf("%w: not initialized", ErrUnsupportedCard)
	}
	return h.card.blocks, nil
}

// Status sends SEND_STATUS and returns the card's 32 bit status word.
func (h *Host) Status() (uint32, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.card == nil {
		return 0, fmt.Errorf("%w: not initialized", ErrUnsupportedCard)
	}
	return h.status()
}

func (h *Host) status() (uint32, error) {
	rsp, err := h.exec(&Command{
		Op:   cmdSendStatus,
		Arg:  uint32(h.card.rca) << 16,
		Resp: RespR1,
	})
	return rsp.R1(), err
}

// waitNotBusy polls the card status until it is back in transfer state and
// ready for data, i.e. has left the prg state after a busy signalling
// operation.  It returns the last observed status word.
func (h *Host) waitNotBusy(d time.Duration) (uint32, error) {
	dl := h.deadline(d)
	for {
		st, err := h.status()
		if err != nil {
			return st, err
		}
		if st&statusReadyForData != 0 && cardState(st) != cardStatePrg {
			return st, nil
		}
		if h.now() > dl {
			return st, fmt.Errorf("%w: card stuck in prg state", ErrTimeout)
		}
		runtime.Gosched()
	}
}

// mmcSwitch writes one EXT_CSD byte via SWITCH and waits for the card to
// finish the change.  A switch error reported in the card status is a
// protocol level rejection, not a transport failure.
func (h *Host) mmcSwitch(index, value uint8) error {
	const writeByte = 3
	arg := uint32(writeByte)<<24 | uint32(index)<<16 | uint32(value)<<8
	if _, err := h.exec(&Command{Op: cmdSwitch, Arg: arg, Resp: RespR1b}); err != nil {
		return err
	}
	st, err := h.waitNotBusy(h.cfg.BusyTimeout)
	if err != nil {
		return err
	}
	if st&statusSwitchError != 0 {
		return fmt.Errorf("%w: SWITCH %v=%v rejected", ErrBadMessage, index, value)
	}
	return nil
}

// setBusWidth programs the controller's data line count.
func (h *Host) setBusWidth(width int) {
	hc1 := h.regs.Read8(regHostCtrl1) &^ (hc14Bit | hc18Bit)
	switch width {
	case 4:
		hc1 |= hc14Bit
	case 8:
		hc1 |= hc18Bit
	}
	h.regs.Write8(regHostCtrl1, hc1)
}
