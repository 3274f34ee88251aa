package sdhci

import (
	"errors"
	"fmt"
	"time"
)

// SD cards run the legacy 25 MHz rate after negotiation.
const sdClock = 25_000_000

// initSD negotiates an SD card: interface condition, ACMD41 power up,
// identification, then 4 bit bus at 25 MHz.  A card that never answers CMD8
// is treated as SD 1.x and probed without the high capacity bit.
func (h *Host) initSD() error {
	card := &Card{typ: CardSD}

	if _, err := h.exec(&Command{Op: cmdGoIdle}); err != nil {
		return err
	}
	time.Sleep(h.cfg.SettleDelay)

	// CMD8 echoes the check pattern on 2.0 cards; 1.x cards stay silent
	// and the command times out, which is not a failure.
	v2 := false
	rsp, err := h.exec(&Command{Op: cmdSendIfCond, Arg: ifCondArg, Resp: RespR7})
	switch {
	case err == nil && rsp.R1()&0xfff == ifCondArg:
		v2 = true
	case err == nil:
		return fmt.Errorf("%w: CMD8 echoed %#08x", ErrUnsupportedCard, rsp.R1())
	case !errors.Is(err, ErrTimeout):
		return err
	}

	if err := h.negotiateSDOCR(card, v2); err != nil {
		return err
	}

	if rsp, err = h.exec(&Command{Op: cmdAllSendCID, Resp: RespR2}); err != nil {
		return err
	}
	card.cid = rsp.R2()

	// SD relative addresses are published by the card.
	if rsp, err = h.exec(&Command{Op: cmdSetRelativeAddr, Resp: RespR6}); err != nil {
		return err
	}
	card.rca = uint16(rsp.R1() >> 16)
	rca := uint32(card.rca) << 16

	if rsp, err = h.exec(&Command{Op: cmdSendCSD, Arg: rca, Resp: RespR2}); err != nil {
		return err
	}
	card.csd = rsp.R2()
	card.decodeCSD()

	if _, err := h.exec(&Command{Op: cmdSelectCard, Arg: rca, Resp: RespR1}); err != nil {
		return err
	}

	h.card = card
	defer func() {
		if !card.ready {
			h.card = nil
		}
	}()

	if _, err := h.exec(&Command{Op: cmdSetBlocklen, Arg: 512, Resp: RespR1}); err != nil {
		return err
	}

	card.width = 1
	if h.cfg.MaxWidth >= 4 {
		if err := h.appCommand(acmdSetBusWidth, 2); err != nil {
			return err
		}
		h.setBusWidth(4)
		card.width = 4
	}

	// TODO: probe CMD6 for the 50 MHz high speed function.
	card.timing = TimingLegacy
	card.clock = sdClock
	if err := h.setClock(card.clock); err != nil {
		return err
	}

	card.ready = true
	return nil
}

// negotiateSDOCR runs the ACMD41 loop until the card leaves power up busy.
// 2.0 cards are offered the high capacity bit and report CCS back when they
// are sector addressed.
func (h *Host) negotiateSDOCR(card *Card, v2 bool) error {
	arg := h.voltages & ocrVoltageMask
	if v2 {
		arg |= ocrHCS
	}

	var ocr uint32
	for i := 0; i < h.cfg.OCRRetries; i++ {
		if _, err := h.exec(&Command{Op: cmdAppCmd, Resp: RespR1}); err != nil {
			return err
		}
		rsp, err := h.exec(&Command{Op: acmdOpCond, Arg: arg, Resp: RespR3})
		if err != nil {
			return err
		}
		ocr = rsp.R1()
		if ocr&ocrBusy != 0 {
			break
		}
		time.Sleep(h.cfg.OCRDelay)
	}
	if ocr&ocrBusy == 0 {
		return fmt.Errorf("%w: card busy after %v OCR polls", ErrUnsupportedCard, h.cfg.OCRRetries)
	}

	card.ocr = ocr
	if v2 && ocr&ocrHCS != 0 {
		card.typ = CardSDHC
		card.sectors = true
	}
	return nil
}

// appCommand prefixes an application command with APP_CMD for the selected
// card.
func (h *Host) appCommand(op uint8, arg uint32) error {
	rca := uint32(0)
	if h.card != nil {
		rca = uint32(h.card.rca) << 16
	}
	rsp, err := h.exec(&Command{Op: cmdAppCmd, Arg: rca, Resp: RespR1})
	if err != nil {
		return err
	}
	if rsp.R1()&statusAppCmd == 0 {
		return fmt.Errorf("%w: APP_CMD not accepted", ErrBadMessage)
	}
	_, err = h.exec(&Command{Op: op, Arg: arg, Resp: RespR1})
	return err
}
