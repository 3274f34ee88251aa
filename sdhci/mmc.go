package sdhci

import (
	"fmt"
	"time"

	"github.com/drivercraft/sdmmc/mmio"
)

// initMMC negotiates an eMMC device from idle to transfer state: OCR,
// identification, addressing, EXT_CSD, then the widest working bus and the
// fastest supported timing.
func (h *Host) initMMC() error {
	card := &Card{typ: CardMMC, rca: h.cfg.RCA}

	if _, err := h.exec(&Command{Op: cmdGoIdle}); err != nil {
		return err
	}
	time.Sleep(h.cfg.SettleDelay)

	if err := h.negotiateOCR(card); err != nil {
		return err
	}

	rsp, err := h.exec(&Command{Op: cmdAllSendCID, Resp: RespR2})
	if err != nil {
		return err
	}
	card.cid = rsp.R2()

	// eMMC relative addresses are assigned by the host.
	rca := uint32(card.rca) << 16
	if _, err := h.exec(&Command{Op: cmdSetRelativeAddr, Arg: rca, Resp: RespR1}); err != nil {
		return err
	}

	if rsp, err = h.exec(&Command{Op: cmdSendCSD, Arg: rca, Resp: RespR2}); err != nil {
		return err
	}
	card.csd = rsp.R2()
	card.decodeCSD()

	if _, err := h.exec(&Command{Op: cmdSelectCard, Arg: rca, Resp: RespR1}); err != nil {
		return err
	}

	// Status polling needs the card published from here on.
	h.card = card
	defer func() {
		if !card.ready {
			h.card = nil
		}
	}()

	if card.specVers >= 4 {
		extCSD, err := h.readExtCSD()
		if err != nil {
			return err
		}
		card.extCSD = extCSD
		if extCSD[extCSDRev] >= 2 && card.sectors {
			if cnt := extCSDSecCount(extCSD); cnt > 0 {
				card.blocks = cnt
			}
		}
	}

	if err := h.negotiateWidth(card); err != nil {
		return err
	}
	if err := h.negotiateTiming(card); err != nil {
		return err
	}

	if !card.sectors {
		if _, err := h.exec(&Command{Op: cmdSetBlocklen, Arg: 512, Resp: RespR1}); err != nil {
			return err
		}
	}

	card.ready = true
	return nil
}

// negotiateOCR runs the SEND_OP_COND loop: one probe with a zero argument
// to learn the card's windows, then bounded retries proposing our voltage
// window and sector addressing until the card reports ready.
func (h *Host) negotiateOCR(card *Card) error {
	rsp, err := h.exec(&Command{Op: cmdSendOpCond, Resp: RespR3})
	if err != nil {
		return err
	}
	time.Sleep(h.cfg.SettleDelay)

	arg := ocrHCS | h.voltages&(rsp.R1()&ocrVoltageMask) | rsp.R1()&ocrAccessMode

	var ocr uint32
	for i := 0; i < h.cfg.OCRRetries; i++ {
		if rsp, err = h.exec(&Command{Op: cmdSendOpCond, Arg: arg, Resp: RespR3}); err != nil {
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
	if ocr&ocrHCS != 0 {
		card.typ = CardMMCHC
		card.sectors = true
	}
	return nil
}

// negotiateWidth probes bus widths widest first.  Every probe switches the
// card, reconfigures the host and verifies the stable EXT_CSD fields still
// read back unchanged over the new data lines.  A width that fails is never
// retried; 1 bit is the wired-or fallback and needs no switch.
func (h *Host) negotiateWidth(card *Card) error {
	card.width = 1
	if card.extCSD == nil {
		h.setBusWidth(1)
		return nil
	}

	for _, w := range []int{8, 4} {
		if w > h.cfg.MaxWidth || (w == 8 && !h.can8Bit) {
			continue
		}
		if err := h.mmcSwitch(extCSDBusWidth, busWidthValue(w)); err != nil {
			continue
		}
		h.setBusWidth(w)
		got, err := h.readExtCSD()
		if err == nil {
			err = verifyExtCSD(card.extCSD, got)
		}
		if err == nil {
			card.width = w
			return nil
		}
		h.setBusWidth(1)
	}
	return nil
}

// negotiateTiming moves the card to the fastest timing card and host agree
// on: HS200 with tuning, else 52 MHz high speed, else 26 MHz legacy.  Each
// failed step falls back to the next slower one.
func (h *Host) negotiateTiming(card *Card) error {
	var cardType uint8
	if card.extCSD != nil {
		cardType = card.extCSD[extCSDCardType]
	}

	if cardType&cardTypeHS200 != 0 && h.caps2&capSDR104 != 0 && card.width >= 4 {
		if err := h.switchHS200(card); err == nil {
			return nil
		}
		if err := h.recoverTiming(); err != nil {
			return err
		}
	}

	if cardType&cardTypeHS52 != 0 {
		if err := h.switchHS(card); err == nil {
			return nil
		}
	}

	mmio.Clr8(h.regs, regHostCtrl1, hc1HighSpeed)
	card.timing = TimingLegacy
	card.clock = h.cfg.LegacyClock
	return h.setClock(card.clock)
}

func (h *Host) switchHS(card *Card) error {
	if err := h.mmcSwitch(extCSDHSTiming, timingHighSpeed); err != nil {
		return err
	}
	mmio.Set8(h.regs, regHostCtrl1, hc1HighSpeed)
	if err := h.setClock(h.cfg.HSClock); err != nil {
		return err
	}
	card.timing = TimingHS
	card.clock = h.cfg.HSClock
	return nil
}

func (h *Host) switchHS200(card *Card) error {
	if err := h.mmcSwitch(extCSDHSTiming, timingHS200); err != nil {
		return err
	}
	hc2 := hostCtrl2(h.regs.Read16(regHostCtrl2))&^hc2UHSMask | hc2SDR104
	h.regs.Write16(regHostCtrl2, uint16(hc2))
	if err := h.setClock(h.cfg.HS200Clock); err != nil {
		return err
	}
	if err := h.executeTuning(cmdSendTuningHS200); err != nil {
		return err
	}
	card.timing = TimingHS200
	card.clock = h.cfg.HS200Clock
	return nil
}

// recoverTiming drops the bus back to a defined slow configuration after a
// failed timing upgrade, so the following fallback step starts from safe
// ground.
func (h *Host) recoverTiming() error {
	mmio.Clr16(h.regs, regHostCtrl2, uint16(hc2UHSMask|hc2SampleClkSel))
	return h.setClock(h.cfg.LegacyClock)
}
