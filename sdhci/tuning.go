package sdhci

import (
	"fmt"

	"github.com/drivercraft/sdmmc/mmio"
)

// executeTuning runs the SDHCI sampling clock tuning procedure.  The
// controller owns the loop state: we resend the tuning block until it clears
// the execute bit, then the sample select bit tells success from failure.
// Tuning blocks land in the controller's tuning FIFO, not in memory, so the
// commands carry a block size but no buffer.
func (h *Host) executeTuning(opcode uint8) error {
	blkSize := uint16(64)
	if h.card != nil && h.card.width == 8 {
		blkSize = 128
	}

	mmio.Set16(h.regs, regHostCtrl2, uint16(hc2ExecTuning))

	for i := 0; i < h.cfg.TuningRetries; i++ {
		_, err := h.exec(&Command{
			Op:        opcode,
			Resp:      RespR1,
			Read:      true,
			BlockSize: blkSize,
			Blocks:    1,
		})
		if err != nil {
			break
		}
		hc2 := hostCtrl2(h.regs.Read16(regHostCtrl2))
		if hc2&hc2ExecTuning == 0 {
			if hc2&hc2SampleClkSel != 0 {
				return nil
			}
			break
		}
	}

	// Abandon tuning: clear the loop bits and flush whatever the failed
	// attempts left in the command and data paths.
	mmio.Clr16(h.regs, regHostCtrl2, uint16(hc2ExecTuning|hc2SampleClkSel))
	if err := h.reset(resetCmd | resetData); err != nil {
		return err
	}
	return fmt.Errorf("%w: tuning failed on command %d", ErrIO, opcode)
}
