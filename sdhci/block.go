package sdhci

import (
	"fmt"

	"github.com/drivercraft/sdmmc/dma"
)

// BlockSize is the transfer unit of every card this driver negotiates.
// High capacity cards are fixed at 512 bytes and byte addressed cards get a
// SET_BLOCKLEN during negotiation.
const BlockSize = 512

// ReadBlocks reads count blocks starting at lba into p.  p must hold
// exactly count*BlockSize bytes; a count of zero succeeds without touching
// the card.
func (h *Host) ReadBlocks(lba uint32, count int, p []byte) error {
	return h.rwBlocks(lba, count, p, false)
}

// WriteBlocks writes count blocks from p starting at lba and waits for the
// card to leave its programming state.
func (h *Host) WriteBlocks(lba uint32, count int, p []byte) error {
	return h.rwBlocks(lba, count, p, true)
}

func (h *Host) rwBlocks(lba uint32, count int, p []byte, write bool) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if !h.present() {
		return ErrNoCard
	}
	card := h.card
	if card == nil || !card.ready {
		return ErrUnsupportedCard
	}
	if count == 0 {
		return nil
	}
	if count < 0 || count > 0xffff {
		return fmt.Errorf("%w: block count %d", ErrInvalidArgument, count)
	}
	if len(p) != count*BlockSize {
		return fmt.Errorf("%w: buffer is %d bytes, want %d", ErrIO, len(p), count*BlockSize)
	}
	if uint64(lba)+uint64(count) > uint64(card.blocks) {
		return fmt.Errorf("%w: blocks %d+%d beyond card end %d", ErrInvalidArgument, lba, count, card.blocks)
	}
	if write && !h.writable() {
		return fmt.Errorf("%w: card is write protected", ErrIO)
	}

	addr := lba
	if !card.sectors {
		addr = lba * BlockSize
	}

	multi := count > 1
	op := cmdReadSingle
	switch {
	case write && multi:
		op = cmdWriteMultiple
	case write:
		op = cmdWriteSingle
	case multi:
		op = cmdReadMultiple
	}

	buf := dma.Wrap(p)
	_, err := h.exec(&Command{
		Op:        op,
		Arg:       addr,
		Resp:      RespR1,
		Read:      !write,
		BlockSize: BlockSize,
		Blocks:    uint16(count),
		Buf:       &buf,
	})

	if multi {
		// Open ended transfers need CMD12 even after a failure, or the
		// card keeps driving the data lines.
		_, stopErr := h.exec(&Command{Op: cmdStopTransmission, Resp: RespR1b})
		if err == nil {
			err = stopErr
		}
	}
	if err != nil {
		return err
	}

	if write {
		if _, err := h.waitNotBusy(h.cfg.DataTimeout); err != nil {
			return err
		}
	}
	return nil
}
