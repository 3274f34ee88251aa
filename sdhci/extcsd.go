package sdhci

import (
	"encoding/binary"
	"fmt"

	"github.com/drivercraft/sdmmc/dma"
)

// EXT_CSD byte indices
const (
	extCSDPartitioning   = 160 // PARTITIONING_SUPPORT
	extCSDEraseGroupDef  = 175
	extCSDBusWidth       = 183
	extCSDHSTiming       = 185
	extCSDRev            = 192
	extCSDCardType       = 196
	extCSDSecCnt         = 212 // 4 bytes, little endian
	extCSDHCWPGrpSize    = 221
	extCSDHCEraseGrpSize = 224
)

// EXT_CSD_CARD_TYPE bits
const (
	cardTypeHS26      = 1 << 0
	cardTypeHS52      = 1 << 1
	cardTypeDDR52     = 3 << 2
	cardTypeHS200_18V = 1 << 4
	cardTypeHS200_12V = 1 << 5
	cardTypeHS200     = cardTypeHS200_18V | cardTypeHS200_12V
)

// EXT_CSD_HS_TIMING values
const (
	timingBackwards uint8 = 0
	timingHighSpeed uint8 = 1
	timingHS200     uint8 = 2
)

// EXT_CSD_BUS_WIDTH values
const (
	busWidth1 uint8 = 0
	busWidth4 uint8 = 1
	busWidth8 uint8 = 2
)

func busWidthValue(width int) uint8 {
	switch width {
	case 8:
		return busWidth8
	case 4:
		return busWidth4
	}
	return busWidth1
}

// readExtCSD fetches the card's 512 byte extended CSD.
func (h *Host) readExtCSD() ([]byte, error) {
	buf := dma.Alloc(512)
	_, err := h.exec(&Command{
		Op:        cmdSendIfCond, // CMD8 is SEND_EXT_CSD on eMMC
		Resp:      RespR1,
		Read:      true,
		BlockSize: 512,
		Blocks:    1,
		Buf:       &buf,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// extCSDSecCount returns the sector count field, the capacity of sector
// addressed cards.
func extCSDSecCount(extCSD []byte) uint32 {
	return binary.LittleEndian.Uint32(extCSD[extCSDSecCnt:])
}

// stableExtCSDFields are bytes a bus width SWITCH may not change.  Comparing
// them after the switch verifies the new width actually moves data
// correctly in both directions.
var stableExtCSDFields = []int{
	extCSDPartitioning,
	extCSDEraseGroupDef,
	extCSDRev,
	extCSDHCEraseGrpSize,
	extCSDHCWPGrpSize,
	extCSDSecCnt, extCSDSecCnt + 1, extCSDSecCnt + 2, extCSDSecCnt + 3,
}

func verifyExtCSD(ref, got []byte) error {
	for _, i := range stableExtCSDFields {
		if ref[i] != got[i] {
			return fmt.Errorf("%w: EXT_CSD byte %v reads %#02x, expected %#02x",
				ErrIO, i, got[i], ref[i])
		}
	}
	return nil
}
