package sdhci

import "fmt"

// CardInfo is the decoded identity of the attached card.
type CardInfo struct {
	Type         CardType
	Manufacturer uint8  // CID MID
	OEM          uint16 // CID OID; two ASCII chars on SD cards
	Name         string // CID PNM
	Revision     string // CID PRV, major.minor
	Serial       uint32 // CID PSN
	Month        int    // manufacturing date
	Year         int

	Blocks   uint32 // capacity in 512 byte blocks
	Capacity int64  // capacity in bytes

	BusWidth int
	Timing   Timing
	Clock    int64
}

func (i CardInfo) String() string {
	return fmt.Sprintf("%s %q rev %s serial %08x (%d/%d), %d MiB, %d bit %s @ %d MHz",
		i.Type, i.Name, i.Revision, i.Serial, i.Month, i.Year,
		i.Capacity>>20, i.BusWidth, i.Timing, i.Clock/1_000_000)
}

// Info returns the identity of the initialized card.
func (h *Host) Info() (CardInfo, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.card == nil || !h.card.ready {
		return CardInfo{}, fmt.Errorf("%w: not initialized", ErrUnsupportedCard)
	}
	return h.card.info(), nil
}

func (c *Card) info() CardInfo {
	info := CardInfo{
		Type:     c.typ,
		Blocks:   c.blocks,
		Capacity: int64(c.blocks) * 512,
		BusWidth: c.width,
		Timing:   c.timing,
		Clock:    c.clock,
	}

	w := c.cid
	info.Manufacturer = uint8(w[0] >> 24)
	prv := uint8(0)
	switch c.typ {
	case CardSD, CardSDHC:
		// SD CID: 2 char OID, 5 char name, date at bits 19:8.
		info.OEM = uint16(w[0] >> 8)
		info.Name = cidString([]byte{
			byte(w[0]), byte(w[1] >> 24), byte(w[1] >> 16),
			byte(w[1] >> 8), byte(w[1]),
		})
		prv = uint8(w[2] >> 24)
		info.Serial = w[2]<<8 | w[3]>>24
		info.Year = 2000 + int(w[3]>>12&0xff)
		info.Month = int(w[3] >> 8 & 0xf)
	default:
		// eMMC CID: 1 byte OID, 6 char name, date at bits 15:8.
		info.OEM = uint16(w[0] >> 8 & 0xff)
		info.Name = cidString([]byte{
			byte(w[0]), byte(w[1] >> 24), byte(w[1] >> 16),
			byte(w[1] >> 8), byte(w[1]), byte(w[2] >> 24),
		})
		prv = uint8(w[2] >> 16)
		info.Serial = w[2]<<16 | w[3]>>16
		info.Year = 1997 + int(w[3]>>8&0xf)
		info.Month = int(w[3] >> 12 & 0xf)
		// The 4 bit year code wrapped in 2013, EXT_CSD revisions above 4
		// only exist on the second lap.
		if len(c.extCSD) > extCSDRev && c.extCSD[extCSDRev] > 4 && info.Year < 2010 {
			info.Year += 16
		}
	}
	info.Revision = fmt.Sprintf("%d.%d", prv>>4, prv&0xf)
	return info
}

// cidString trims the space padding vendors put in unused name bytes.
func cidString(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}
