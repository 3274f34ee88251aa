package sdhci

// decodeCSD extracts version and capacity from the card's CSD.  The window
// layout is the one Response.R2 produces: bit 127 at word 0 bit 31, the
// frame's CRC byte stripped.
//
// Sector addressed cards ignore the CSD capacity fields, their size comes
// from the CSD v2 c_size (SD) or EXT_CSD sector count (eMMC).
func (c *Card) decodeCSD() {
	w := c.csd
	structure := w[0] >> 30

	c.tranSpeed = uint8(w[0])
	if c.typ == CardMMC || c.typ == CardMMCHC {
		c.specVers = uint8(w[0] >> 26 & 0xf)
	}

	if structure == 1 && (c.typ == CardSD || c.typ == CardSDHC) {
		// CSD v2: fixed 512 byte blocks in 512 KiB units.
		csize := (w[1]&0x3f)<<16 | w[2]>>16
		c.blocks = (csize + 1) * 1024
		c.sectors = true
		return
	}

	// CSD v1 and eMMC: capacity in card native blocks.
	csize := (w[1]&0x3ff)<<2 | w[2]>>30
	mult := w[2] >> 15 & 0x7
	readBlLen := w[1] >> 16 & 0xf
	bytes := uint64(csize+1) << (mult + 2) << readBlLen
	if !c.sectors {
		c.blocks = uint32(bytes / 512)
	}
}
