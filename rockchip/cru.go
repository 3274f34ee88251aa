// Package rockchip programs the RK3568 clock and reset unit (CRU) fields
// that feed the eMMC controller: the core clock mux and the sample phase
// adjustment.
package rockchip

import (
	"fmt"

	"github.com/drivercraft/sdmmc/mmio"
	"github.com/drivercraft/sdmmc/sdhci"
)

const (
	clkSelCon28 uint32 = 0x170
	emmcCon0    uint32 = 0x598
	emmcCon1    uint32 = 0x59c
)

const (
	cclkSelShift        = 12
	cclkSelMask  uint32 = 0x7 << cclkSelShift
	bclkSelShift        = 8
	bclkSelMask  uint32 = 0x3 << bclkSelShift

	bclkSel200M uint32 = 0
)

// The eMMC core clock has six fixed sources.
var cclkSources = []struct {
	sel uint32
	hz  int64
}{
	{0, 24_000_000},
	{1, 200_000_000},
	{2, 150_000_000},
	{3, 100_000_000},
	{4, 50_000_000},
	{5, 375_000},
}

const (
	phaseDelaySel       uint32 = 0x1
	phaseDegreeMask     uint32 = 0x3
	phaseDelayNumOffset uint32 = 2
	phaseDelayNumMask   uint32 = 0xff << phaseDelayNumOffset
	phaseDelayElementPs uint32 = 100
)

// CRU is a window into the clock and reset unit's register file.
type CRU struct {
	regs mmio.Bank
}

func NewCRU(regs mmio.Bank) *CRU {
	return &CRU{regs: regs}
}

// clrset updates a field through the CRU's write mask: the upper halfword
// enables exactly the bits being written, all others keep their value.
func (c *CRU) clrset(off, mask, val uint32) {
	c.regs.Write32(off, (mask|val)<<16|val)
}

// EMMC returns the clock feeding the eMMC controller.  It implements
// sdhci.Clock.
func (c *CRU) EMMC() *EMMCClock {
	return &EMMCClock{cru: c}
}

// EMMCClock selects among the fixed eMMC core clock sources and adjusts
// the sample phase.
type EMMCClock struct {
	cru  *CRU
	rate int64
}

// SetFrequency routes the source closest to hz to the controller and
// returns its rate.  The bus clock is parked at its full rate alongside.
func (e *EMMCClock) SetFrequency(hz int64) (int64, error) {
	if hz <= 0 {
		return 0, fmt.Errorf("%w: clock rate %d", sdhci.ErrInvalidArgument, hz)
	}

	best := cclkSources[0]
	for _, src := range cclkSources[1:] {
		if distance(src.hz, hz) < distance(best.hz, hz) {
			best = src
		}
	}

	e.cru.clrset(clkSelCon28, cclkSelMask|bclkSelMask,
		best.sel<<cclkSelShift|bclkSel200M<<bclkSelShift)

	e.rate = best.hz
	return best.hz, nil
}

// Frequency decodes the currently selected source.
func (e *EMMCClock) Frequency() (int64, error) {
	sel := e.cru.regs.Read32(clkSelCon28) & cclkSelMask >> cclkSelShift
	for _, src := range cclkSources {
		if src.sel == sel {
			return src.hz, nil
		}
	}
	return 0, fmt.Errorf("%w: reserved eMMC clock source %d", sdhci.ErrIO, sel)
}

// SetPhase rotates the eMMC sample clock.  Whole quarter turns use the
// mux, the remainder is made up from 100 ps delay elements, capped at 255
// of them.
func (e *EMMCClock) SetPhase(degrees int) error {
	if degrees < 0 || degrees >= 360 {
		return fmt.Errorf("%w: phase %d degrees", sdhci.ErrInvalidArgument, degrees)
	}
	rate := e.rate
	if rate == 0 {
		return fmt.Errorf("%w: phase needs a running clock", sdhci.ErrInvalidArgument)
	}

	nineties := uint32(degrees / 90)
	remainder := uint32(degrees % 90)

	delay := divRoundClosest(10_000_000*uint64(remainder),
		uint64(rate/1000)*36*uint64(phaseDelayElementPs/10))
	delayNum := uint32(min(delay, 255))

	raw := nineties
	if delayNum > 0 {
		raw |= phaseDelaySel
	}
	raw |= delayNum << phaseDelayNumOffset
	raw <<= 1

	e.cru.regs.Write32(emmcCon1, 0xffff0000|raw)
	return nil
}

// Phase reports the configured sample phase in degrees.
func (e *EMMCClock) Phase() (int, error) {
	rate := e.rate
	if rate == 0 {
		var err error
		if rate, err = e.Frequency(); err != nil {
			return 0, err
		}
	}

	raw := e.cru.regs.Read32(emmcCon1) >> 1
	degrees := int(raw&phaseDegreeMask) * 90
	if raw&phaseDelaySel != 0 {
		factor := uint64(phaseDelayElementPs/10) * 36 * uint64(rate/1_000_000)
		delayNum := uint64(raw&phaseDelayNumMask) >> phaseDelayNumOffset
		degrees += int(divRoundClosest(delayNum*factor, 10_000))
	}
	return degrees % 360, nil
}

func distance(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

func divRoundClosest(dividend, divisor uint64) uint64 {
	return (dividend + divisor/2) / divisor
}
