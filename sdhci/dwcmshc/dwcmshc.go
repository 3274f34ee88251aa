// Package dwcmshc supports the Synopsys DesignWare Cores Mobile Storage
// Host Controller as integrated on Rockchip SoCs.  The controller is a
// standard SDHCI with a vendor register block for the command conflict
// check, the eMMC data strobe and the sampling DLL.
package dwcmshc

import (
	"fmt"
	"time"

	"github.com/drivercraft/sdmmc/mmio"
	"github.com/drivercraft/sdmmc/sdhci"
)

// VendorRegs locates the vendor block inside the controller's register
// space.  Different SoC integrations place it at different offsets.
type VendorRegs struct {
	HostCtrl3  uint32
	EMMCCtrl   uint32
	ATCtrl     uint32
	DLLCtrl    uint32
	DLLRxClk   uint32
	DLLTxClk   uint32
	DLLStrbin  uint32
	DLLCmdout  uint32
	DLLStatus0 uint32
}

// RK3568 places the vendor block at 0x500 and the DLL block at 0x800.
var RK3568 = VendorRegs{
	HostCtrl3:  0x508,
	EMMCCtrl:   0x52c,
	ATCtrl:     0x540,
	DLLCtrl:    0x800,
	DLLRxClk:   0x804,
	DLLTxClk:   0x808,
	DLLStrbin:  0x80c,
	DLLCmdout:  0x810,
	DLLStatus0: 0x840,
}

const (
	hostCtrl3CmdConflictCheck uint32 = 1 << 0

	emmcCtrlCardIsEMMC     uint32 = 1 << 0
	emmcCtrlEnhancedStrobe uint32 = 1 << 8

	atCtrlTuneClkStopEn   uint32 = 1 << 16
	atCtrlPreChangeDelay  uint32 = 2 << 17
	atCtrlPostChangeDelay uint32 = 3 << 19

	dllCtrlStart      uint32 = 1 << 0
	dllCtrlReset      uint32 = 1 << 1
	dllCtrlStartPoint uint32 = 5 << 16
	dllCtrlIncrement  uint32 = 2 << 8
	dllCtrlBypass     uint32 = 1 << 24

	dllDelayEnable uint32 = 1 << 27

	dllRxClkNoInverter uint32 = 1 << 29
	dllRxClkOriGate    uint32 = 1 << 31

	dllTxClkTapNum       uint32 = 0x10
	dllTxClkTapNumFromSW uint32 = 1 << 24
	dllTxClkNoInverter   uint32 = 1 << 29

	dllStrbinTapNum         uint32 = 0x3
	dllStrbinTapNumFromSW   uint32 = 1 << 24
	dllStrbinDelayNumSel    uint32 = 1 << 26
	dllStrbinDelayNum       uint32 = 16
	dllStrbinDelayNumOffset        = 16

	dllStatusLocked  uint32 = 1 << 8
	dllStatusTimeout uint32 = 1 << 9
)

// The DLL needs a running clock to lock; frequencies below this run with
// the DLL bypassed.
const dllThreshold = 100_000_000

const dllLockTimeout = 500 * time.Millisecond

// Controller is the vendor specific part of a DWCMSHC instance.  It
// implements sdhci.Variant.
type Controller struct {
	regs mmio.Bank
	vr   VendorRegs
}

func New(regs mmio.Bank, vr VendorRegs) *Controller {
	return &Controller{regs: regs, vr: vr}
}

// Reset marks the attached device as eMMC, which routes the data strobe
// and keeps the controller from treating it as a removable SD card.
func (c *Controller) Reset() error {
	mmio.Set32(c.regs, c.vr.EMMCCtrl, emmcCtrlCardIsEMMC)
	return nil
}

// ClockSet reconfigures the DLL after every bus clock change.  Below the
// lock threshold the DLL is bypassed and the strobe input gets a fixed
// delay; at HS200 rates the DLL is started and must report lock before the
// sampling taps are programmed.
func (c *Controller) ClockSet(hz int64) error {
	if hz <= 0 {
		return nil
	}
	if hz < dllThreshold {
		c.bypassDLL()
		return nil
	}
	return c.startDLL()
}

func (c *Controller) bypassDLL() {
	c.regs.Write32(c.vr.DLLCtrl, 0)

	// The conflict check trips on marginal CMD line routing at low
	// rates.
	mmio.Clr32(c.regs, c.vr.HostCtrl3, hostCtrl3CmdConflictCheck)

	c.regs.Write32(c.vr.DLLCtrl, dllCtrlBypass|dllCtrlStart)
	c.regs.Write32(c.vr.DLLRxClk, dllRxClkOriGate)
	c.regs.Write32(c.vr.DLLTxClk, 0)
	c.regs.Write32(c.vr.DLLCmdout, 0)
	c.regs.Write32(c.vr.DLLStrbin, dllDelayEnable|dllStrbinDelayNumSel|
		dllStrbinDelayNum<<dllStrbinDelayNumOffset)
}

func (c *Controller) startDLL() error {
	c.regs.Write32(c.vr.DLLCtrl, dllCtrlReset)
	c.regs.Write32(c.vr.DLLCtrl, 0)

	c.regs.Write32(c.vr.ATCtrl, atCtrlTuneClkStopEn|atCtrlPreChangeDelay|atCtrlPostChangeDelay)

	c.regs.Write32(c.vr.DLLCtrl, dllCtrlStartPoint|dllCtrlIncrement|dllCtrlStart)

	deadline := time.Now().Add(dllLockTimeout)
	for {
		status := c.regs.Read32(c.vr.DLLStatus0)
		if status&dllStatusTimeout != 0 {
			return fmt.Errorf("%w: dll lock timed out, status %#x", sdhci.ErrIO, status)
		}
		if status&dllStatusLocked != 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: dll never locked, status %#x", sdhci.ErrIO, status)
		}
	}

	c.regs.Write32(c.vr.DLLRxClk, dllDelayEnable|dllRxClkOriGate|dllRxClkNoInverter)
	c.regs.Write32(c.vr.DLLTxClk, dllDelayEnable|dllTxClkTapNumFromSW|dllTxClkNoInverter|dllTxClkTapNum)
	c.regs.Write32(c.vr.DLLStrbin, dllDelayEnable|dllStrbinTapNumFromSW|dllStrbinTapNum)
	return nil
}
