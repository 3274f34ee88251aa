// Package sdhci implements a driver for SD host controller interface
// compliant SD and eMMC controllers.
//
// The driver talks to its controller through an mmio.Bank and to the SoC's
// clock tree through the Clock interface, so it carries no platform globals.
// Controller quirks outside the standard register set are supplied via the
// Variant interface, see the dwcmshc subpackage for the DWC mobile storage
// host used on Rockchip SoCs.
//
// All public entry points are safe for concurrent use.
package sdhci

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/drivercraft/sdmmc/mmio"
)

// Clock is the SoC clock branch feeding the controller.  Implementations
// control the clock unit only and never touch controller registers; the
// internal divider is the host's business.
type Clock interface {
	// SetFrequency requests hz and returns the actually configured
	// frequency, which may differ by the granularity of the clock tree.
	SetFrequency(hz int64) (int64, error)
	// Frequency returns the currently configured frequency.
	Frequency() (int64, error)
	// SetPhase adjusts the sample phase of the clock in degrees.
	SetPhase(degrees int) error
}

// Variant supplies controller specific behavior outside the standard
// register set.  Both hooks run with the card clock gated.
type Variant interface {
	// Reset runs after a full controller reset.
	Reset() error
	// ClockSet runs after the divider is programmed and stable, before
	// the card clock is enabled again.
	ClockSet(hz int64) error
}

// Media restricts which negotiation paths Probe tries.  Probing SD on a
// soldered eMMC wastes two command timeouts, so slots with known media
// should say so.
type Media uint8

const (
	MediaAuto Media = iota
	MediaMMC
	MediaSD
)

// Timing is the negotiated bus timing mode.
type Timing uint8

const (
	TimingLegacy Timing = iota
	TimingHS
	TimingHS200
)

func (t Timing) String() string {
	switch t {
	case TimingHS:
		return "high-speed"
	case TimingHS200:
		return "HS200"
	}
	return "legacy"
}

// Config parameterizes a Host.  The zero value of every field means its
// default.
type Config struct {
	// Command completion budget, doubling from CmdTimeout up to
	// CmdTimeoutMax before the engine gives up.
	CmdTimeout    time.Duration // 100ms
	CmdTimeoutMax time.Duration // 500ms
	DataTimeout   time.Duration // 1s, per transferred block
	BusyTimeout   time.Duration // 500ms, card busy after SWITCH
	SettleDelay   time.Duration // 10ms, after reset commands
	OCRDelay      time.Duration // 1ms, between OCR polls

	OCRRetries    int // 100
	TuningRetries int // 40

	InitClock   int64 // 375 kHz, identification
	LegacyClock int64 // 26 MHz
	HSClock     int64 // 52 MHz
	HS200Clock  int64 // 200 MHz

	MaxWidth int    // data line limit, 8
	RCA      uint16 // address assigned to eMMC cards, 1

	Media    Media  // negotiation paths to try
	ForcePIO bool   // never use SDMA
	Voltages uint32 // OCR voltage window override, else from capabilities

	// Variant hooks for the controller, nil for a plain SDHC controller.
	Variant Variant

	// Now returns monotonic nanoseconds and defaults to a process
	// monotonic clock.  All driver timeouts are deadlines against it.
	Now func() int64
}

var epoch = time.Now()

func monotime() int64 { return int64(time.Since(epoch)) }

func (cfg *Config) setDefaults() {
	if cfg.CmdTimeout == 0 {
		cfg.CmdTimeout = 100 * time.Millisecond
	}
	if cfg.CmdTimeoutMax == 0 {
		cfg.CmdTimeoutMax = 500 * time.Millisecond
	}
	if cfg.DataTimeout == 0 {
		cfg.DataTimeout = time.Second
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 500 * time.Millisecond
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 10 * time.Millisecond
	}
	if cfg.OCRDelay == 0 {
		cfg.OCRDelay = time.Millisecond
	}
	if cfg.OCRRetries == 0 {
		cfg.OCRRetries = 100
	}
	if cfg.TuningRetries == 0 {
		cfg.TuningRetries = 40
	}
	if cfg.InitClock == 0 {
		cfg.InitClock = 375_000
	}
	if cfg.LegacyClock == 0 {
		cfg.LegacyClock = 26_000_000
	}
	if cfg.HSClock == 0 {
		cfg.HSClock = 52_000_000
	}
	if cfg.HS200Clock == 0 {
		cfg.HS200Clock = 200_000_000
	}
	if cfg.MaxWidth == 0 {
		cfg.MaxWidth = 8
	}
	if cfg.RCA == 0 {
		cfg.RCA = 1
	}
	if cfg.Now == nil {
		cfg.Now = monotime
	}
}

// Host drives a single SDHC compliant controller with at most one attached
// card.
type Host struct {
	mtx  sync.Mutex
	regs mmio.Bank
	clk  Clock
	vnt  Variant
	cfg  Config

	version   uint16
	caps1     uint32
	caps2     uint32
	clkMul    uint32
	baseClock int64
	canSDMA   bool
	can8Bit   bool
	voltages  uint32

	busClock int64
	card     *Card
}

// NewHost returns a Host over the controller's registers.  clk may be nil
// if the controller's input clock is fixed; the divider then works against
// the base clock from the capabilities.  Call Probe before anything else.
func NewHost(regs mmio.Bank, clk Clock, cfg Config) *Host {
	cfg.setDefaults()
	return &Host{regs: regs, clk: clk, vnt: cfg.Variant, cfg: cfg}
}

func (h *Host) now() int64 { return h.cfg.Now() }

func (h *Host) deadline(d time.Duration) int64 { return h.cfg.Now() + int64(d) }

// Probe resets the controller, brings up power and clock and negotiates the
// attached card to the fastest supported bus configuration.  On success the
// card is ready for block transfers.
func (h *Host) Probe() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	h.card = nil
	h.busClock = 0
	if err := h.reset(resetAll); err != nil {
		return err
	}

	h.version = h.regs.Read16(regHostVersion) & 0xff
	h.caps1 = h.regs.Read32(regCaps1)
	h.caps2 = h.regs.Read32(regCaps2)
	h.canSDMA = h.caps1&capCanSDMA != 0
	h.can8Bit = h.caps1&capCan8Bit != 0
	h.clkMul = h.caps2 & capClkMulMask >> capClkMulShift
	if h.version >= specV300 {
		h.baseClock = int64(h.caps1&capBaseClkMaskV3>>8) * 1_000_000
	} else {
		h.baseClock = int64(h.caps1&capBaseClkMaskV2>>8) * 1_000_000
	}

	h.voltages = h.cfg.Voltages
	if h.voltages == 0 {
		if h.caps1&capVolt33 != 0 {
			h.voltages |= ocrVolt33
		}
		if h.caps1&capVolt30 != 0 {
			h.voltages |= ocrVolt30
		}
		if h.caps1&capVolt18 != 0 {
			h.voltages |= ocrVolt18
		}
	}

	if h.vnt != nil {
		if err := h.vnt.Reset(); err != nil {
			return err
		}
	}

	if !h.present() {
		return fmt.Errorf("%w: card detect", ErrNoCard)
	}

	h.setPower(true)

	// Enable all interrupt status bits, but keep signalling off.  The
	// driver strictly polls.
	h.regs.Write16(regIntStatusEn, 0xffff)
	h.regs.Write16(regErrStatusEn, 0xffff)
	h.regs.Write16(regIntSignalEn, 0)
	h.regs.Write16(regErrSignalEn, 0)

	if err := h.setClock(h.cfg.InitClock); err != nil {
		return err
	}

	return h.initCard()
}

func (h *Host) initCard() error {
	switch h.cfg.Media {
	case MediaMMC:
		return h.initMMC()
	case MediaSD:
		return h.initSD()
	}
	err := h.initSD()
	if err != nil && errors.Is(err, ErrTimeout) {
		// No reply on the SD path, start over assuming eMMC.
		err = h.initMMC()
	}
	return err
}

// Card returns the negotiated card state, nil before a successful Probe.
func (h *Host) Card() *Card {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.card == nil || !h.card.ready {
		return nil
	}
	return h.card
}

// Present reports whether a card is in the slot.
func (h *Host) Present() bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.present()
}

func (h *Host) present() bool {
	return pstate(h.regs.Read32(regPresent))&stateCardInserted != 0
}

// Writable reports the state of the write protect switch.
func (h *Host) Writable() bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.writable()
}

func (h *Host) writable() bool {
	return pstate(h.regs.Read32(regPresent))&stateWriteEnabled != 0
}

// reset performs a software reset of the given lines and waits for the
// controller to clear the bits again.
func (h *Host) reset(mask uint8) error {
	h.regs.Write8(regSoftReset, mask)
	dl := h.deadline(100 * time.Millisecond)
	for h.regs.Read8(regSoftReset)&mask != 0 {
		if h.now() > dl {
			return fmt.Errorf("%w: software reset %#02x never completed", ErrTimeout, mask)
		}
		runtime.Gosched()
	}
	return nil
}

// setPower selects the highest voltage the controller supports and switches
// bus power.
func (h *Host) setPower(on bool) {
	if !on {
		h.regs.Write8(regPowerCtrl, 0)
		return
	}
	var pwr uint8
	switch {
	case h.caps1&capVolt33 != 0:
		pwr = pwr33
	case h.caps1&capVolt30 != 0:
		pwr = pwr30
	case h.caps1&capVolt18 != 0:
		pwr = pwr18
	}
	h.regs.Write8(regPowerCtrl, pwr)
	h.regs.Write8(regPowerCtrl, pwr|pwrOn)
}

// setClock gates the card clock, reprograms the divider for hz and ungates
// again.  Frequency 0 just gates.  The input frequency is requested from
// the Clock collaborator where available, else the capabilities' base clock
// is divided down.
func (h *Host) setClock(hz int64) error {
	dl := h.deadline(h.cfg.CmdTimeoutMax)
	for pstate(h.regs.Read32(regPresent))&(stateCmdInhibit|stateDatInhibit) != 0 {
		if h.now() > dl {
			return fmt.Errorf("%w: bus busy before clock change", ErrTimeout)
		}
		runtime.Gosched()
	}

	h.regs.Write16(regClockCtrl, 0)
	h.busClock = 0
	if hz == 0 {
		return nil
	}

	input := h.baseClock
	if h.clk != nil {
		actual, err := h.clk.SetFrequency(hz)
		if err != nil {
			return fmt.Errorf("input clock: %w", err)
		}
		input = actual
	}

	clk := h.divider(input, hz)
	h.regs.Write16(regClockCtrl, uint16(clk|clkIntEn))

	dl = h.deadline(20 * time.Millisecond)
	for clkCtrl(h.regs.Read16(regClockCtrl))&clkIntStable == 0 {
		if h.now() > dl {
			return fmt.Errorf("%w: internal clock never stabilized", ErrIO)
		}
		runtime.Gosched()
	}

	if h.vnt != nil {
		if err := h.vnt.ClockSet(hz); err != nil {
			return err
		}
	}

	mmio.Set16(h.regs, regClockCtrl, uint16(clkCardEn))
	h.busClock = hz
	return nil
}

// divider computes the clock control divider field for the target frequency
// given the input clock, per the host's spec version: the programmable
// clock mode when a clock multiplier is reported, 10 bit even divisors on
// 3.0 hosts, powers of two up to 256 before that.
func (h *Host) divider(input, hz int64) clkCtrl {
	var div int64
	var clk clkCtrl
	switch {
	case h.version >= specV300 && h.clkMul != 0:
		div = 1024
		for d := int64(1); d <= 1024; d++ {
			if input/d <= hz {
				div = d
				break
			}
		}
		clk = clkProgMode
		div--
	case h.version >= specV300:
		if input <= hz {
			div = 1
		} else {
			div = maxDivV3
			for d := int64(2); d < maxDivV3; d += 2 {
				if input/d <= hz {
					div = d
					break
				}
			}
		}
		div >>= 1
	default:
		div = maxDivV2
		for d := int64(1); d < maxDivV2; d *= 2 {
			if input/d <= hz {
				div = d
				break
			}
		}
		div >>= 1
	}
	return clk | clkCtrl(div&0xff)<<8 | clkCtrl(div&0x300>>8)<<6
}
