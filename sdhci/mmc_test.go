package sdhci_test

import (
	"errors"
	"testing"

	"github.com/drivercraft/sdmmc/emu"
	"github.com/drivercraft/sdmmc/sdhci"
)

// TestProbeEMMC walks the happy path: reset, OCR, identification, EXT_CSD,
// 8 bit bus and HS200 with one tuning cycle.
func TestProbeEMMC(t *testing.T) {
	h, ctl := newMMC(t, emu.NewEMMC(4096))

	wantOps(t, ctl, 0, 1, 1, 2, 3, 9, 7, 8, 6, 13, 8, 6, 13, 21)

	info, err := h.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	want := sdhci.CardInfo{
		Type:         sdhci.CardMMCHC,
		Manufacturer: 0x15,
		OEM:          0x42,
		Name:         "GOEMMC",
		Revision:     "2.1",
		Serial:       0xdeadbeef,
		Month:        7,
		Year:         2022,
		Blocks:       4096,
		Capacity:     4096 * 512,
		BusWidth:     8,
		Timing:       sdhci.TimingHS200,
		Clock:        200_000_000,
	}
	if info != want {
		t.Fatalf("card info\n got %+v\nwant %+v", info, want)
	}
	const str = `MMC high capacity "GOEMMC" rev 2.1 serial deadbeef (7/2022), 2 MiB, 8 bit HS200 @ 200 MHz`
	if s := info.String(); s != str {
		t.Fatalf("info string %q, want %q", s, str)
	}

	card := h.Card()
	if card == nil {
		t.Fatal("Card() nil after probe")
	}
	if card.Type() != sdhci.CardMMCHC || card.RCA() != 1 || card.Width() != 8 ||
		card.Timing() != sdhci.TimingHS200 || card.Clock() != 200_000_000 ||
		card.Blocks() != 4096 {
		t.Fatalf("unexpected card state %v %v %v %v %v %v", card.Type(),
			card.RCA(), card.Width(), card.Timing(), card.Clock(), card.Blocks())
	}
	if blocks, err := h.Blocks(); err != nil || blocks != 4096 {
		t.Fatalf("Blocks: %v, %v", blocks, err)
	}
}

// TestOCRBusy checks the SEND_OP_COND retry loop against a card that needs
// several polls to power up, and the give up path when the retry budget is
// smaller than that.
func TestOCRBusy(t *testing.T) {
	card := emu.NewEMMC(64)
	card.BusyPolls = 4
	ctl := emu.New(card)
	cfg := testConfig()
	cfg.Media = sdhci.MediaMMC
	cfg.OCRRetries = 5
	h := newHost(t, ctl, cfg)

	polls := 0
	for _, r := range ctl.Cmds {
		if r.Op == 1 && r.Arg != 0 {
			polls++
		}
	}
	if polls != 5 {
		t.Fatalf("expected 5 OCR polls, got %v", polls)
	}
	if h.Card() == nil {
		t.Fatal("Card() nil after probe")
	}
}

func TestOCRGiveUp(t *testing.T) {
	card := emu.NewEMMC(64)
	card.BusyPolls = 5
	ctl := emu.New(card)
	cfg := testConfig()
	cfg.Media = sdhci.MediaMMC
	cfg.OCRRetries = 5
	h := sdhci.NewHost(ctl, nil, cfg)
	if err := h.Probe(); !errors.Is(err, sdhci.ErrUnsupportedCard) {
		t.Fatalf("expected ErrUnsupportedCard, got %v", err)
	}
}

// TestWidthFallback checks that a card mis-sampling on 8 data lines is backed
// off to 4 after the EXT_CSD verify read, by switching the card again rather
// than trusting the first switch.
func TestWidthFallback(t *testing.T) {
	card := emu.NewEMMC(64)
	card.FailWidth = map[int]bool{8: true}
	h, ctl := newMMC(t, card)

	if w := h.Card().Width(); w != 4 {
		t.Fatalf("expected width 4, got %v", w)
	}
	// Still fast enough for HS200.
	if tm := h.Card().Timing(); tm != sdhci.TimingHS200 {
		t.Fatalf("expected HS200, got %v", tm)
	}

	var switches []uint32
	for _, r := range ctl.Cmds {
		if r.Op == 6 && r.Arg>>16&0xff == 183 {
			switches = append(switches, r.Arg)
		}
	}
	if len(switches) != 2 || switches[0] != 0x03b70200 || switches[1] != 0x03b70100 {
		t.Fatalf("bus width switches %#08x, want 8 then 4 bit", switches)
	}
}

// TestWidthSingle drives both wide configurations into verify failures and
// expects the wired-or single line fallback.
func TestWidthSingle(t *testing.T) {
	card := emu.NewEMMC(64)
	card.FailWidth = map[int]bool{8: true, 4: true}
	h, _ := newMMC(t, card)

	if w := h.Card().Width(); w != 1 {
		t.Fatalf("expected width 1, got %v", w)
	}
	// HS200 needs at least 4 lines, high speed does not.
	if tm, hz := h.Card().Timing(), h.Card().Clock(); tm != sdhci.TimingHS || hz != 52_000_000 {
		t.Fatalf("expected high-speed at 52 MHz, got %v at %v", tm, hz)
	}
}

// TestSwitchRejected checks that a SWITCH_ERROR on HS_TIMING degrades the
// card to legacy timing instead of failing the probe.
func TestSwitchRejected(t *testing.T) {
	card := emu.NewEMMC(64)
	card.FailSwitch = map[uint8]bool{185: true}
	h, _ := newMMC(t, card)

	if tm, hz := h.Card().Timing(), h.Card().Clock(); tm != sdhci.TimingLegacy || hz != 26_000_000 {
		t.Fatalf("expected legacy at 26 MHz, got %v at %v", tm, hz)
	}
}

// TestWidthSwitchRejected checks the same for BUS_WIDTH: the card stays on a
// single line but the probe succeeds.
func TestWidthSwitchRejected(t *testing.T) {
	card := emu.NewEMMC(64)
	card.FailSwitch = map[uint8]bool{183: true}
	h, _ := newMMC(t, card)

	if w := h.Card().Width(); w != 1 {
		t.Fatalf("expected width 1, got %v", w)
	}
}

// TestTuningRetries checks that tuning keeps resending the tuning block until
// the controller reports done.
func TestTuningRetries(t *testing.T) {
	ctl := emu.New(emu.NewEMMC(64))
	ctl.TuningAttempts = 2
	cfg := testConfig()
	cfg.Media = sdhci.MediaMMC
	h := newHost(t, ctl, cfg)

	tunes := 0
	for _, r := range ctl.Cmds {
		if r.Op == 21 {
			tunes++
		}
	}
	if tunes != 3 {
		t.Fatalf("expected 3 tuning blocks, got %v", tunes)
	}
	if tm := h.Card().Timing(); tm != sdhci.TimingHS200 {
		t.Fatalf("expected HS200, got %v", tm)
	}
}

// TestTuningFails exhausts the tuning retry budget and expects the fallback
// to high speed timing, with the data lines reset after the abandoned loop.
func TestTuningFails(t *testing.T) {
	ctl := emu.New(emu.NewEMMC(64))
	ctl.TuningNeverDone = true
	cfg := testConfig()
	cfg.Media = sdhci.MediaMMC
	cfg.TuningRetries = 3
	h := newHost(t, ctl, cfg)

	tunes := 0
	for _, r := range ctl.Cmds {
		if r.Op == 21 {
			tunes++
		}
	}
	if tunes != 3 {
		t.Fatalf("expected 3 tuning blocks, got %v", tunes)
	}
	if tm, hz := h.Card().Timing(), h.Card().Clock(); tm != sdhci.TimingHS || hz != 52_000_000 {
		t.Fatalf("expected high-speed at 52 MHz, got %v at %v", tm, hz)
	}
	recovered := false
	for _, r := range ctl.Resets {
		if r == 0x06 {
			recovered = true
		}
	}
	if !recovered {
		t.Fatal("no command and data line reset after failed tuning")
	}
}

// TestTuningNoSample checks the odd controller outcome where tuning completes
// without selecting a sampling point, which counts as a failure.
func TestTuningNoSample(t *testing.T) {
	ctl := emu.New(emu.NewEMMC(64))
	ctl.TuningNoSample = true
	cfg := testConfig()
	cfg.Media = sdhci.MediaMMC
	h := newHost(t, ctl, cfg)

	if tm := h.Card().Timing(); tm != sdhci.TimingHS {
		t.Fatalf("expected high-speed fallback, got %v", tm)
	}
}

// TestLegacyCard strips the EXT_CSD type field down to a card that supports
// no high speed mode at all.
func TestLegacyCard(t *testing.T) {
	card := emu.NewEMMC(64)
	card.ExtCSD[196] = 0
	h, _ := newMMC(t, card)

	if tm, hz := h.Card().Timing(), h.Card().Clock(); tm != sdhci.TimingLegacy || hz != 26_000_000 {
		t.Fatalf("expected legacy at 26 MHz, got %v at %v", tm, hz)
	}
	// Bus width negotiation is independent of timing.
	if w := h.Card().Width(); w != 8 {
		t.Fatalf("expected width 8, got %v", w)
	}
}

// TestMaxWidth keeps the host side at 4 lines even though card and controller
// could do 8.
func TestMaxWidth(t *testing.T) {
	ctl := emu.New(emu.NewEMMC(64))
	cfg := testConfig()
	cfg.Media = sdhci.MediaMMC
	cfg.MaxWidth = 4
	h := newHost(t, ctl, cfg)

	if w := h.Card().Width(); w != 4 {
		t.Fatalf("expected width 4, got %v", w)
	}
	for _, r := range ctl.Cmds {
		if r.Op == 6 && r.Arg>>16&0xff == 183 && r.Arg>>8&0xff == 2 {
			t.Fatal("8 bit switch issued with MaxWidth 4")
		}
	}
}
