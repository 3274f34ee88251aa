package sdhci_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/drivercraft/sdmmc/dma"
	"github.com/drivercraft/sdmmc/emu"
	"github.com/drivercraft/sdmmc/sdhci"
)

// tick is a fake monotonic clock advancing one microsecond per reading, so
// the driver's polling loops burn through their budgets in a bounded number
// of iterations instead of wall time.
type tick struct{ t int64 }

func (c *tick) now() int64 {
	c.t += int64(time.Microsecond)
	return c.t
}

// testConfig returns a Config with budgets sized for the tick clock.  The
// settle and OCR delays are real sleeps and must stay negligible.
func testConfig() sdhci.Config {
	return sdhci.Config{
		CmdTimeout:    time.Millisecond,
		CmdTimeoutMax: 4 * time.Millisecond,
		DataTimeout:   4 * time.Millisecond,
		BusyTimeout:   4 * time.Millisecond,
		SettleDelay:   time.Nanosecond,
		OCRDelay:      time.Nanosecond,
		Now:           (&tick{}).now,
	}
}

// newHost probes the card behind ctl and fails the test on any probe error.
// The controller logs still hold the probe traffic, callers clear them as
// needed.
func newHost(t *testing.T, ctl *emu.Controller, cfg sdhci.Config) *sdhci.Host {
	t.Helper()
	h := sdhci.NewHost(ctl, nil, cfg)
	if err := h.Probe(); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	return h
}

func newMMC(t *testing.T, card *emu.Card) (*sdhci.Host, *emu.Controller) {
	t.Helper()
	ctl := emu.New(card)
	cfg := testConfig()
	cfg.Media = sdhci.MediaMMC
	return newHost(t, ctl, cfg), ctl
}

func newSD(t *testing.T, card *emu.Card) (*sdhci.Host, *emu.Controller) {
	t.Helper()
	ctl := emu.New(card)
	cfg := testConfig()
	cfg.Media = sdhci.MediaSD
	return newHost(t, ctl, cfg), ctl
}

// installDMA routes the dma package's bus address resolution to the emulated
// bus for the duration of the test.  Tests using it must not run in parallel.
func installDMA(t *testing.T, ctl *emu.Controller) {
	t.Helper()
	old := dma.BusAddress
	dma.BusAddress = ctl.BusAddress
	t.Cleanup(func() { dma.BusAddress = old })
}

func wantOps(t *testing.T, ctl *emu.Controller, want ...uint8) {
	t.Helper()
	if got := ctl.Ops(); !bytes.Equal(got, want) {
		t.Fatalf("command sequence %v, want %v", got, want)
	}
}

func TestProbeEmptySlot(t *testing.T) {
	h := sdhci.NewHost(emu.New(nil), nil, testConfig())
	if err := h.Probe(); !errors.Is(err, sdhci.ErrNoCard) {
		t.Fatalf("expected ErrNoCard, got %v", err)
	}
	if h.Present() {
		t.Fatal("empty slot reports a card")
	}
	if h.Card() != nil {
		t.Fatal("Card() not nil after failed probe")
	}
}

func TestProbeNotInserted(t *testing.T) {
	card := emu.NewEMMC(64)
	card.Inserted = false
	h := sdhci.NewHost(emu.New(card), nil, testConfig())
	if err := h.Probe(); !errors.Is(err, sdhci.ErrNoCard) {
		t.Fatalf("expected ErrNoCard, got %v", err)
	}
}

func TestProbeClockNeverStable(t *testing.T) {
	ctl := emu.New(emu.NewEMMC(64))
	ctl.NeverStable = true
	h := sdhci.NewHost(ctl, nil, testConfig())
	if err := h.Probe(); !errors.Is(err, sdhci.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}

func TestProbeResetStuck(t *testing.T) {
	ctl := emu.New(emu.NewEMMC(64))
	ctl.StickyReset = 0x01
	h := sdhci.NewHost(ctl, nil, testConfig())
	if err := h.Probe(); !errors.Is(err, sdhci.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestPresentWritable(t *testing.T) {
	card := emu.NewEMMC(64)
	h, _ := newMMC(t, card)
	if !h.Present() {
		t.Fatal("card not present")
	}
	if !h.Writable() {
		t.Fatal("card not writable")
	}
	card.WriteProtected = true
	if h.Writable() {
		t.Fatal("write protected card reports writable")
	}
}

func TestBeforeProbe(t *testing.T) {
	h := sdhci.NewHost(emu.New(emu.NewEMMC(64)), nil, testConfig())
	if h.Card() != nil {
		t.Fatal("Card() not nil before probe")
	}
	if _, err := h.Status(); !errors.Is(err, sdhci.ErrUnsupportedCard) {
		t.Fatalf("Status: expected ErrUnsupportedCard, got %v", err)
	}
	if _, err := h.Blocks(); !errors.Is(err, sdhci.ErrUnsupportedCard) {
		t.Fatalf("Blocks: expected ErrUnsupportedCard, got %v", err)
	}
	if _, err := h.Info(); !errors.Is(err, sdhci.ErrUnsupportedCard) {
		t.Fatalf("Info: expected ErrUnsupportedCard, got %v", err)
	}
	if _, err := h.Device(); !errors.Is(err, sdhci.ErrUnsupportedCard) {
		t.Fatalf("Device: expected ErrUnsupportedCard, got %v", err)
	}
}
