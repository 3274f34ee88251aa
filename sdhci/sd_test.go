package sdhci_test

import (
	"errors"
	"testing"

	"github.com/drivercraft/sdmmc/emu"
	"github.com/drivercraft/sdmmc/sdhci"
)

// TestProbeSD2 negotiates a 2.0 card: CMD8 echo, ACMD41 with the high
// capacity bit, card published RCA and a 4 bit bus at the legacy rate.
func TestProbeSD2(t *testing.T) {
	h, ctl := newSD(t, emu.NewSD(2, 4096))

	wantOps(t, ctl, 0, 8, 55, 41, 2, 3, 9, 7, 16, 55, 6)
	for _, r := range ctl.Cmds {
		switch r.Op {
		case 8:
			if r.Arg != 0x1aa {
				t.Fatalf("CMD8 argument %#x, want 0x1aa", r.Arg)
			}
		case 41:
			if r.Arg != 0x40300000 {
				t.Fatalf("ACMD41 argument %#08x, want HCS and 3.3V window", r.Arg)
			}
		case 9:
			if r.Arg != 0x12340000 {
				t.Fatalf("SEND_CSD argument %#08x, want card published RCA", r.Arg)
			}
		}
	}

	info, err := h.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	want := sdhci.CardInfo{
		Type:         sdhci.CardSDHC,
		Manufacturer: 0x03,
		OEM:          0x474f, // "GO"
		Name:         "EMUSD",
		Revision:     "1.0",
		Serial:       0x0badcafe,
		Month:        5,
		Year:         2024,
		Blocks:       4096,
		Capacity:     4096 * 512,
		BusWidth:     4,
		Timing:       sdhci.TimingLegacy,
		Clock:        25_000_000,
	}
	if info != want {
		t.Fatalf("card info\n got %+v\nwant %+v", info, want)
	}
	if rca := h.Card().RCA(); rca != 0x1234 {
		t.Fatalf("RCA %#x, want 0x1234", rca)
	}
}

// TestProbeSD1 negotiates a 1.x card: CMD8 stays unanswered, ACMD41 runs
// without the high capacity bit and the capacity comes from the v1 CSD.
func TestProbeSD1(t *testing.T) {
	h, ctl := newSD(t, emu.NewSD(1, 2048))

	wantOps(t, ctl, 0, 8, 55, 41, 2, 3, 9, 7, 16, 55, 6)
	for _, r := range ctl.Cmds {
		if r.Op == 41 && r.Arg != 0x300000 {
			t.Fatalf("ACMD41 argument %#08x, want plain 3.3V window", r.Arg)
		}
	}

	card := h.Card()
	if card.Type() != sdhci.CardSD || card.Blocks() != 2048 || card.Width() != 4 {
		t.Fatalf("unexpected card state %v %v %v", card.Type(), card.Blocks(), card.Width())
	}
}

// TestProbeSDBadEcho mangles the CMD8 reply: a card that answers but does
// not echo the voltage field and check pattern back must fail the probe.
func TestProbeSDBadEcho(t *testing.T) {
	cases := []struct {
		name string
		echo uint32
	}{
		{"voltage dropped", 0x0aa},
		{"pattern corrupt", 0x1ab},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			card := emu.NewSD(2, 4096)
			card.IfCondEcho = tc.echo
			cfg := testConfig()
			cfg.Media = sdhci.MediaSD
			h := sdhci.NewHost(emu.New(card), nil, cfg)
			if err := h.Probe(); !errors.Is(err, sdhci.ErrUnsupportedCard) {
				t.Fatalf("expected ErrUnsupportedCard, got %v", err)
			}
			if h.Card() != nil {
				t.Fatal("Card() not nil after failed probe")
			}
		})
	}
}

// TestByteAddressing checks that transfers to a standard capacity card carry
// byte offsets on the bus.
func TestByteAddressing(t *testing.T) {
	card := emu.NewSD(1, 2048)
	for i := range card.Storage {
		card.Storage[i] = byte(i >> 9)
	}
	h, ctl := newSD(t, card)
	ctl.Cmds = nil

	p := make([]byte, 512)
	if err := h.ReadBlocks(3, 1, p); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if len(ctl.Cmds) != 1 || ctl.Cmds[0].Op != 17 || ctl.Cmds[0].Arg != 3*512 {
		t.Fatalf("expected single CMD17 with byte address 1536, got %#v", ctl.Cmds)
	}
	if p[0] != 3 || p[511] != 3 {
		t.Fatalf("expected block 3 contents, got %#x...%#x", p[0], p[511])
	}
}

// TestAutoFallsBackToMMC probes unknown media on an eMMC device: the SD path
// runs into silence and the driver starts over on the eMMC path.
func TestAutoFallsBackToMMC(t *testing.T) {
	ctl := emu.New(emu.NewEMMC(64))
	h := newHost(t, ctl, testConfig())

	wantOps(t, ctl, 0, 8, 55, 41, 0, 1, 1, 2, 3, 9, 7, 8, 6, 13, 8, 6, 13, 21)
	if typ := h.Card().Type(); typ != sdhci.CardMMCHC {
		t.Fatalf("expected MMC high capacity, got %v", typ)
	}
}

// TestAutoSD probes unknown media on an SD card, which succeeds first try.
func TestAutoSD(t *testing.T) {
	ctl := emu.New(emu.NewSD(2, 4096))
	h := newHost(t, ctl, testConfig())
	if typ := h.Card().Type(); typ != sdhci.CardSDHC {
		t.Fatalf("expected SDHC, got %v", typ)
	}
}

// TestSDOnEMMC forces the SD path on eMMC media, which must fail instead of
// falling back.
func TestSDOnEMMC(t *testing.T) {
	cfg := testConfig()
	cfg.Media = sdhci.MediaSD
	h := sdhci.NewHost(emu.New(emu.NewEMMC(64)), nil, cfg)
	if err := h.Probe(); !errors.Is(err, sdhci.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

// TestSDSingleLine keeps an SD card on one data line via MaxWidth.
func TestSDSingleLine(t *testing.T) {
	ctl := emu.New(emu.NewSD(2, 4096))
	cfg := testConfig()
	cfg.Media = sdhci.MediaSD
	cfg.MaxWidth = 1
	h := newHost(t, ctl, cfg)

	if w := h.Card().Width(); w != 1 {
		t.Fatalf("expected width 1, got %v", w)
	}
	for _, r := range ctl.Cmds {
		if r.Op == 6 {
			t.Fatal("ACMD6 issued with MaxWidth 1")
		}
	}
}
