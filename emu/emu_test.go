package emu

import "testing"

func TestCmdFrameCRC(t *testing.T) {
	// Known frames: GO_IDLE_STATE, SEND_IF_COND and READ_SINGLE_BLOCK as
	// printed in every SD layer documentation.
	f := cmdFrame(0, 0)
	if f != [6]byte{0x40, 0, 0, 0, 0, 0x95} {
		t.Fatalf("expected GO_IDLE frame to end in 0x95, got %x", f)
	}
	f = cmdFrame(8, 0x1aa)
	if f != [6]byte{0x48, 0, 0, 0x01, 0xaa, 0x87} {
		t.Fatalf("expected SEND_IF_COND frame to end in 0x87, got %x", f)
	}
	f = cmdFrame(17, 0)
	if f != [6]byte{0x51, 0, 0, 0, 0, 0x55} {
		t.Fatalf("expected READ_SINGLE frame to end in 0x55, got %x", f)
	}
}

func TestBlockCRC(t *testing.T) {
	if got := blockCRC([]byte("123456789")); got != 0x31c3 {
		t.Fatalf("expected XMODEM check value 0x31c3, got %#04x", got)
	}
	// An erased block reads all ones; the CRC16 on the wire is 0x7fa1.
	ones := make([]byte, 512)
	for i := range ones {
		ones[i] = 0xff
	}
	if got := blockCRC(ones); got != 0x7fa1 {
		t.Fatalf("expected erased block CRC 0x7fa1, got %#04x", got)
	}
}

func TestPack128(t *testing.T) {
	var b [16]byte
	b[0] = 0x15
	v := pack128(b)
	if v[0]>>24 != 0x15 {
		t.Fatalf("expected byte 0 at bits 127:120, got %#08x", v[0])
	}
	if v[3]&1 != 1 {
		t.Fatalf("expected end bit in the CRC byte, got %#08x", v[3])
	}
}

func TestBadCRCFrameIgnored(t *testing.T) {
	card := NewEMMC(64)
	f := cmdFrame(1, 0)
	f[5] ^= 0x02
	if res := card.handle(f, 0); res.ok {
		t.Fatalf("expected corrupt frame to be dropped")
	}
}

func TestIntStatusW1C(t *testing.T) {
	c := New(nil)
	c.raise(intResponse | intDataEnd)
	c.Write16(regIntStatus, intDataEnd)
	if got := c.Read16(regIntStatus); got != intResponse {
		t.Fatalf("expected %#04x, got %#04x", intResponse, got)
	}
	c.Write16(regIntStatus, 0xffff)
	if got := c.Read16(regIntStatus); got != 0 {
		t.Fatalf("expected clear status, got %#04x", got)
	}
}

func TestStoreLongStripsCRC(t *testing.T) {
	c := New(nil)
	c.storeLong([4]uint32{0x01234567, 0x89abcdef, 0x02468ace, 0x13579bdf})
	want := map[uint32]uint32{
		regResponse3: 0x00012345,
		regResponse2: 0x6789abcd,
		regResponse1: 0xef02468a,
		regResponse0: 0xce13579b,
	}
	for off, v := range want {
		if got := c.Read32(off); got != v {
			t.Fatalf("expected %#08x at %#x, got %#08x", v, off, got)
		}
	}
}

func TestInhibitCountdown(t *testing.T) {
	c := New(NewEMMC(64))
	c.InhibitReads = 2
	for i := 0; i < 2; i++ {
		if st := c.Read32(regPresent); st&(stateCmdInhibit|stateDatInhibit) == 0 {
			t.Fatalf("expected inhibit on read %d, got %#08x", i, st)
		}
	}
	st := c.Read32(regPresent)
	if st&(stateCmdInhibit|stateDatInhibit) != 0 {
		t.Fatalf("expected inhibit released, got %#08x", st)
	}
	if st&stateCardInserted == 0 || st&stateWriteEnabled == 0 {
		t.Fatalf("expected an inserted writable card, got %#08x", st)
	}
}

func TestClockStable(t *testing.T) {
	c := New(nil)
	c.Write16(regClockCtrl, clkIntEn)
	if got := c.Read16(regClockCtrl); got&clkIntStable == 0 {
		t.Fatalf("expected stable bit, got %#04x", got)
	}
	c.NeverStable = true
	c.Write16(regClockCtrl, clkIntEn)
	if got := c.Read16(regClockCtrl); got&clkIntStable != 0 {
		t.Fatalf("expected stable bit to stay clear, got %#04x", got)
	}
}

func TestOCRBusyPolls(t *testing.T) {
	card := NewEMMC(64)
	card.BusyPolls = 2
	probe := card.handle(cmdFrame(1, 0), 0)
	if !probe.ok || probe.r48&ocrBusy != 0 {
		t.Fatalf("expected inquiry response without busy bit, got %#08x", probe.r48)
	}
	arg := uint32(ocrHCS | 0x00ff_8000)
	for i := 0; i < 2; i++ {
		if res := card.handle(cmdFrame(1, arg), 0); res.r48&ocrBusy != 0 {
			t.Fatalf("expected busy on poll %d, got %#08x", i, res.r48)
		}
	}
	res := card.handle(cmdFrame(1, arg), 0)
	if res.r48&ocrBusy == 0 || res.r48&ocrHCS == 0 {
		t.Fatalf("expected a ready sector mode card, got %#08x", res.r48)
	}
}
