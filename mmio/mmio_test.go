package mmio_test

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/drivercraft/sdmmc/mmio"
)

func TestMemAccess(t *testing.T) {
	buf := make([]byte, 64)
	m := mmio.NewMem(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))

	m.Write8(0, 0xa5)
	if got := m.Read8(0); got != 0xa5 {
		t.Fatalf("expected %#x, got %#x", 0xa5, got)
	}
	m.Write16(2, 0xbeef)
	if got := m.Read16(2); got != 0xbeef {
		t.Fatalf("expected %#x, got %#x", 0xbeef, got)
	}
	m.Write32(4, 0xdeadc0de)
	if got := m.Read32(4); got != 0xdeadc0de {
		t.Fatalf("expected %#x, got %#x", 0xdeadc0de, got)
	}

	if got := binary.NativeEndian.Uint32(buf[4:]); got != 0xdeadc0de {
		t.Fatalf("expected %#x in backing memory, got %#x", 0xdeadc0de, got)
	}

	m.Write8(63, 0x11)
	if got := buf[63]; got != 0x11 {
		t.Fatalf("expected %#x at end of bank, got %#x", 0x11, got)
	}
}

func TestSetClr(t *testing.T) {
	buf := make([]byte, 16)
	m := mmio.NewMem(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))

	mmio.Set8(m, 0, 0x0f)
	mmio.Set8(m, 0, 0x30)
	if got := m.Read8(0); got != 0x3f {
		t.Fatalf("expected %#x, got %#x", 0x3f, got)
	}
	mmio.Clr8(m, 0, 0x21)
	if got := m.Read8(0); got != 0x1e {
		t.Fatalf("expected %#x, got %#x", 0x1e, got)
	}

	mmio.Set16(m, 2, 0xff00)
	mmio.Clr16(m, 2, 0x0f00)
	if got := m.Read16(2); got != 0xf000 {
		t.Fatalf("expected %#x, got %#x", 0xf000, got)
	}

	mmio.Set32(m, 4, 0xffff_ffff)
	mmio.Clr32(m, 4, 0x00ff_ff00)
	if got := m.Read32(4); got != 0xff00_00ff {
		t.Fatalf("expected %#x, got %#x", 0xff00_00ff, got)
	}
}
