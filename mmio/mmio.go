// Package mmio provides access to memory mapped hardware registers.
//
// Drivers address their registers through the Bank interface, with byte
// offsets relative to the peripheral's base address.  This allows the same
// driver to run against a real register window as well as an emulated
// controller in tests.
package mmio

import "unsafe"

// Bank is a window of memory mapped registers.  Implementations must perform
// each access as a single load or store of the given width at the given byte
// offset.
type Bank interface {
	Read8(off uint32) uint8
	Write8(off uint32, v uint8)
	Read16(off uint32) uint16
	Write16(off uint32, v uint16)
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// Mem is a Bank backed directly by a virtual memory mapping, e.g. obtained
// from mmap'ing /dev/mem or running with an identity mapped MMU.
type Mem struct {
	base uintptr
}

// NewMem returns a Bank accessing the registers mapped at base.
func NewMem(base uintptr) *Mem {
	return &Mem{base}
}

//go:nosplit
func (m *Mem) Read8(off uint32) uint8 {
	return *(*uint8)(unsafe.Pointer(m.base + uintptr(off)))
}

//go:nosplit
func (m *Mem) Write8(off uint32, v uint8) {
	*(*uint8)(unsafe.Pointer(m.base + uintptr(off))) = v
}

//go:nosplit
func (m *Mem) Read16(off uint32) uint16 {
	return *(*uint16)(unsafe.Pointer(m.base + uintptr(off)))
}

//go:nosplit
func (m *Mem) Write16(off uint32, v uint16) {
	*(*uint16)(unsafe.Pointer(m.base + uintptr(off))) = v
}

//go:nosplit
func (m *Mem) Read32(off uint32) uint32 {
	return *(*uint32)(unsafe.Pointer(m.base + uintptr(off)))
}

//go:nosplit
func (m *Mem) Write32(off uint32, v uint32) {
	*(*uint32)(unsafe.Pointer(m.base + uintptr(off))) = v
}

// Set8 sets bits in the 8-bit register at off.
func Set8(b Bank, off uint32, bits uint8) {
	b.Write8(off, b.Read8(off)|bits)
}

// Clr8 clears bits in the 8-bit register at off.
func Clr8(b Bank, off uint32, bits uint8) {
	b.Write8(off, b.Read8(off)&^bits)
}

// Set16 sets bits in the 16-bit register at off.
func Set16(b Bank, off uint32, bits uint16) {
	b.Write16(off, b.Read16(off)|bits)
}

// Clr16 clears bits in the 16-bit register at off.
func Clr16(b Bank, off uint32, bits uint16) {
	b.Write16(off, b.Read16(off)&^bits)
}

// Set32 sets bits in the 32-bit register at off.
func Set32(b Bank, off uint32, bits uint32) {
	b.Write32(off, b.Read32(off)|bits)
}

// Clr32 clears bits in the 32-bit register at off.
func Clr32(b Bank, off uint32, bits uint32) {
	b.Write32(off, b.Read32(off)&^bits)
}
