// Package dma manages memory buffers that are shared with bus mastering
// hardware.
//
// The CPU accesses RAM through a cache and in general assumes that there are
// no other readers or writers.  Before a device reads or writes a buffer, the
// cache and RAM must be synced and the buffer's bus address must be known.
// Both are platform specific and provided via the Writeback, Invalidate and
// BusAddress hooks, which default to a hosted environment where no device
// ever touches memory directly.
package dma

import (
	"unsafe"

	"github.com/drivercraft/sdmmc/debug"
)

// CacheLineSize is the size of a data cache line.
const CacheLineSize = 64

// Cache operations always affect a whole cache line.  To avoid invalidating
// unrelated data in a cache line, pad structs with CacheLinePad at the
// beginning and end.
type CacheLinePad struct{ _ [CacheLineSize]byte }

// Platform hooks.  On hosted systems the defaults apply: caches are coherent
// as far as this package is concerned and no buffer has a bus address, which
// forces drivers into programmed IO.
var (
	// Writeback causes the cache to be written back to RAM.  Call this
	// before requesting a device to read from this address range.
	Writeback = func(addr uintptr, length int) {}

	// Invalidate causes the cache to be read from RAM before next access.
	// Call this before the address range is to be written by a device.
	Invalidate = func(addr uintptr, length int) {}

	// BusAddress translates a virtual address into the address space seen
	// by bus mastering devices.  Returning zero marks the address as not
	// reachable by devices.
	BusAddress = func(addr uintptr) uint64 { return 0 }
)

// MakePadded returns a slice that is safe for cache ops.  Its start is
// aligned to CacheLineSize and the end is padded to fill the cache line.
// Note that using append() might corrupt the padding.
func MakePadded(size int) []byte {
	buf := make([]byte, 0, CacheLineSize+size+CacheLineSize)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	shift := CacheLineSize - int(addr)%CacheLineSize
	return buf[shift : shift+size]
}

// IsPadded returns true if p is safe for cache ops, i.e. padded and aligned
// to cache lines.
func IsPadded(p []byte) bool {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(p)))
	return addr%CacheLineSize == 0 && cap(p)-len(p) >= CacheLineSize-len(p)%CacheLineSize
}

// A Buffer is a byte slice together with the address under which a device
// sees it.  The zero value is an empty buffer.
type Buffer struct {
	p   []byte
	bus uint64
}

// Alloc returns a new padded Buffer of the given size.  Its bus address is
// resolved via the BusAddress hook.
func Alloc(size int) Buffer {
	p := MakePadded(size)
	return Buffer{p, BusAddress(uintptr(unsafe.Pointer(unsafe.SliceData(p))))}
}

// Wrap returns a Buffer around an existing slice.  The buffer is only
// eligible for device access if p happens to be padded, otherwise drivers
// must fall back to programmed IO.
func Wrap(p []byte) Buffer {
	if !IsPadded(p) {
		return Buffer{p, 0}
	}
	return Buffer{p, BusAddress(uintptr(unsafe.Pointer(unsafe.SliceData(p))))}
}

// External returns a Buffer whose bus address is already known, e.g. memory
// obtained from a device owned allocator.  The caller is responsible for p
// being padded if it is cached.
func External(p []byte, busAddr uint64) Buffer {
	return Buffer{p, busAddr}
}

// Bytes returns the buffer's memory for CPU access.
func (b Buffer) Bytes() []byte { return b.p }

// Len returns the buffer's size in bytes.
func (b Buffer) Len() int { return len(b.p) }

// BusAddr returns the address under which devices access the buffer, or zero
// if the buffer isn't reachable by devices.
func (b Buffer) BusAddr() uint64 { return b.bus }

// Writeback syncs the buffer's cache to RAM.  Call before a device read.
func (b Buffer) Writeback() {
	debug.Assert(IsPadded(b.p), "unpadded cache writeback")
	Writeback(uintptr(unsafe.Pointer(unsafe.SliceData(b.p))), len(b.p))
}

// Invalidate drops the buffer's cached contents.  Call before a device
// write.
func (b Buffer) Invalidate() {
	debug.Assert(IsPadded(b.p), "unpadded cache invalidate")
	Invalidate(uintptr(unsafe.Pointer(unsafe.SliceData(b.p))), len(b.p))
}
