package sdhci

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/drivercraft/sdmmc/dma"
)

var ErrSeekOutOfRange = errors.New("seek out of range")

// BlockDev is a byte addressed view of a negotiated card.  It implements
// io.ReaderAt, io.WriterAt and io.ReadWriteSeeker on top of the block
// transfer layer.  Accesses that do not cover whole blocks are completed
// through an internal bounce buffer, writes to partial blocks as
// read-modify-write.
//
// BlockDev is safe for concurrent use.
type BlockDev struct {
	host *Host
	size int64
	seek int64

	scratch dma.Buffer
	mtx     sync.Mutex
}

// Device returns a byte addressed view of the card.  It fails with
// ErrUnsupportedCard until Probe has negotiated one.
func (h *Host) Device() (*BlockDev, error) {
	blocks, err := h.Blocks()
	if err != nil {
		return nil, err
	}
	return &BlockDev{
		host:    h,
		size:    int64(blocks) * BlockSize,
		scratch: dma.Alloc(BlockSize),
	}, nil
}

// Size returns the card capacity in bytes.
func (v *BlockDev) Size() int64 { return v.size }

func (v *BlockDev) ReadAt(p []byte, off int64) (n int, err error) {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	return v.readAt(p, off)
}

func (v *BlockDev) readAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: offset %d", ErrInvalidArgument, off)
	}
	left := v.size - off
	if left <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) >= left {
		p = p[:left]
		err = io.EOF
	}

	total := len(p)
	for len(p) > 0 {
		lba := uint32(off / BlockSize)
		skip := int(off % BlockSize)
		if skip != 0 || len(p) < BlockSize {
			if rerr := v.host.ReadBlocks(lba, 1, v.scratch.Bytes()); rerr != nil {
				return total - len(p), rerr
			}
			nn := copy(p, v.scratch.Bytes()[skip:])
			p = p[nn:]
			off += int64(nn)
			continue
		}
		count := len(p) / BlockSize
		if count > 0xffff {
			count = 0xffff
		}
		if rerr := v.host.ReadBlocks(lba, count, p[:count*BlockSize]); rerr != nil {
			return total - len(p), rerr
		}
		p = p[count*BlockSize:]
		off += int64(count) * BlockSize
	}
	return total, err
}

func (v *BlockDev) WriteAt(p []byte, off int64) (n int, err error) {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	return v.writeAt(p, off)
}

func (v *BlockDev) writeAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: offset %d", ErrInvalidArgument, off)
	}
	left := v.size - off
	if left <= 0 {
		return 0, io.ErrShortWrite
	}
	if int64(len(p)) > left {
		p = p[:left]
		err = io.ErrShortWrite
	}

	total := len(p)
	for len(p) > 0 {
		lba := uint32(off / BlockSize)
		skip := int(off % BlockSize)
		if skip != 0 || len(p) < BlockSize {
			if werr := v.host.ReadBlocks(lba, 1, v.scratch.Bytes()); werr != nil {
				return total - len(p), werr
			}
			nn := copy(v.scratch.Bytes()[skip:], p)
			if werr := v.host.WriteBlocks(lba, 1, v.scratch.Bytes()); werr != nil {
				return total - len(p), werr
			}
			p = p[nn:]
			off += int64(nn)
			continue
		}
		count := len(p) / BlockSize
		if count > 0xffff {
			count = 0xffff
		}
		if werr := v.host.WriteBlocks(lba, count, p[:count*BlockSize]); werr != nil {
			return total - len(p), werr
		}
		p = p[count*BlockSize:]
		off += int64(count) * BlockSize
	}
	return total, err
}

func (v *BlockDev) Read(p []byte) (n int, err error) {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	n, err = v.readAt(p, v.seek)
	v.seek += int64(n)
	return
}

func (v *BlockDev) Write(p []byte) (n int, err error) {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	n, err = v.writeAt(p, v.seek)
	v.seek += int64(n)
	return
}

func (v *BlockDev) Seek(offset int64, whence int) (newoffset int64, err error) {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	newoffset = offset
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		newoffset += v.seek
	case io.SeekEnd:
		newoffset += v.size
	}
	if newoffset < 0 || newoffset > v.size {
		return v.seek, ErrSeekOutOfRange
	}

	v.seek = newoffset

	return
}
