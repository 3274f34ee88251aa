package emu

import (
	"fmt"
	"io"
)

// Open serves an image as an inserted eMMC card, with the image contents
// becoming the card's block storage.  The image must be a whole number of
// 512 byte blocks.  Changes stay in memory, write them back with WriteTo.
func Open(r io.Reader) (*Card, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%512 != 0 {
		return nil, fmt.Errorf("image is %d bytes, not a whole number of blocks", len(data))
	}
	c := NewEMMC(uint32(len(data) / 512))
	c.Storage = data
	return c, nil
}

// WriteTo dumps the card's block storage, for writing a modified image
// back out.
func (c *Card) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(c.Storage)
	return int64(n), err
}
