package page

import (
	"encoding/binary"

	"github.com/flashkv/ekv/pkg/flash"
)

// Reader reads committed chunks from a page in order, transparently
// advancing across chunk boundaries. Only forward movement is possible.
type Reader struct {
	m    *Manager
	page flash.PageID

	pos        int // offset of the current chunk's header
	chunkData  int // offset of the current chunk's data
	chunkLen   int
	chunkPos   int
	atEnd      bool
}

// openChunk reads the chunk header at r.pos and, if valid, positions the
// reader at the start of its data.
func (r *Reader) openChunk() error {
	chs := r.m.chunkHeaderSize()
	dataStart := r.pos + chs
	if dataStart > r.m.Geom.PageSize {
		r.atEnd = true
		return nil
	}

	hdr := make([]byte, chs)
	if err := r.m.Flash.Read(r.page, r.pos, hdr); err != nil {
		return err
	}
	length := binary.LittleEndian.Uint32(hdr[:chunkLenSize])

	if length == r.m.erasedSentinel() {
		r.atEnd = true
		return nil
	}

	dataEnd := dataStart + int(length)
	if length > uint32(r.m.Geom.PageSize) || dataEnd > r.m.Geom.PageSize || dataEnd < dataStart {
		return ErrCorrupted
	}

	r.chunkData = dataStart
	r.chunkLen = int(length)
	r.chunkPos = 0
	return nil
}

// nextChunk advances past the current chunk (whose data occupies an
// Align-padded region) and opens whatever chunk follows.
func (r *Reader) nextChunk() error {
	r.pos = r.chunkData + alignUp(r.chunkLen, r.m.Geom.Align)
	return r.openChunk()
}

// Read consumes from the current chunk, advancing to the next committed
// chunk transparently when the current one is exhausted. It returns 0 at
// EOF: either a chunk header reads as "erased" or there's no room left for
// another header in the page.
func (r *Reader) Read(buf []byte) (int, error) {
	if r.atEnd || len(buf) == 0 {
		return 0, nil
	}
	if r.chunkPos == r.chunkLen {
		if err := r.nextChunk(); err != nil {
			return 0, err
		}
		if r.atEnd {
			return 0, nil
		}
	}

	n := len(buf)
	if rem := r.chunkLen - r.chunkPos; n > rem {
		n = rem
	}
	// Flash reads must be aligned: read the covering aligned window (the
	// chunk's data region is Align-padded, so it stays inside the page).
	off := r.chunkData + r.chunkPos
	align := r.m.Geom.Align
	lo := off - off%align
	window := make([]byte, alignUp(off+n, align)-lo)
	if err := r.m.Flash.Read(r.page, lo, window); err != nil {
		return 0, err
	}
	copy(buf[:n], window[off-lo:])
	r.chunkPos += n
	return n, nil
}

// Skip advances the reader by n logical bytes without copying data, hopping
// across chunk boundaries exactly like Read would.
func (r *Reader) Skip(n int) (int, error) {
	if r.atEnd || n == 0 {
		return 0, nil
	}
	if r.chunkPos == r.chunkLen {
		if err := r.nextChunk(); err != nil {
			return 0, err
		}
		if r.atEnd {
			return 0, nil
		}
	}

	if rem := r.chunkLen - r.chunkPos; n > rem {
		n = rem
	}
	r.chunkPos += n
	return n, nil
}

// AtEOF reports whether the reader has exhausted all committed chunks,
// advancing past an exhausted current chunk first if needed.
func (r *Reader) AtEOF() (bool, error) {
	if r.atEnd {
		return true, nil
	}
	if r.chunkPos == r.chunkLen {
		if err := r.nextChunk(); err != nil {
			return false, err
		}
	}
	return r.atEnd, nil
}
