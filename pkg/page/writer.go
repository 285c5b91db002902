package page

import (
	"encoding/binary"

	"github.com/flashkv/ekv/pkg/flash"
)

// Writer appends chunks to a page, erasing it lazily on first physical
// write. A chunk's data is always flushed to flash before its ChunkHeader,
// so a reader can never observe a partially-written chunk.
type Writer struct {
	m    *Manager
	page flash.PageID

	needsErase bool
	poisoned   bool

	chunkStart     int // offset reserved for the current chunk's header
	chunkDataStart int // chunkStart + chunkHeaderSize

	flushedLen int    // data bytes physically flushed for the current chunk (multiple of Align)
	chunkLen   int    // logical data bytes appended to the current chunk so far
	stage      []byte // < Align bytes buffered, not yet physically written

	totalLen int // total bytes accepted across all chunks in this writer's lifetime
}

// Len returns the total number of data bytes accepted so far (committed or
// still buffered), across all chunks.
func (w *Writer) Len() int { return w.totalLen }

// Poisoned reports whether the writer was opened over an uncommitted tail
// and therefore behaves as permanently full.
func (w *Writer) Poisoned() bool { return w.poisoned }

func (w *Writer) eraseIfNeeded() error {
	if !w.needsErase {
		return nil
	}
	if err := w.m.Flash.Erase(w.page); err != nil {
		return err
	}
	w.needsErase = false
	return nil
}

// tailIsErased checks whether every byte from chunkStart to the end of the
// page still reads as the erase value, i.e. there's no uncommitted garbage
// to avoid appending next to.
func (w *Writer) tailIsErased() bool {
	n := w.m.Geom.PageSize - w.chunkStart
	if n <= 0 {
		return true
	}
	buf := make([]byte, n)
	if err := w.m.Flash.Read(w.page, w.chunkStart, buf); err != nil {
		return false
	}
	for _, b := range buf {
		if b != w.m.Geom.EraseValue {
			return false
		}
	}
	return true
}

func (w *Writer) maxChunkLen() int {
	limit := w.m.Geom.PageSize - w.chunkDataStart
	if limit <= 0 {
		return 0
	}
	align := w.m.Geom.Align
	return (limit / align) * align
}

// Write buffers data into an alignment staging word, flushing full aligned
// groups as they fill. It returns the number of bytes accepted, which may
// be less than len(data) if the page (or its current chunk budget) is full.
func (w *Writer) Write(data []byte) (int, error) {
	if w.poisoned || len(data) == 0 {
		return 0, nil
	}

	avail := w.maxChunkLen() - w.chunkLen
	if avail <= 0 {
		return 0, nil
	}
	n := len(data)
	if n > avail {
		n = avail
	}

	if err := w.eraseIfNeeded(); err != nil {
		return 0, err
	}

	align := w.m.Geom.Align
	buf := append(w.stage, data[:n]...)
	full := (len(buf) / align) * align
	if full > 0 {
		if err := w.m.Flash.Write(w.page, w.chunkDataStart+w.flushedLen, buf[:full]); err != nil {
			return 0, err
		}
		w.flushedLen += full
	}
	w.stage = append([]byte{}, buf[full:]...)

	w.chunkLen += n
	w.totalLen += n
	return n, nil
}

// WriteHeader writes the page header. It may be called once per page, and
// triggers the lazy erase if it hasn't happened yet.
func (w *Writer) WriteHeader(higher []byte) error {
	if err := w.eraseIfNeeded(); err != nil {
		return err
	}
	return w.m.writePageHeader(w.page, higher)
}

// Commit flushes the alignment staging word and writes the ChunkHeader for
// everything written since the last Commit, then advances to the next
// chunk. A Writer discarded without Commit leaves the flash in a state
// readers treat as "chunk absent" at the current offset, since its header
// is never written.
func (w *Writer) Commit() error {
	if w.chunkLen == 0 {
		return nil // nothing to commit
	}
	if err := w.eraseIfNeeded(); err != nil {
		return err
	}

	align := w.m.Geom.Align
	if len(w.stage) > 0 {
		padded := make([]byte, align)
		copy(padded, w.stage)
		if err := w.m.Flash.Write(w.page, w.chunkDataStart+w.flushedLen, padded); err != nil {
			return err
		}
	}

	chs := w.m.chunkHeaderSize()
	hdr := make([]byte, chs)
	binary.LittleEndian.PutUint32(hdr[:chunkLenSize], uint32(w.chunkLen))
	if err := w.m.Flash.Write(w.page, w.chunkStart, hdr); err != nil {
		return err
	}

	if w.m.Logger != nil {
		w.m.Logger.LogPageOp("commit", uint16(w.page), w.chunkLen)
	}

	w.chunkStart = w.chunkDataStart + alignUp(w.chunkLen, align)
	w.chunkDataStart = w.chunkStart + chs
	w.chunkLen = 0
	w.flushedLen = 0
	w.stage = nil
	return nil
}
