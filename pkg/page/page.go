// Package page frames a flash page as (page-header, chunk*, erased-tail).
// A chunk is a length-prefixed, atomically-committed append within a page:
// its data is always written before its ChunkHeader, so a reader can never
// observe a partially-written chunk — only the last fully committed one.
package page

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/flashkv/ekv/internal/elog"
	"github.com/flashkv/ekv/pkg/flash"
)

// ErrCorrupted is returned when a page or chunk fails validation: a bad
// magic, or a chunk length that overflows the page.
var ErrCorrupted = errors.New("page: corrupted")

const chunkLenSize = 4 // ChunkHeader.len is a plain uint32

// Manager frames pages for one higher layer, identified by magic. HeaderSize
// is the size in bytes of that layer's own header data, stored right after
// the magic.
type Manager struct {
	Flash      flash.Flash
	Geom       flash.Geometry
	Magic      uint32
	HeaderSize int

	// Logger is optional; nil disables the debug-level per-commit logging
	// in Writer.Commit.
	Logger *elog.Logger
}

func alignUp(n, align int) int {
	if n%align == 0 {
		return n
	}
	return n + (align - n%align)
}

func (m *Manager) headerRegionSize() int {
	return alignUp(4+m.HeaderSize, m.Geom.Align)
}

func (m *Manager) chunkHeaderSize() int {
	return alignUp(chunkLenSize, m.Geom.Align)
}

// erasedSentinel returns the uint32 value a chunk-length field reads as
// while its header bytes are still erased — 0xFFFFFFFF for the standard
// EraseValue of 0xFF, but derived from the configured erase value so a
// non-0xFF device (see spec's open question on the erase sentinel) reads
// consistently too.
func (m *Manager) erasedSentinel() uint32 {
	var b [4]byte
	for i := range b {
		b[i] = m.Geom.EraseValue
	}
	return binary.LittleEndian.Uint32(b[:])
}

// writePageHeader writes magic + higher-layer header as a single aligned
// block at offset 0. The caller's Writer must already have erased the page.
func (m *Manager) writePageHeader(p flash.PageID, higher []byte) error {
	if len(higher) > m.HeaderSize {
		return fmt.Errorf("page: header too large: %d > %d", len(higher), m.HeaderSize)
	}
	buf := make([]byte, m.headerRegionSize())
	binary.LittleEndian.PutUint32(buf[0:4], m.Magic)
	copy(buf[4:4+len(higher)], higher)
	return m.Flash.Write(p, 0, buf)
}

// readPageHeader reads and validates the page header, returning the
// higher-layer header bytes.
func (m *Manager) readPageHeader(p flash.PageID) ([]byte, error) {
	buf := make([]byte, m.headerRegionSize())
	if err := m.Flash.Read(p, 0, buf); err != nil {
		return nil, err
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != m.Magic {
		return nil, ErrCorrupted
	}
	higher := make([]byte, m.HeaderSize)
	copy(higher, buf[4:4+m.HeaderSize])
	return higher, nil
}

// ReadHeader reads just the page header without opening a reader over its
// chunks.
func (m *Manager) ReadHeader(p flash.PageID) ([]byte, error) {
	return m.readPageHeader(p)
}

// OpenRead reads and validates the page header, then positions a Reader at
// the first committed chunk.
func (m *Manager) OpenRead(p flash.PageID) ([]byte, *Reader, error) {
	higher, err := m.readPageHeader(p)
	if err != nil {
		return nil, nil, err
	}
	r := &Reader{
		m:    m,
		page: p,
		pos:  m.headerRegionSize(),
	}
	if err := r.openChunk(); err != nil {
		return nil, nil, err
	}
	return higher, r, nil
}

// OpenWrite returns a Writer that lazily erases the page on its first
// physical write. The page-header region [0, headerRegionSize) is reserved
// for WriteHeader.
func (m *Manager) OpenWrite(p flash.PageID) *Writer {
	hr := m.headerRegionSize()
	return &Writer{
		m:              m,
		page:           p,
		needsErase:     true,
		chunkStart:     hr,
		chunkDataStart: hr + m.chunkHeaderSize(),
	}
}

// OpenAppend replays all committed chunks to the first non-chunk boundary
// and returns a Writer positioned to append there. If the tail after that
// boundary isn't fully erased, the writer is poisoned: every Write returns
// 0, so the page behaves as full rather than risking an append next to
// partially-written garbage left by a crash.
func (m *Manager) OpenAppend(p flash.PageID) ([]byte, *Writer, error) {
	higher, r, err := m.OpenRead(p)
	if err != nil {
		return nil, nil, err
	}

	for !r.atEnd {
		if err := r.nextChunk(); err != nil {
			return nil, nil, err
		}
	}

	w := &Writer{
		m:              m,
		page:           p,
		needsErase:     false,
		chunkStart:     r.pos,
		chunkDataStart: r.pos + m.chunkHeaderSize(),
	}

	if !w.tailIsErased() {
		w.poisoned = true
	}
	return higher, w, nil
}
