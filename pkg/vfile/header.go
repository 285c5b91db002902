// Package vfile implements the file layer: a logical byte stream spanning
// one or more flash pages, chained via a (file_id, seq) pair stored in each
// page's header. Keys are unique per file and appended in ascending order
// by the layer above; vfile itself just deals in bytes.
package vfile

import (
	"encoding/binary"

	"github.com/flashkv/ekv/pkg/flash"
	"github.com/flashkv/ekv/pkg/page"
)

// Kind distinguishes a data page (part of a file's byte stream) from a
// meta page (the live-file directory).
type Kind uint8

const (
	KindData Kind = 1
	KindMeta Kind = 2
)

// PageMagic is the magic this layer stamps on every page header.
const PageMagic uint32 = 0xE66B1A50

// HeaderSize is the size of the higher-layer header this package stores in
// every page: kind(1) + file_id(1) + seq(2) + reserved(4) = 8 bytes,
// matching spec §6's on-flash page header layout.
const HeaderSize = 8

// Header is the per-page chaining metadata: which file this page belongs
// to and its position in that file's page chain. For meta pages, Reserved
// carries meta_seq instead.
type Header struct {
	Kind     Kind
	FileID   uint8
	Seq      uint16
	Reserved uint32
}

// Encode serializes the header to HeaderSize bytes.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(h.Kind)
	buf[1] = h.FileID
	binary.LittleEndian.PutUint16(buf[2:4], h.Seq)
	binary.LittleEndian.PutUint32(buf[4:8], h.Reserved)
	return buf
}

// DecodeHeader parses a HeaderSize-byte buffer produced by Encode.
func DecodeHeader(buf []byte) Header {
	return Header{
		Kind:     Kind(buf[0]),
		FileID:   buf[1],
		Seq:      binary.LittleEndian.Uint16(buf[2:4]),
		Reserved: binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// NewPageManager builds the page.Manager this layer's readers and writers
// are built on, stamped with PageMagic and sized for Header.
func NewPageManager(f flash.Flash, geom flash.Geometry) *page.Manager {
	return &page.Manager{
		Flash:      f,
		Geom:       geom,
		Magic:      PageMagic,
		HeaderSize: HeaderSize,
	}
}
