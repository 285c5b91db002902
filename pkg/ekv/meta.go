package ekv

import (
	"encoding/binary"
	"fmt"

	"github.com/flashkv/ekv/pkg/flash"
)

// fileDescriptor is one entry in a meta page's body: everything needed to
// open a file for reading without touching any other page.
type fileDescriptor struct {
	FileID      uint8
	Level       uint8
	HeadPage    uint16
	TailPage    uint16
	ByteLen     uint32
	RecordCount uint32
}

const fileDescriptorSize = 1 + 1 + 2 + 2 + 4 + 4 // 14 bytes

func encodeFileDescriptor(fd fileDescriptor) []byte {
	buf := make([]byte, fileDescriptorSize)
	buf[0] = fd.FileID
	buf[1] = fd.Level
	binary.LittleEndian.PutUint16(buf[2:4], fd.HeadPage)
	binary.LittleEndian.PutUint16(buf[4:6], fd.TailPage)
	binary.LittleEndian.PutUint32(buf[6:10], fd.ByteLen)
	binary.LittleEndian.PutUint32(buf[10:14], fd.RecordCount)
	return buf
}

func decodeFileDescriptor(buf []byte) fileDescriptor {
	return fileDescriptor{
		FileID:      buf[0],
		Level:       buf[1],
		HeadPage:    binary.LittleEndian.Uint16(buf[2:4]),
		TailPage:    binary.LittleEndian.Uint16(buf[4:6]),
		ByteLen:     binary.LittleEndian.Uint32(buf[6:10]),
		RecordCount: binary.LittleEndian.Uint32(buf[10:14]),
	}
}

// encodeMetaBody serializes the meta page's body: a varint file count
// followed by one fixed-size descriptor per file.
func encodeMetaBody(files []fileDescriptor) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(files)))
	buf := make([]byte, 0, n+len(files)*fileDescriptorSize)
	buf = append(buf, tmp[:n]...)
	for _, fd := range files {
		buf = append(buf, encodeFileDescriptor(fd)...)
	}
	return buf
}

// decodeMetaBody parses a buffer produced by encodeMetaBody.
func decodeMetaBody(buf []byte) ([]fileDescriptor, error) {
	count, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, fmt.Errorf("meta: invalid file count varint")
	}
	buf = buf[n:]
	files := make([]fileDescriptor, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(buf) < fileDescriptorSize {
			return nil, fmt.Errorf("meta: truncated file descriptor %d of %d", i, count)
		}
		files = append(files, decodeFileDescriptor(buf[:fileDescriptorSize]))
		buf = buf[fileDescriptorSize:]
	}
	return files, nil
}

// metaCandidate is one meta page found during a mount scan.
type metaCandidate struct {
	pageID flash.PageID
	seq    uint32
	files  []fileDescriptor
}

// selectMeta picks the winning candidate: largest meta_seq, lowest page id
// breaking ties, matching spec's deterministic selection rule.
func selectMeta(candidates []metaCandidate) (metaCandidate, bool) {
	var best metaCandidate
	found := false
	for _, c := range candidates {
		if !found {
			best, found = c, true
			continue
		}
		if c.seq > best.seq || (c.seq == best.seq && c.pageID < best.pageID) {
			best = c
		}
	}
	return best, found
}
