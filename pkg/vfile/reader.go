package vfile

import (
	"github.com/flashkv/ekv/pkg/flash"
	"github.com/flashkv/ekv/pkg/page"
)

// Lookup resolves (fileID, seq) to the page id holding that slice of the
// file, using the in-memory index built once at mount by scanning every
// page (and kept up to date thereafter as files are written).
type Lookup func(fileID uint8, seq uint16) (flash.PageID, bool)

// Reader sequentially reads one file's byte stream, advancing across pages
// transparently via Lookup.
type Reader struct {
	pages *page.Manager

	fileID uint8
	seq    uint16

	curID flash.PageID
	cur   *page.Reader

	lookup Lookup
}

// NewReader opens a file for reading, starting at its head page.
func NewReader(pages *page.Manager, fileID uint8, headPage flash.PageID, lookup Lookup) (*Reader, error) {
	higher, pr, err := pages.OpenRead(headPage)
	if err != nil {
		return nil, err
	}
	h := DecodeHeader(higher)
	if h.Kind != KindData || h.FileID != fileID || h.Seq != 0 {
		return nil, page.ErrCorrupted
	}
	return &Reader{
		pages:  pages,
		fileID: fileID,
		curID:  headPage,
		cur:    pr,
		lookup: lookup,
	}, nil
}

// Read consumes from the file, hopping pages as each one's chunks are
// exhausted. Returns 0 once the final page's committed chunks are spent.
func (r *Reader) Read(buf []byte) (int, error) {
	total := 0
	for len(buf) > 0 {
		n, err := r.cur.Read(buf)
		if err != nil {
			return total, err
		}
		total += n
		buf = buf[n:]
		if n > 0 {
			continue
		}

		eof, err := r.cur.AtEOF()
		if err != nil {
			return total, err
		}
		if !eof {
			break // defensive: Read already returns >0 unless at end
		}

		next, ok := r.lookup(r.fileID, r.seq+1)
		if !ok {
			return total, nil // real end of file
		}
		higher, pr, err := r.pages.OpenRead(next)
		if err != nil {
			return total, err
		}
		h := DecodeHeader(higher)
		if h.Kind != KindData || h.FileID != r.fileID || h.Seq != r.seq+1 {
			return total, page.ErrCorrupted
		}
		r.seq++
		r.curID = next
		r.cur = pr
	}
	return total, nil
}

// Skip advances the reader by n logical bytes without copying data,
// hopping across chunks and pages exactly like Read.
func (r *Reader) Skip(n int) (int, error) {
	total := 0
	for n > 0 {
		k, err := r.cur.Skip(n)
		if err != nil {
			return total, err
		}
		total += k
		n -= k
		if k > 0 {
			continue
		}

		eof, err := r.cur.AtEOF()
		if err != nil {
			return total, err
		}
		if !eof {
			break
		}

		next, ok := r.lookup(r.fileID, r.seq+1)
		if !ok {
			return total, nil
		}
		higher, pr, err := r.pages.OpenRead(next)
		if err != nil {
			return total, err
		}
		h := DecodeHeader(higher)
		if h.Kind != KindData || h.FileID != r.fileID || h.Seq != r.seq+1 {
			return total, page.ErrCorrupted
		}
		r.seq++
		r.curID = next
		r.cur = pr
	}
	return total, nil
}

// CurrentPage returns the page id the reader is currently positioned in,
// useful for diagnostics.
func (r *Reader) CurrentPage() flash.PageID { return r.curID }
