package vfile

import (
	"github.com/flashkv/ekv/pkg/flash"
	"github.com/flashkv/ekv/pkg/page"
)

// Allocator hands out fresh pages. It returns an error of the caller's own
// type (a "full" error) when no page is available; the
// file layer itself doesn't interpret errors, just propagates them.
type Allocator func() (flash.PageID, error)

// Registrar records that (fileID, seq) now lives at pageID, so readers
// mounted later (or compaction running concurrently with this writer's
// caller) can find it. Called once per page as soon as that page's header
// is durably written — not before, since the page isn't part of any
// committed file until then.
type Registrar func(fileID uint8, seq uint16, pageID flash.PageID)

// Writer appends bytes to one file, spanning pages as needed.
type Writer struct {
	pages *page.Manager

	fileID uint8
	seq    uint16

	head     flash.PageID
	curID    flash.PageID
	cur      *page.Writer

	allocate Allocator
	register Registrar

	total int
}

// NewWriter opens a new file starting at headPage, which the caller must
// already have allocated.
func NewWriter(pages *page.Manager, fileID uint8, headPage flash.PageID, allocate Allocator, register Registrar) *Writer {
	return &Writer{
		pages:    pages,
		fileID:   fileID,
		head:     headPage,
		curID:    headPage,
		cur:      pages.OpenWrite(headPage),
		allocate: allocate,
		register: register,
	}
}

// HeadPage returns the file's first page id.
func (w *Writer) HeadPage() flash.PageID { return w.head }

// Len returns the total number of bytes accepted so far.
func (w *Writer) Len() int { return w.total }

// Write appends buf to the file, hopping to a freshly allocated page
// whenever the current one fills up.
func (w *Writer) Write(buf []byte) (int, error) {
	total := 0
	for len(buf) > 0 {
		n, err := w.cur.Write(buf)
		if err != nil {
			return total, err
		}
		total += n
		w.total += n
		buf = buf[n:]
		if len(buf) == 0 {
			break
		}

		// Current page is full: close it out and move to a new one.
		if err := w.closePage(); err != nil {
			return total, err
		}
		next, err := w.allocate()
		if err != nil {
			return total, err
		}
		w.seq++
		w.curID = next
		w.cur = w.pages.OpenWrite(next)
	}
	return total, nil
}

// closePage commits the current page's chunk and writes its page header,
// then registers it in the (file_id, seq) -> page_id index.
func (w *Writer) closePage() error {
	if err := w.cur.Commit(); err != nil {
		return err
	}
	h := Header{Kind: KindData, FileID: w.fileID, Seq: w.seq}
	if err := w.cur.WriteHeader(h.Encode()); err != nil {
		return err
	}
	w.register(w.fileID, w.seq, w.curID)
	return nil
}

// Commit closes the file's current (and final) page, making it and every
// prior page durable and indexed. Returns the tail page id and the file's
// total byte length. A Writer abandoned without calling Commit leaves
// every page it touched as an orphan: headers may be written, but since
// Commit was never reached for this file, no meta entry will ever name
// this fileID/seq range, and mount erases unreferenced pages as orphans.
func (w *Writer) Commit() (tail flash.PageID, length int, err error) {
	if err := w.closePage(); err != nil {
		return 0, 0, err
	}
	return w.curID, w.total, nil
}
