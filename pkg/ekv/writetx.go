package ekv

import (
	"fmt"
	"sort"
	"time"

	"github.com/flashkv/ekv/pkg/flash"
	"github.com/flashkv/ekv/pkg/record"
	"github.com/flashkv/ekv/pkg/vfile"
)

// WriteTx is the single live write transaction. A second call to
// WriteTransaction blocks until this one is committed or discarded.
type WriteTx struct {
	db     *Database
	fileID uint8

	headPage flash.PageID
	writer   *vfile.Writer

	buffer      map[string][]byte
	bufferBytes int
	lastFlushed []byte // nil until the first flush
	recordCount int

	allocatedPages []flash.PageID
	registeredSeqs []uint16

	closed bool
}

// allocateFileID picks a file id not currently used by any live file,
// rotating its starting point across calls the way the page allocator
// rotates its cursor.
func (db *Database) allocateFileID() (uint8, bool) {
	used := make(map[uint8]bool, len(db.files))
	for _, fd := range db.files {
		used[fd.FileID] = true
	}
	for i := 0; i < 256; i++ {
		id := uint8((int(db.nextFileID) + i) % 256)
		if id == 0 {
			continue // reserved: never assigned to a real file
		}
		if !used[id] {
			db.nextFileID = uint8((int(id) + 1) % 256)
			return id, true
		}
	}
	return 0, false
}

// WriteTransaction begins the single write transaction, blocking until any
// prior write transaction has committed or been discarded.
func (db *Database) WriteTransaction() (*WriteTx, error) {
	db.writeSem <- struct{}{}

	var (
		fileID uint8
		head   flash.PageID
		idOK   bool
		pageOK bool
	)
	db.mu.Lock(func() {
		fileID, idOK = db.allocateFileID()
		if !idOK {
			return
		}
		head, pageOK = db.alloc.allocate()
	})
	if !idOK {
		<-db.writeSem
		return nil, newError(KindFull, "write_transaction", fmt.Errorf("no unused file id available"))
	}
	if !pageOK {
		<-db.writeSem
		return nil, newError(KindFull, "write_transaction", fmt.Errorf("no free page for new file's head page"))
	}

	tx := &WriteTx{
		db:             db,
		fileID:         fileID,
		headPage:       head,
		buffer:         make(map[string][]byte),
		allocatedPages: []flash.PageID{head},
	}
	tx.writer = vfile.NewWriter(db.pages, fileID, head, tx.allocate, tx.register)
	return tx, nil
}

func (tx *WriteTx) allocate() (flash.PageID, error) {
	db := tx.db
	p, ok := db.alloc.allocate()
	if !ok {
		db.metrics.FlashFullTotal.Inc()
		return 0, newError(KindFull, "write: allocate page", nil)
	}
	tx.allocatedPages = append(tx.allocatedPages, p)
	db.metrics.PagesAllocatedTotal.Inc()
	return p, nil
}

func (tx *WriteTx) register(fileID uint8, seq uint16, pageID flash.PageID) {
	tx.db.index[fileSeqKey{fileID, seq}] = pageID
	tx.registeredSeqs = append(tx.registeredSeqs, seq)
}

// Write buffers one record in RAM, flushing in ascending key order to the
// level-0 file once the buffer reaches Config.WriteBufferBytes. Monotonic
// key order is not required across Write calls — only across flushes,
// since each flush appends irreversibly to the file.
func (tx *WriteTx) Write(key, value []byte) (err error) {
	if tx.closed {
		return newError(KindInvalidInput, "write", fmt.Errorf("transaction already committed or discarded"))
	}
	if len(key) == 0 {
		return newError(KindInvalidInput, "write", fmt.Errorf("empty key"))
	}
	if len(key) > tx.db.cfg.MaxKeySize {
		return newError(KindKeyTooBig, "write", fmt.Errorf("key length %d exceeds max %d", len(key), tx.db.cfg.MaxKeySize))
	}
	if len(value) > tx.db.cfg.MaxValueSize {
		return newError(KindValueTooBig, "write", fmt.Errorf("value length %d exceeds max %d", len(value), tx.db.cfg.MaxValueSize))
	}

	tx.db.mu.Lock(func() {
		k := string(key)
		if old, exists := tx.buffer[k]; exists {
			tx.bufferBytes += len(value) - len(old)
		} else {
			tx.bufferBytes += len(key) + len(value)
		}
		tx.buffer[k] = append([]byte(nil), value...)

		if tx.bufferBytes >= tx.db.cfg.WriteBufferBytes {
			err = tx.flushBuffer()
		}
	})
	return err
}

// flushBuffer writes every buffered record to the file in ascending key
// order. Caller must hold db.mu.
func (tx *WriteTx) flushBuffer() error {
	if len(tx.buffer) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tx.buffer))
	for k := range tx.buffer {
		keys = append(keys, k)
	}
	sort.Strings(keys) // Go string comparison is byte-wise, matching record key order

	if tx.lastFlushed != nil && compareBytes([]byte(keys[0]), tx.lastFlushed) <= 0 {
		return newError(KindInvalidInput, "write: flush",
			fmt.Errorf("key %q is not greater than the last flushed key %q", keys[0], tx.lastFlushed))
	}

	limits := tx.db.recordLimits()
	for _, k := range keys {
		if err := record.Append(tx.writer, []byte(k), tx.buffer[k], limits); err != nil {
			return propagate("write: flush record", err)
		}
		tx.recordCount++
	}
	tx.lastFlushed = []byte(keys[len(keys)-1])
	tx.buffer = make(map[string][]byte)
	tx.bufferBytes = 0
	return nil
}

// Commit flushes any buffered records, closes the file, and atomically
// publishes a new meta page naming it as a level-0 file. The new file is
// invisible to readers until this completes. After Commit runs compaction
// synchronously if level 0 (or any level it cascades into) now overflows
// its cap.
func (tx *WriteTx) Commit() (err error) {
	if tx.closed {
		return newError(KindInvalidInput, "commit", fmt.Errorf("transaction already committed or discarded"))
	}
	start := time.Now()
	db := tx.db

	var committed bool
	db.mu.Lock(func() {
		if e := tx.flushBuffer(); e != nil {
			err = e
			return
		}
		tail, length, e := tx.writer.Commit()
		if e != nil {
			err = flashErr("commit: close file", e)
			return
		}

		newFD := fileDescriptor{
			FileID:      tx.fileID,
			Level:       0,
			HeadPage:    uint16(tx.headPage),
			TailPage:    uint16(tail),
			ByteLen:     uint32(length),
			RecordCount: uint32(tx.recordCount),
		}
		newFiles := append(append([]fileDescriptor{}, db.files...), newFD)

		if e := db.publishMeta(newFiles, nil); e != nil {
			err = e
			return
		}
		db.files = newFiles
		db.updateLevelGauges()
		committed = true

		if e := db.maybeCompact(); e != nil {
			err = e
		}
	})

	// The transaction's own data never became durable: return its pages so
	// a later write can reuse them instead of leaking them for the rest of
	// the session. Once committed is true the pages belong to a live file
	// (or, if maybeCompact failed afterward, to compaction's own bookkeeping)
	// and must not be freed here.
	if err != nil && !committed {
		db.mu.Lock(func() {
			for _, p := range tx.allocatedPages {
				db.alloc.markFree(p)
			}
			for _, seq := range tx.registeredSeqs {
				delete(db.index, fileSeqKey{tx.fileID, seq})
			}
			db.metrics.FreePagesGauge.Set(float64(db.alloc.freeCount()))
		})
	}

	tx.closed = true
	<-db.writeSem

	dur := time.Since(start)
	db.metrics.WriteTxDuration.Observe(dur.Seconds())
	if err != nil {
		db.metrics.WriteTxAbortsTotal.Inc()
	} else {
		db.metrics.WriteTxCommitsTotal.Inc()
	}
	db.log.LogTxn("write", dur, tx.recordCount, err)
	return err
}

// Discard abandons the transaction. Every page it allocated becomes an
// orphan: freed in the allocator immediately (so this session can reuse
// it right away) but not physically erased until it is next opened for
// write, matching the "lazily reused" recovery rule.
func (tx *WriteTx) Discard() {
	if tx.closed {
		return
	}
	db := tx.db
	db.mu.Lock(func() {
		for _, p := range tx.allocatedPages {
			db.alloc.markFree(p)
		}
		for _, seq := range tx.registeredSeqs {
			delete(db.index, fileSeqKey{tx.fileID, seq})
		}
		db.metrics.FreePagesGauge.Set(float64(db.alloc.freeCount()))
	})
	tx.closed = true
	<-db.writeSem
	db.metrics.WriteTxAbortsTotal.Inc()
	db.log.LogTxn("write_discard", 0, tx.recordCount, nil)
}

// publishMeta writes a new meta page listing newFiles, makes it current,
// then reclaims the old meta page and any pages in removed. The old
// layout remains the durable one until the new meta's chunk header write
// succeeds; if that fails, removed pages stay in use and the attempted
// meta page is returned to the allocator.
func (db *Database) publishMeta(newFiles []fileDescriptor, removed []flash.PageID) error {
	metaPage, ok := db.alloc.allocate()
	if !ok {
		return newError(KindFull, "publish meta", fmt.Errorf("no free page for new meta"))
	}
	newSeq := db.metaSeq + 1
	if err := db.writeMetaPage(metaPage, newSeq, newFiles); err != nil {
		db.alloc.markFree(metaPage)
		return err
	}

	oldMeta := db.metaPageID
	db.metaPageID = metaPage
	db.metaSeq = newSeq

	if err := db.flash.Erase(oldMeta); err != nil {
		return flashErr("publish meta: erase old meta", err)
	}
	db.alloc.markFree(oldMeta)
	db.metrics.PagesErasedTotal.Inc()

	for _, p := range removed {
		if err := db.flash.Erase(p); err != nil {
			return flashErr("publish meta: erase orphaned page", err)
		}
		db.alloc.markFree(p)
		db.metrics.PagesErasedTotal.Inc()
	}
	db.metrics.FreePagesGauge.Set(float64(db.alloc.freeCount()))
	return nil
}
