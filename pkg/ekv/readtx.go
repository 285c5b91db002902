package ekv

import (
	"sort"
	"time"

	"github.com/flashkv/ekv/pkg/flash"
	"github.com/flashkv/ekv/pkg/record"
	"github.com/flashkv/ekv/pkg/vfile"
)

// newerThan orders files for both read precedence and compaction's
// duplicate-key tie-break: a lower level wins (compaction moves older data
// up a level, and level 0 holds the latest commits), and within the same
// level a higher file_id (written later) wins.
func newerThan(a, b fileDescriptor) bool {
	if a.Level != b.Level {
		return a.Level < b.Level
	}
	return a.FileID > b.FileID
}

// ReadTx is a point-in-time snapshot of the live file set. It never blocks
// a concurrent write transaction and never observes a commit that occurs
// after it was created.
type ReadTx struct {
	db    *Database
	files []fileDescriptor // newest first
}

// ReadTransaction opens a read snapshot over the database's current file
// set.
func (db *Database) ReadTransaction() *ReadTx {
	var snapshot []fileDescriptor
	db.mu.Lock(func() {
		snapshot = append(snapshot, db.files...)
	})
	sort.Slice(snapshot, func(i, j int) bool { return newerThan(snapshot[i], snapshot[j]) })
	return &ReadTx{db: db, files: snapshot}
}

// Read searches files from newest to oldest for key, copying up to
// len(buf) bytes of its value into buf. It returns the value's full
// length: 0 means the key is absent, and a return value larger than
// len(buf) means the copy was truncated.
func (tx *ReadTx) Read(key []byte, buf []byte) (n int, err error) {
	if len(key) == 0 {
		return 0, newError(KindInvalidInput, "read", nil)
	}
	db := tx.db
	start := time.Now()
	defer func() { db.metrics.ReadTxDuration.Observe(time.Since(start).Seconds()) }()

	var readErr error
	db.mu.Lock(func() {
		for _, fd := range tx.files {
			val, found, e := db.searchFile(fd, key)
			if e != nil {
				readErr = e
				return
			}
			if !found {
				continue
			}
			n = copy(buf, val)
			if len(val) > n {
				n = len(val) // caller detects truncation by comparing against len(buf)
			}
			return
		}
	})
	if readErr != nil {
		return 0, readErr
	}
	return n, nil
}

// searchFile scans one file's sorted record stream for key. Because
// records are stored in ascending key order, this may stop as soon as a
// key greater than the target is seen.
func (db *Database) searchFile(fd fileDescriptor, key []byte) (value []byte, found bool, err error) {
	r, err := vfile.NewReader(db.pages, fd.FileID, flash.PageID(fd.HeadPage), db.lookupPage)
	if err != nil {
		return nil, false, corruptedErr("read: open file", err)
	}
	limits := db.recordLimits()
	for {
		rec, err := record.ReadOne(r, limits)
		if err != nil {
			return nil, false, corruptedErr("read: parse record", err)
		}
		if rec == nil {
			return nil, false, nil // exhausted file, no match
		}
		cmp := compareBytes(rec.Key, key)
		if cmp == 0 {
			return rec.Value, true, nil
		}
		if cmp > 0 {
			return nil, false, nil // ascending order: key can't appear later
		}
	}
}

func (db *Database) lookupPage(fileID uint8, seq uint16) (flash.PageID, bool) {
	pid, ok := db.index[fileSeqKey{fileID, seq}]
	return pid, ok
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
