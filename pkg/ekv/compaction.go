package ekv

import (
	"fmt"
	"sort"
	"time"

	"github.com/flashkv/ekv/pkg/flash"
	"github.com/flashkv/ekv/pkg/record"
	"github.com/flashkv/ekv/pkg/vfile"
)

// maybeCompact checks level 0 and, cascading upward, every level it
// overflows into, compacting eagerly until no level exceeds its cap.
// Config carries no per-level file-count field beyond L0Max, so every
// level is capped at L0Max files; BranchFactor only describes each
// level's expected output size relative to the one below it.
func (db *Database) maybeCompact() error {
	for level := 0; ; level++ {
		files := filesAtLevel(db.files, level)
		if len(files) < db.cfg.L0Max {
			return nil
		}
		if err := db.compactLevel(level, files); err != nil {
			return err
		}
	}
}

func filesAtLevel(files []fileDescriptor, level int) []fileDescriptor {
	var out []fileDescriptor
	for _, fd := range files {
		if int(fd.Level) == level {
			out = append(out, fd)
		}
	}
	return out
}

// compactLevel merges every file at level into one new file at level+1,
// resolving duplicate keys in favor of the newer input file, then
// atomically publishes the result.
func (db *Database) compactLevel(level int, inputs []fileDescriptor) error {
	start := time.Now()

	// Oldest first, so later (newer) writes into the merge map win ties.
	ordered := append([]fileDescriptor{}, inputs...)
	sort.Slice(ordered, func(i, j int) bool { return newerThan(ordered[j], ordered[i]) })

	merged := make(map[string][]byte)
	for _, fd := range ordered {
		recs, err := db.readAllRecords(fd)
		if err != nil {
			db.log.LogCompaction(level, len(inputs), 0, time.Since(start), err)
			return err
		}
		for _, rec := range recs {
			merged[string(rec.Key)] = rec.Value
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	outFileID, ok := db.allocateFileID()
	if !ok {
		return newError(KindFull, "compact", fmt.Errorf("no unused file id for compaction output"))
	}
	outHead, ok := db.alloc.allocate()
	if !ok {
		return newError(KindFull, "compact", fmt.Errorf("no free page for compaction output"))
	}

	var allocated []flash.PageID
	var registered []uint16
	allocate := func() (flash.PageID, error) {
		p, ok := db.alloc.allocate()
		if !ok {
			return 0, newError(KindFull, "compact: allocate page", nil)
		}
		allocated = append(allocated, p)
		return p, nil
	}
	register := func(fileID uint8, seq uint16, pageID flash.PageID) {
		db.index[fileSeqKey{fileID, seq}] = pageID
		registered = append(registered, seq)
	}

	w := vfile.NewWriter(db.pages, outFileID, outHead, allocate, register)
	limits := db.recordLimits()
	for _, k := range keys {
		if err := record.Append(w, []byte(k), merged[k], limits); err != nil {
			for _, p := range append([]flash.PageID{outHead}, allocated...) {
				db.alloc.markFree(p)
			}
			for _, seq := range registered {
				delete(db.index, fileSeqKey{outFileID, seq})
			}
			return propagate("compact: write merged record", err)
		}
	}
	tail, length, err := w.Commit()
	if err != nil {
		for _, p := range append([]flash.PageID{outHead}, allocated...) {
			db.alloc.markFree(p)
		}
		for _, seq := range registered {
			delete(db.index, fileSeqKey{outFileID, seq})
		}
		return flashErr("compact: close output file", err)
	}

	outFD := fileDescriptor{
		FileID:      outFileID,
		Level:       uint8(level + 1),
		HeadPage:    uint16(outHead),
		TailPage:    uint16(tail),
		ByteLen:     uint32(length),
		RecordCount: uint32(len(keys)),
	}

	inputIDs := make(map[uint8]bool, len(inputs))
	for _, fd := range inputs {
		inputIDs[fd.FileID] = true
	}
	newFiles := make([]fileDescriptor, 0, len(db.files)-len(inputs)+1)
	for _, fd := range db.files {
		if inputIDs[fd.FileID] {
			continue
		}
		newFiles = append(newFiles, fd)
	}
	newFiles = append(newFiles, outFD)

	var removed []flash.PageID
	for _, fd := range inputs {
		removed = append(removed, db.filePages(fd)...)
	}

	if err := db.publishMeta(newFiles, removed); err != nil {
		for _, p := range append([]flash.PageID{outHead}, allocated...) {
			db.alloc.markFree(p)
		}
		for _, seq := range registered {
			delete(db.index, fileSeqKey{outFileID, seq})
		}
		return err
	}
	db.files = newFiles
	for _, fd := range inputs {
		for seq := uint16(0); ; seq++ {
			if _, ok := db.index[fileSeqKey{fd.FileID, seq}]; !ok {
				break
			}
			delete(db.index, fileSeqKey{fd.FileID, seq})
		}
	}
	db.updateLevelGauges()
	db.metrics.ObserveCompaction(level, time.Since(start))
	db.log.LogCompaction(level, len(inputs), int(outFileID), time.Since(start), nil)
	return nil
}

// readAllRecords opens fd for reading and parses every record in it.
func (db *Database) readAllRecords(fd fileDescriptor) ([]record.Record, error) {
	r, err := vfile.NewReader(db.pages, fd.FileID, flash.PageID(fd.HeadPage), db.lookupPage)
	if err != nil {
		return nil, corruptedErr("compact: open input file", err)
	}
	recs, err := record.ReadAll(r, db.recordLimits())
	if err != nil {
		return nil, corruptedErr("compact: parse input file", err)
	}
	return recs, nil
}

// filePages walks fd's (file_id, seq) chain via the index to list every
// physical page it occupies.
func (db *Database) filePages(fd fileDescriptor) []flash.PageID {
	var pages []flash.PageID
	for seq := uint16(0); ; seq++ {
		pid, ok := db.index[fileSeqKey{fd.FileID, seq}]
		if !ok {
			break
		}
		pages = append(pages, pid)
		if pid == flash.PageID(fd.TailPage) {
			break
		}
	}
	return pages
}
