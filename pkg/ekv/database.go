// Package ekv is an embedded, transactional key/value engine for raw NOR
// flash: a page allocator, a chunk-framed page layer, a file abstraction
// chaining pages into byte streams, and a leveled log-structured merge of
// files providing point reads, single-writer transactions, and compaction.
package ekv

import (
	"fmt"

	"github.com/flashkv/ekv/pkg/flash"
	"github.com/flashkv/ekv/pkg/hostsync"
	"github.com/flashkv/ekv/pkg/page"
	"github.com/flashkv/ekv/pkg/record"
	"github.com/flashkv/ekv/pkg/vfile"

	"github.com/flashkv/ekv/internal/elog"
	"github.com/flashkv/ekv/internal/emetrics"
)

// fileSeqKey identifies one page's position within its file's chain.
type fileSeqKey struct {
	fileID uint8
	seq    uint16
}

// Database is the engine's handle. All state reachable from it; there is
// no global state anywhere in the package.
type Database struct {
	flash flash.Flash
	cfg   Config
	pages *page.Manager

	mu       hostsync.Mutex
	writeSem chan struct{}

	log     *elog.Logger
	metrics *emetrics.Metrics

	mounted bool

	alloc *allocator

	metaPageID flash.PageID
	metaSeq    uint32

	files []fileDescriptor
	index map[fileSeqKey]flash.PageID

	nextFileID uint8
}

// Open constructs a Database handle against the given flash and config. It
// performs no I/O; call Format or Mount before using it.
func Open(f flash.Flash, cfg Config, log *elog.Logger, metrics *emetrics.Metrics, mu hostsync.Mutex) *Database {
	if log == nil {
		log = elog.Nop()
	}
	if metrics == nil {
		metrics = emetrics.New()
	}
	if mu == nil {
		mu = hostsync.NoopMutex{}
	}
	geom := flash.Geometry{PageSize: cfg.PageSize, Align: cfg.Align, EraseValue: cfg.EraseValue}
	pages := vfile.NewPageManager(f, geom)
	pages.Logger = log.WithComponent("page")
	return &Database{
		flash:    f,
		cfg:      cfg,
		pages:    pages,
		mu:       mu,
		writeSem: make(chan struct{}, 1),
		log:      log.WithComponent("db"),
		metrics:  metrics,
	}
}

// Format erases every page and writes a fresh, empty meta page at meta_seq
// 0. Any previously mounted state is discarded.
func (db *Database) Format() (err error) {
	db.mu.Lock(func() {
		err = db.format()
	})
	return err
}

func (db *Database) format() error {
	for p := 0; p < db.cfg.MaxPageCount; p++ {
		if err := db.flash.Erase(flash.PageID(p)); err != nil {
			return flashErr("format", err)
		}
		db.metrics.PagesErasedTotal.Inc()
	}

	db.alloc = newAllocator(db.cfg.MaxPageCount)
	metaPage, ok := db.alloc.allocate()
	if !ok {
		return newError(KindFull, "format", fmt.Errorf("no pages available to host the meta page"))
	}
	if err := db.writeMetaPage(metaPage, 0, nil); err != nil {
		return err
	}

	db.metaPageID = metaPage
	db.metaSeq = 0
	db.files = nil
	db.index = make(map[fileSeqKey]flash.PageID)
	db.nextFileID = 1
	db.mounted = true

	db.metrics.FreePagesGauge.Set(float64(db.alloc.freeCount()))
	db.updateLevelGauges()
	db.log.Info("format complete").Int("pages", db.cfg.MaxPageCount).Send()
	return nil
}

// Mount scans every page, selects the winning meta page by largest
// meta_seq (lowest page id breaking ties), rebuilds the (file_id, seq) ->
// page_id index, and reclaims any page not reachable from the winning
// meta as an orphan. Mount failure is fatal — the database must be
// formatted to be usable again.
func (db *Database) Mount() (err error) {
	db.mu.Lock(func() {
		err = db.mount()
	})
	return err
}

func (db *Database) mount() error {
	candidates, pageHeaders, err := db.scan()
	if err != nil {
		return err
	}
	winner, ok := selectMeta(candidates)
	if !ok {
		db.metrics.CorruptedPagesTotal.Inc()
		return newError(KindCorrupted, "mount", fmt.Errorf("no valid meta page found among %d pages", db.cfg.MaxPageCount))
	}

	db.metaPageID = winner.pageID
	db.metaSeq = winner.seq
	db.files = winner.files

	db.alloc = newAllocator(db.cfg.MaxPageCount)
	db.alloc.markInUse(db.metaPageID)
	referenced := map[flash.PageID]bool{db.metaPageID: true}
	for _, fd := range db.files {
		for seq := uint16(0); ; seq++ {
			pid, ok := db.index[fileSeqKey{fd.FileID, seq}]
			if !ok {
				break
			}
			db.alloc.markInUse(pid)
			referenced[pid] = true
			if pid == flash.PageID(fd.TailPage) {
				break
			}
		}
	}

	orphans := 0
	for pid := range pageHeaders {
		if referenced[pid] {
			continue
		}
		if err := db.flash.Erase(pid); err != nil {
			return flashErr("mount: reclaim orphan", err)
		}
		db.alloc.markFree(pid)
		orphans++
	}
	for k, pid := range db.index {
		if !referenced[pid] {
			delete(db.index, k) // the page was an orphan and is now erased
		}
	}
	db.metrics.OrphanPagesReclaimed.Add(float64(orphans))
	db.metrics.FreePagesGauge.Set(float64(db.alloc.freeCount()))
	db.updateLevelGauges()

	db.nextFileID = nextFreeFileID(db.files)
	db.mounted = true
	db.log.LogMount(db.metaSeq, len(db.files), orphans, nil)
	return nil
}

// scan reads every page's header, returning every meta-page candidate
// found and the set of pages carrying a valid page-layer header (data or
// meta), and (re)builds the (file_id, seq) -> page_id index as a side
// effect.
func (db *Database) scan() ([]metaCandidate, map[flash.PageID]struct{}, error) {
	var candidates []metaCandidate
	db.index = make(map[fileSeqKey]flash.PageID)
	headers := make(map[flash.PageID]struct{})

	for p := 0; p < db.cfg.MaxPageCount; p++ {
		pid := flash.PageID(p)
		higher, r, err := db.pages.OpenRead(pid)
		if err == page.ErrCorrupted {
			continue // unwritten (still erased) or genuinely invalid: treat as free
		}
		if err != nil {
			return nil, nil, flashErr("mount: scan", err)
		}
		headers[pid] = struct{}{}

		h := vfile.DecodeHeader(higher)
		switch h.Kind {
		case vfile.KindData:
			db.index[fileSeqKey{h.FileID, h.Seq}] = pid
		case vfile.KindMeta:
			body, err := readAllChunks(r)
			if err != nil {
				continue // unreadable body: not a valid candidate
			}
			files, err := decodeMetaBody(body)
			if err != nil {
				continue
			}
			candidates = append(candidates, metaCandidate{pageID: pid, seq: h.Reserved, files: files})
		}
	}
	return candidates, headers, nil
}

func readAllChunks(r *page.Reader) ([]byte, error) {
	var out []byte
	buf := make([]byte, 64)
	for {
		n, err := r.Read(buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, buf[:n]...)
	}
}

func nextFreeFileID(files []fileDescriptor) uint8 {
	var max uint8
	seen := false
	for _, fd := range files {
		if !seen || fd.FileID > max {
			max, seen = fd.FileID, true
		}
	}
	if !seen {
		return 1
	}
	return max + 1
}

// writeMetaPage serializes files and writes them as the body of a single
// committed chunk on pageID, stamped with the meta kind and metaSeq.
func (db *Database) writeMetaPage(pageID flash.PageID, metaSeq uint32, files []fileDescriptor) error {
	body := encodeMetaBody(files)
	w := db.pages.OpenWrite(pageID)
	h := vfile.Header{Kind: vfile.KindMeta, Reserved: metaSeq}
	if err := w.WriteHeader(h.Encode()); err != nil {
		return flashErr("write meta: header", err)
	}
	n, err := w.Write(body)
	if err != nil {
		return flashErr("write meta: body", err)
	}
	if n != len(body) {
		return newError(KindFull, "write meta", fmt.Errorf("meta body of %d bytes does not fit in one page (accepted %d)", len(body), n))
	}
	if err := w.Commit(); err != nil {
		return flashErr("write meta: commit", err)
	}
	db.metrics.PagesWrittenTotal.Inc()
	return nil
}

func (db *Database) updateLevelGauges() {
	counts := make(map[uint8]int)
	for _, fd := range db.files {
		counts[fd.Level]++
	}
	for level, n := range counts {
		db.metrics.LevelFilesGauge.WithLabelValues(fmt.Sprintf("%d", level)).Set(float64(n))
	}
}

// recordLimits returns the record-layer size limits derived from Config.
func (db *Database) recordLimits() record.Limits {
	return record.Limits{MaxKeySize: db.cfg.MaxKeySize, MaxValueSize: db.cfg.MaxValueSize}
}
