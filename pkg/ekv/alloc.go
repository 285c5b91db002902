package ekv

import "github.com/flashkv/ekv/pkg/flash"

// allocator hands out page ids for new pages, rotating its starting cursor
// across allocations for coarse wear-levelling. Actual erasure is left to
// the page layer's own lazy-erase-on-first-write behavior; this type only
// decides which page id is handed out next.
//
// Pages freed as part of an in-flight commit or compaction are NOT marked
// free here until the new meta that makes them garbage is durably
// committed — callers hold onto the list of about-to-be-freed pages and
// call markFree only after publish succeeds, so a failed or torn commit
// never lets a page be reused before its old content is truly disowned.
type allocator struct {
	pageCount int
	inUse     []bool
	cursor    int
}

func newAllocator(pageCount int) *allocator {
	return &allocator{
		pageCount: pageCount,
		inUse:     make([]bool, pageCount),
	}
}

func (a *allocator) markInUse(p flash.PageID) {
	a.inUse[int(p)] = true
}

func (a *allocator) markFree(p flash.PageID) {
	a.inUse[int(p)] = false
}

func (a *allocator) isFree(p flash.PageID) bool {
	return !a.inUse[int(p)]
}

func (a *allocator) freeCount() int {
	n := 0
	for _, used := range a.inUse {
		if !used {
			n++
		}
	}
	return n
}

// allocate returns the next free page id starting from the rotating
// cursor, or false if none remain (callers turn that into a KindFull error).
func (a *allocator) allocate() (flash.PageID, bool) {
	for i := 0; i < a.pageCount; i++ {
		p := (a.cursor + i) % a.pageCount
		if !a.inUse[p] {
			a.inUse[p] = true
			a.cursor = (p + 1) % a.pageCount
			return flash.PageID(p), true
		}
	}
	return 0, false
}
