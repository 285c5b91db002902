package ekv

// Config fixes the parameters a Database is opened with. None of these
// change for the lifetime of an open database; changing PageSize, Align,
// or EraseValue between Format calls starts a fresh layout.
type Config struct {
	PageSize     int // bytes per flash page
	MaxPageCount int // total pages the flash exposes
	Align        int // write alignment in bytes
	EraseValue   byte

	MaxKeySize   int
	MaxValueSize int

	WriteBufferBytes int // in-RAM sorted buffer size before a level-0 flush
	L0Max            int // max files at level 0 before compaction triggers
	BranchFactor     int // level i+1 target size = BranchFactor * level i
}

// DefaultConfig returns sane parameters for a small microcontroller flash:
// 256-byte pages, 4-byte alignment, up to 64 pages total.
func DefaultConfig() Config {
	return Config{
		PageSize:         256,
		MaxPageCount:     64,
		Align:            4,
		EraseValue:       0xFF,
		MaxKeySize:       64,
		MaxValueSize:     128,
		WriteBufferBytes: 1024,
		L0Max:            4,
		BranchFactor:     4,
	}
}
