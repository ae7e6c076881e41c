package sstable

import (
	"fmt"
	"regexp"
	"strconv"
)

const (
	magic         = "TSDB"
	footerMagic   = "FTER"
	formatVersion = uint16(1)

	// magic(4) + version(2) + flags(2) + series_count(4)
	headerFixedSize = 4 + 2 + 2 + 4
	// index_offset(8) + index_count(4) + footer_magic(4)
	footerFixedSize = 8 + 4 + 4
)

var seqPattern = regexp.MustCompile(`^sst-(\d{10})\.sst$`)

// FileName returns the canonical on-disk name for sequence number seq.
func FileName(seq uint64) string {
	return fmt.Sprintf("sst-%010d.sst", seq)
}

// ParseSeq extracts the sequence number from a canonical SSTable file
// name, reporting ok=false for anything that doesn't match.
func ParseSeq(name string) (seq uint64, ok bool) {
	m := seqPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SeriesMeta describes one series' resident block without decoding it.
type SeriesMeta struct {
	SeriesKey  string
	PointCount uint32
	MinTS      int64
	MaxTS      int64
}
