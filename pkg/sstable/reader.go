package sstable

import (
	"encoding/binary"
	"fmt"
	"sort"

	"tsdb/pkg/gorilla"
	"tsdb/pkg/tsdberrors"
	"tsdb/pkg/tsmodel"
)

type indexEntry struct {
	offset       int64
	pointCount   uint32
	minTS, maxTS int64
}

// Reader is a read-only, memory-mapped view of one immutable SSTable
// file. All decoding happens lazily per-series through cache, so
// opening a file only parses its index.
// Reader's fields are all immutable after parse (index, seriesOrder,
// data) or independently synchronized (cache), so no lock of its own
// is needed: concurrent Range/Get/Contains calls are safe as-is.
type Reader struct {
	path string
	data []byte

	seriesOrder []string
	index       map[string]indexEntry
	cache       BlockCache
}

// Open validates the footer and index of the file at path and returns
// a Reader over its memory-mapped contents. Any structural problem is
// reported as tsdberrors.Corruption so the caller can quarantine the
// file rather than crash the process.
func Open(path string, cache BlockCache) (*Reader, error) {
	data, size, err := mmapFile(path)
	if err != nil {
		return nil, tsdberrors.New(tsdberrors.Io, "sstable.Open", err)
	}

	r := &Reader{path: path, data: data, cache: cache}
	if err := r.parse(size); err != nil {
		munmap(data)
		return nil, err
	}
	return r, nil
}

func (r *Reader) parse(size int64) error {
	if size < int64(headerFixedSize+footerFixedSize) {
		return tsdberrors.New(tsdberrors.Corruption, "sstable.Open", fmt.Errorf("%s: truncated file", r.path))
	}
	if string(r.data[0:4]) != magic {
		return tsdberrors.New(tsdberrors.Corruption, "sstable.Open", fmt.Errorf("%s: bad magic", r.path))
	}
	version := binary.LittleEndian.Uint16(r.data[4:6])
	if version != formatVersion {
		return tsdberrors.New(tsdberrors.Corruption, "sstable.Open", fmt.Errorf("%s: unsupported version %d", r.path, version))
	}
	seriesCount := binary.LittleEndian.Uint32(r.data[8:12])

	footerStart := int(size) - footerFixedSize
	if string(r.data[footerStart+12:footerStart+16]) != footerMagic {
		return tsdberrors.New(tsdberrors.Corruption, "sstable.Open", fmt.Errorf("%s: bad footer magic", r.path))
	}
	indexOffset := int64(binary.LittleEndian.Uint64(r.data[footerStart : footerStart+8]))
	indexCount := binary.LittleEndian.Uint32(r.data[footerStart+8 : footerStart+12])

	if indexCount != seriesCount {
		return tsdberrors.New(tsdberrors.Corruption, "sstable.Open", fmt.Errorf("%s: header series_count %d does not match footer index_count %d", r.path, seriesCount, indexCount))
	}
	if indexOffset < 0 || indexOffset > int64(footerStart) {
		return tsdberrors.New(tsdberrors.Corruption, "sstable.Open", fmt.Errorf("%s: index offset out of range", r.path))
	}

	index := make(map[string]indexEntry, indexCount)
	order := make([]string, 0, indexCount)

	pos := int(indexOffset)
	for i := uint32(0); i < indexCount; i++ {
		var ok bool
		var key string
		var ent indexEntry
		key, ent, pos, ok = parseIndexEntry(r.data, pos, footerStart)
		if !ok {
			return tsdberrors.New(tsdberrors.Corruption, "sstable.Open", fmt.Errorf("%s: truncated index entry %d", r.path, i))
		}
		index[key] = ent
		order = append(order, key)
	}

	r.index = index
	r.seriesOrder = order
	return nil
}

func parseIndexEntry(data []byte, pos, limit int) (key string, ent indexEntry, next int, ok bool) {
	if pos+2 > limit {
		return "", indexEntry{}, 0, false
	}
	klen := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if pos+klen+8+4+8+8 > len(data) {
		return "", indexEntry{}, 0, false
	}
	key = string(data[pos : pos+klen])
	pos += klen
	offset := int64(binary.LittleEndian.Uint64(data[pos : pos+8]))
	pos += 8
	pointCount := binary.LittleEndian.Uint32(data[pos : pos+4])
	pos += 4
	minTS := int64(binary.LittleEndian.Uint64(data[pos : pos+8]))
	pos += 8
	maxTS := int64(binary.LittleEndian.Uint64(data[pos : pos+8]))
	pos += 8
	return key, indexEntry{offset: offset, pointCount: pointCount, minTS: minTS, maxTS: maxTS}, pos, true
}

// Contains reports whether series has a resident block in this file.
func (r *Reader) Contains(series string) bool {
	_, ok := r.index[series]
	return ok
}

// List returns metadata for every series in this file, in the
// deterministic order they were written.
func (r *Reader) List() []SeriesMeta {
	out := make([]SeriesMeta, 0, len(r.seriesOrder))
	for _, key := range r.seriesOrder {
		e := r.index[key]
		out = append(out, SeriesMeta{SeriesKey: key, PointCount: e.pointCount, MinTS: e.minTS, MaxTS: e.maxTS})
	}
	return out
}

// Range returns the points of series with tLo <= ts <= tHi, decoding
// the series' block only if its [minTS,maxTS] overlaps the query.
func (r *Reader) Range(series string, tLo, tHi int64) ([]tsmodel.Point, error) {
	e, ok := r.index[series]
	if !ok {
		return nil, nil
	}
	if e.maxTS < tLo || e.minTS > tHi {
		return nil, nil
	}

	points, tags, err := r.decodeBlock(series, e)
	if err != nil {
		return nil, err
	}

	lo := sort.Search(len(points), func(i int) bool { return points[i].Timestamp >= tLo })
	hi := sort.Search(len(points), func(i int) bool { return points[i].Timestamp > tHi })
	if lo >= hi {
		return nil, nil
	}

	out := make([]tsmodel.Point, hi-lo)
	for i, p := range points[lo:hi] {
		p.Tags = tags
		out[i] = p
	}
	return out, nil
}

// Get returns the single point at ts for series, if present.
func (r *Reader) Get(series string, ts int64) (tsmodel.Point, bool, error) {
	e, ok := r.index[series]
	if !ok || ts < e.minTS || ts > e.maxTS {
		return tsmodel.Point{}, false, nil
	}

	points, tags, err := r.decodeBlock(series, e)
	if err != nil {
		return tsmodel.Point{}, false, err
	}

	i := sort.Search(len(points), func(i int) bool { return points[i].Timestamp >= ts })
	if i >= len(points) || points[i].Timestamp != ts {
		return tsmodel.Point{}, false, nil
	}
	p := points[i]
	p.Tags = tags
	return p, true, nil
}

func (r *Reader) decodeBlock(series string, e indexEntry) ([]tsmodel.Point, tsmodel.Tags, error) {
	cacheKey := r.path + ":" + series

	if r.cache != nil {
		if cached, ok := r.cache.Get(cacheKey); ok {
			return cached, r.readTags(e), nil
		}
	}

	points, err := r.readBlock(series, e)
	if err != nil {
		return nil, nil, err
	}
	if r.cache != nil {
		r.cache.Set(cacheKey, points)
	}
	return points, r.readTags(e), nil
}

// readBlock and readTags both re-walk the block header. readBlock runs
// only on a cache miss; readTags runs on every decodeBlock call, since
// the cache holds decoded points but not tags.
func (r *Reader) readBlock(series string, e indexEntry) ([]tsmodel.Point, error) {
	pos := int(e.offset)
	data := r.data

	klen := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
	pos += 2 + klen
	pointCount := binary.LittleEndian.Uint32(data[pos : pos+4])
	pos += 4 + 8 + 8 // point_count already read; skip min_ts, max_ts

	tagCount := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
	pos += 2
	for i := 0; i < tagCount; i++ {
		klen := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
		pos += 2 + klen
		vlen := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
		pos += 2 + vlen
	}

	payloadLen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
	pos += 4
	payload := data[pos : pos+payloadLen]

	samples, err := gorilla.Decode(payload)
	if err != nil {
		return nil, tsdberrors.New(tsdberrors.Corruption, "sstable.Read", fmt.Errorf("series %q: %w", series, err))
	}
	if uint32(len(samples)) != pointCount {
		return nil, tsdberrors.New(tsdberrors.Corruption, "sstable.Read", fmt.Errorf("series %q: point count mismatch", series))
	}

	points := make([]tsmodel.Point, len(samples))
	for i, s := range samples {
		points[i] = tsmodel.Point{SeriesKey: series, Timestamp: s.Timestamp, Value: s.Value}
	}
	return points, nil
}

func (r *Reader) readTags(e indexEntry) tsmodel.Tags {
	pos := int(e.offset)
	data := r.data

	klen := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
	pos += 2 + klen
	pos += 4 + 8 + 8 // point_count, min_ts, max_ts

	tagCount := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if tagCount == 0 {
		return nil
	}
	tags := make(tsmodel.Tags, tagCount)
	for i := 0; i < tagCount; i++ {
		klen := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
		pos += 2
		key := string(data[pos : pos+klen])
		pos += klen
		vlen := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
		pos += 2
		val := string(data[pos : pos+vlen])
		pos += vlen
		tags[key] = val
	}
	return tags
}

// Path returns the backing file path.
func (r *Reader) Path() string { return r.path }

// Close unmaps the file. The Reader must not be used afterward.
func (r *Reader) Close() error {
	data := r.data
	r.data = nil
	return munmap(data)
}
