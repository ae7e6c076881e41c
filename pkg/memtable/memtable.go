// Package memtable holds the in-memory, per-series write buffer the
// engine drains into an SSTable once a point-count threshold is
// crossed. Internally it is a skip-list of skip-lists (series key ->
// timestamp-ordered points), a lock-free idiom generalized to a
// two-level series/timestamp shape.
package memtable

import (
	"sync/atomic"

	"tsdb/pkg/tsmodel"

	"github.com/zhangyunhao116/skipmap"
)

type seriesBucket = skipmap.FuncMap[int64, tsmodel.Point]

func newSeriesBucket() *seriesBucket {
	return skipmap.NewFunc[int64, tsmodel.Point](func(a, b int64) bool { return a < b })
}

type seriesIndex = skipmap.FuncMap[string, *seriesBucket]

func newSeriesIndex() *seriesIndex {
	return skipmap.NewFunc[string, *seriesBucket](func(a, b string) bool { return a < b })
}

// Memtable is the active write buffer for at most one writer at a
// time; readers may range over it concurrently with writes because
// every structure involved is a lock-free skip list.
type Memtable struct {
	index atomic.Pointer[seriesIndex]
	count atomic.Int64
}

// New returns an empty memtable.
func New() *Memtable {
	mt := &Memtable{}
	mt.index.Store(newSeriesIndex())
	return mt
}

func (mt *Memtable) bucketFor(series string) *seriesBucket {
	idx := mt.index.Load()
	if b, ok := idx.Load(series); ok {
		return b
	}
	b, _ := idx.LoadOrStore(series, newSeriesBucket())
	return b
}

// Insert appends p to its series bucket. A point with the same
// timestamp already present in the bucket is overwritten and the
// total counter is left unchanged; otherwise the counter increments.
func (mt *Memtable) Insert(p tsmodel.Point) {
	bucket := mt.bucketFor(p.SeriesKey)
	if _, existed := bucket.LoadOrStore(p.Timestamp, p); existed {
		bucket.Store(p.Timestamp, p)
		return
	}
	mt.count.Add(1)
}

// Get returns the single point at (series, ts), if resident.
func (mt *Memtable) Get(series string, ts int64) (tsmodel.Point, bool) {
	idx := mt.index.Load()
	bucket, ok := idx.Load(series)
	if !ok {
		return tsmodel.Point{}, false
	}
	return bucket.Load(ts)
}

// HasSeries reports whether series has any resident points.
func (mt *Memtable) HasSeries(series string) bool {
	idx := mt.index.Load()
	_, ok := idx.Load(series)
	return ok
}

// Query returns the points of series whose timestamps fall in
// [tLo, tHi], ascending, clipped to limit (0 means unlimited).
func (mt *Memtable) Query(series string, tLo, tHi int64, limit int) []tsmodel.Point {
	idx := mt.index.Load()
	bucket, ok := idx.Load(series)
	if !ok {
		return nil
	}

	var out []tsmodel.Point
	bucket.Range(func(ts int64, p tsmodel.Point) bool {
		if ts < tLo {
			return true
		}
		if ts > tHi {
			return false
		}
		out = append(out, p)
		return limit <= 0 || len(out) < limit
	})
	return out
}

// ListSeries returns every series key currently resident.
func (mt *Memtable) ListSeries() []string {
	idx := mt.index.Load()
	out := make([]string, 0, idx.Len())
	idx.Range(func(key string, _ *seriesBucket) bool {
		out = append(out, key)
		return true
	})
	return out
}

// Len is the total point count across all series.
func (mt *Memtable) Len() int64 {
	return mt.count.Load()
}

// IsFull reports whether the total point count has reached threshold.
func (mt *Memtable) IsFull(threshold int) bool {
	return mt.count.Load() >= int64(threshold)
}

// DeleteSeries drops series from the memtable entirely; used by
// delete_series before the engine records the shadow sentinel.
func (mt *Memtable) DeleteSeries(series string) {
	idx := mt.index.Load()
	bucket, ok := idx.LoadAndDelete(series)
	if !ok {
		return
	}
	mt.count.Add(-int64(bucket.Len()))
}

// Drain atomically swaps in a fresh empty index and returns a
// Snapshot of what was resident, sorted ascending per series.
func (mt *Memtable) Drain() *Snapshot {
	old := mt.index.Swap(newSeriesIndex())
	n := mt.count.Swap(0)
	return &Snapshot{index: old, count: n}
}

// Restore reinserts a snapshot's points into the current memtable,
// skipping any (series, ts) already present — used after a failed
// flush, where writes landed in the new memtable while the old one
// was being written to disk and must take precedence.
func (mt *Memtable) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}
	snap.index.Range(func(series string, bucket *seriesBucket) bool {
		target := mt.bucketFor(series)
		bucket.Range(func(ts int64, p tsmodel.Point) bool {
			if _, exists := target.LoadOrStore(ts, p); !exists {
				mt.count.Add(1)
			}
			return true
		})
		return true
	})
}
