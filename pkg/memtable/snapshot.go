package memtable

import "tsdb/pkg/tsmodel"

// Snapshot is the drained contents of a memtable: every series'
// points in ascending timestamp order, ready for the SSTable writer
// or for restoration after a failed flush.
type Snapshot struct {
	index *seriesIndex
	count int64
}

// Len is the total point count captured by the snapshot.
func (s *Snapshot) Len() int64 {
	if s == nil {
		return 0
	}
	return s.count
}

// Series returns the sorted point slice for series, or nil.
func (s *Snapshot) Series(series string) []tsmodel.Point {
	if s == nil {
		return nil
	}
	bucket, ok := s.index.Load(series)
	if !ok {
		return nil
	}
	out := make([]tsmodel.Point, 0, bucket.Len())
	bucket.Range(func(_ int64, p tsmodel.Point) bool {
		out = append(out, p)
		return true
	})
	return out
}

// ForEachSeries calls fn once per resident series with its points in
// ascending timestamp order. fn returns nothing, so iteration always
// visits every series (there is no early-exit use case here).
func (s *Snapshot) ForEachSeries(fn func(series string, points []tsmodel.Point)) {
	if s == nil {
		return
	}
	s.index.Range(func(series string, bucket *seriesBucket) bool {
		points := make([]tsmodel.Point, 0, bucket.Len())
		bucket.Range(func(_ int64, p tsmodel.Point) bool {
			points = append(points, p)
			return true
		})
		fn(series, points)
		return true
	})
}

// IsEmpty reports whether the snapshot carries no points at all.
func (s *Snapshot) IsEmpty() bool {
	return s == nil || s.count == 0
}
