package engine

import (
	"sort"

	"tsdb/pkg/tsmodel"
)

// Query produces the merged view for series over [tLo, tHi], newest
// source wins per timestamp (memtable beats every SSTable, a newer
// SSTable beats an older one), tombstones are dropped along with
// whatever they shadow, and the survivors are sorted ascending and
// clipped to limit (0 means unlimited).
func (e *Engine) Query(series string, tLo, tHi int64, limit int) []tsmodel.Point {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.shadow.Contains(series) {
		return nil
	}

	byTS := make(map[int64]tsmodel.Point)
	seen := make(map[int64]bool)

	apply := func(points []tsmodel.Point) {
		for _, p := range points {
			if seen[p.Timestamp] {
				continue
			}
			seen[p.Timestamp] = true
			byTS[p.Timestamp] = p
		}
	}

	apply(e.mt.Query(series, tLo, tHi, 0))
	for i := len(e.tables) - 1; i >= 0; i-- {
		r := e.tables[i]
		rangePoints, err := r.Range(series, tLo, tHi)
		if err != nil {
			e.log.Warn("sstable range failed during query, skipping table", "error", err, "series", series)
			continue
		}
		apply(rangePoints)
	}

	out := make([]tsmodel.Point, 0, len(byTS))
	for _, p := range byTS {
		if p.IsTombstone() {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListSeries returns the union of series keys across the memtable,
// every SSTable and the tag cache, minus any shadowed by delete_series.
func (e *Engine) ListSeries() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	set := make(map[string]struct{})
	for _, s := range e.mt.ListSeries() {
		set[s] = struct{}{}
	}
	for _, r := range e.tables {
		for _, m := range r.List() {
			set[m.SeriesKey] = struct{}{}
		}
	}
	for k := range e.tags {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for s := range set {
		if e.shadow.Contains(s) {
			continue
		}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SeriesInfo folds the merged view of series into an aggregate. It
// reports ok=false if the series is unknown or fully shadowed.
func (e *Engine) SeriesInfo(series string) (tsmodel.SeriesInfo, bool) {
	e.mu.RLock()
	shadowed := e.shadow.Contains(series)
	tags, hasTag := e.tags[series]
	known := !shadowed && (hasTag || e.mt.HasSeries(series))
	if !known && !shadowed {
		for _, r := range e.tables {
			if r.Contains(series) {
				known = true
				break
			}
		}
	}
	e.mu.RUnlock()

	if !known {
		return tsmodel.SeriesInfo{}, false
	}

	points := e.Query(series, minInt64, maxInt64, 0)

	info := tsmodel.SeriesInfo{SeriesKey: series}
	for _, p := range points {
		info.Fold(p)
	}
	if tags != nil {
		info.Tags = info.Tags.Merge(tags)
	}
	return info, true
}

const (
	minInt64 = -1 << 63
	maxInt64 = 1<<63 - 1
)

// Stats describes the aggregate, point-in-time state the /stats
// endpoint reports; it is derived from current state on every call
// rather than maintained as a separately drifting running tally.
type Stats struct {
	MemtableSize int64
	SSTableCount int
	TotalSeries  int
}

// Stats computes the current aggregate counters under the reader lock.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	set := make(map[string]struct{})
	for _, s := range e.mt.ListSeries() {
		set[s] = struct{}{}
	}
	for _, r := range e.tables {
		for _, m := range r.List() {
			set[m.SeriesKey] = struct{}{}
		}
	}
	total := 0
	for s := range set {
		if !e.shadow.Contains(s) {
			total++
		}
	}

	return Stats{
		MemtableSize: e.mt.Len(),
		SSTableCount: len(e.tables),
		TotalSeries:  total,
	}
}
