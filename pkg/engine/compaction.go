package engine

import (
	"context"
	"os"
	"sort"
	"time"

	"tsdb/pkg/sstable"
	"tsdb/pkg/tsdberrors"
	"tsdb/pkg/tsmodel"
)

// compactionLoop wakes on a timer and asks the engine to compact,
// mirroring the background-worker idiom the engine's flush listener
// uses, but driven by a ticker rather than an inbound channel since
// there is no per-tick payload.
type compactionLoop struct {
	engine   *Engine
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func newCompactionLoop(e *Engine, interval time.Duration) *compactionLoop {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &compactionLoop{engine: e, interval: interval, done: make(chan struct{})}
}

func (c *compactionLoop) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.engine.Compact(false); err != nil {
					c.engine.log.Error("compaction tick failed", "error", err)
				}
			}
		}
	}()
}

func (c *compactionLoop) stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// Compact merges the current SSTable list into one newer file. With
// force=false it is a no-op while the table count is at or below the
// configured bound. The memtable is read, not drained: any insert
// that lands during the merge is reflected in the new file, but the
// memtable still holds it too, and the read path's dedup rule keeps
// that correct.
func (e *Engine) Compact(force bool) error {
	e.mu.RLock()
	tables := make([]*sstable.Reader, len(e.tables))
	copy(tables, e.tables)
	e.mu.RUnlock()

	if !force && len(tables) <= e.cfg.Compaction.MaxSSTables {
		return nil
	}
	if len(tables) == 0 {
		return nil
	}

	merged, err := e.mergeForCompaction(tables)
	if err != nil {
		return err
	}
	if len(merged) == 0 {
		return nil
	}

	seq := e.seq.Next()
	path, err := sstable.Write(e.dataDir, seq, merged)
	if err != nil {
		e.log.Error("compaction write failed, retaining existing table list", "error", err)
		return err
	}

	reader, err := sstable.Open(path, e.cache)
	if err != nil {
		e.log.Error("failed to open compacted sstable, retaining existing table list", "error", err)
		return tsdberrors.New(tsdberrors.Io, "engine.Compact", err)
	}

	e.mu.Lock()
	oldTables := e.tables
	e.tables = []*sstable.Reader{reader}
	e.mu.Unlock()

	for _, old := range oldTables {
		oldPath := old.Path()
		if err := old.Close(); err != nil {
			e.log.Warn("failed to unmap retired sstable", "path", oldPath, "error", err)
		}
		if err := os.Remove(oldPath); err != nil {
			e.log.Warn("failed to unlink retired sstable", "path", oldPath, "error", err)
		}
	}

	incCounter(e.metrics, "tsdb_compactions_total", 1)
	e.log.Info("压缩完成，生成新的SSTable", "inputs", len(tables), "path", path)
	return nil
}

// mergeForCompaction builds the per-series union of tables (newest
// wins per timestamp) plus the engine's current live memtable
// contents, dropping tombstones unconditionally since this is a
// single-level design: compaction always sees every SSTable, so no
// tombstone can still be shadowing a point in an SSTable outside the
// merge set.
func (e *Engine) mergeForCompaction(tables []*sstable.Reader) (map[string]sstable.SeriesData, error) {
	bySeries := make(map[string]map[int64]tsmodel.Point)

	addPoints := func(series string, points []tsmodel.Point) {
		m, ok := bySeries[series]
		if !ok {
			m = make(map[int64]tsmodel.Point)
			bySeries[series] = m
		}
		for _, p := range points {
			if _, exists := m[p.Timestamp]; !exists {
				m[p.Timestamp] = p
			}
		}
	}

	e.mu.RLock()
	for _, series := range e.mt.ListSeries() {
		if e.shadow.Contains(series) {
			continue
		}
		addPoints(series, e.mt.Query(series, minInt64, maxInt64, 0))
	}
	e.mu.RUnlock()

	for i := len(tables) - 1; i >= 0; i-- {
		for _, meta := range tables[i].List() {
			if e.isShadowed(meta.SeriesKey) {
				continue
			}
			points, err := tables[i].Range(meta.SeriesKey, minInt64, maxInt64)
			if err != nil {
				e.log.Warn("skipping unreadable series block during compaction", "series", meta.SeriesKey, "error", err)
				continue
			}
			addPoints(meta.SeriesKey, points)
		}
	}

	e.mu.RLock()
	tagsCopy := make(map[string]tsmodel.Tags, len(e.tags))
	for k, v := range e.tags {
		tagsCopy[k] = v
	}
	e.mu.RUnlock()

	out := make(map[string]sstable.SeriesData, len(bySeries))
	for series, m := range bySeries {
		points := make([]tsmodel.Point, 0, len(m))
		for _, p := range m {
			if p.IsTombstone() {
				continue
			}
			points = append(points, p)
		}
		if len(points) == 0 {
			continue
		}
		sort.Slice(points, func(i, j int) bool { return points[i].Timestamp < points[j].Timestamp })
		out[series] = sstable.SeriesData{Points: points, Tags: tagsCopy[series]}
	}
	return out, nil
}

func (e *Engine) isShadowed(series string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.shadow.Contains(series)
}
