// Package engine is the LSM coordinator: it owns the active memtable,
// the ordered list of SSTable readers, the per-series tag cache and
// the flush/compaction pipeline, and implements the public
// insert/query/delete/update operations and the merged read view
// described by the rest of this repository's on-disk format.
package engine

import (
	"context"
	"log/slog"
	"math"
	"os"
	"sync"

	"tsdb/pkg/clock"
	"tsdb/pkg/config"
	"tsdb/pkg/listener"
	"tsdb/pkg/memtable"
	"tsdb/pkg/metrics"
	"tsdb/pkg/sstable"
	"tsdb/pkg/tsdberrors"
	"tsdb/pkg/tsmodel"

	"github.com/zhangyunhao116/skipset"
)

// Engine is the reader/writer-locked heart of the database: the
// writer lock protects the tuple (memtable, SSTable list, tag cache);
// queries, listings and stats take the reader lock. I/O never happens
// while the writer lock is held — flush and compaction build their
// output against local buffers and temp files, then swap state in
// under the lock.
type Engine struct {
	mu sync.RWMutex

	mt     *memtable.Memtable
	tables []*sstable.Reader // oldest first, newest last
	tags   map[string]tsmodel.Tags
	shadow *skipset.StringSet // series removed by delete_series

	seq     *clock.AtomicClock
	dataDir string
	cfg     config.Config
	cache   sstable.BlockCache
	log     *slog.Logger
	metrics metrics.Collector

	flushCh chan struct{}
	flusher *listener.Listener[struct{}]

	compactor *compactionLoop
}

// New constructs an engine rooted at cfg.DataDir, scanning for
// existing SSTables and starting the background flush-trigger and
// compaction listeners. The caller must call Close on shutdown.
func New(cfg config.Config, log *slog.Logger, coll metrics.Collector) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, tsdberrors.New(tsdberrors.Io, "engine.New", err)
	}

	e := &Engine{
		mt:      memtable.New(),
		tags:    make(map[string]tsmodel.Tags),
		shadow:  skipset.NewString(),
		seq:     clock.NewAtomic(0),
		dataDir: cfg.DataDir,
		cfg:     cfg,
		cache:   sstable.NewBlockCache(cfg.Cache.Capacity),
		log:     log,
		metrics: coll,
		flushCh: make(chan struct{}, 1),
	}

	if err := e.loadExisting(); err != nil {
		return nil, err
	}

	e.flusher = listener.New(e.flushCh, func(struct{}) error {
		e.flush()
		return nil
	})
	e.flusher.Start(context.Background())

	e.compactor = newCompactionLoop(e, cfg.Compaction.Interval)
	e.compactor.start()

	return e, nil
}

// Close stops background workers. SSTable readers remain mapped until
// the process exits; there is no durable shutdown flush, since the
// engine is flush-based, not WAL-based.
func (e *Engine) Close() {
	e.compactor.stop()
	e.flusher.Stop()
}

func incCounter(m metrics.Collector, name string, delta float64) {
	if m != nil {
		m.IncCounter(name, nil, delta)
	}
}

// validatePoint enforces the series-key/tag caps and rejects NaN
// values other than the reserved tombstone bit pattern, since a plain
// NaN insert would be indistinguishable from a deletion on read.
func validatePoint(p tsmodel.Point) error {
	if err := tsmodel.ValidateSeriesKey(p.SeriesKey); err != nil {
		return tsdberrors.New(tsdberrors.Validation, "engine.insert", err)
	}
	if err := tsmodel.ValidateTags(p.Tags); err != nil {
		return tsdberrors.New(tsdberrors.Validation, "engine.insert", err)
	}
	if math.IsNaN(p.Value) && !tsmodel.IsTombstone(p.Value) {
		return tsdberrors.Validationf("engine.insert", "value must not be NaN")
	}
	return nil
}

// Insert validates and applies a single point, triggering an async
// flush if the memtable crosses its threshold.
func (e *Engine) Insert(p tsmodel.Point) error {
	if err := validatePoint(p); err != nil {
		return err
	}

	e.mu.Lock()
	e.shadow.Remove(p.SeriesKey)
	if len(p.Tags) > 0 {
		e.tags[p.SeriesKey] = e.tags[p.SeriesKey].Merge(p.Tags)
	} else if _, ok := e.tags[p.SeriesKey]; !ok {
		e.tags[p.SeriesKey] = nil
	}
	e.mt.Insert(p)
	full := e.mt.IsFull(e.cfg.MemtableThreshold)
	e.mu.Unlock()

	incCounter(e.metrics, "tsdb_points_inserted_total", 1)

	if full {
		e.triggerFlush()
	}
	return nil
}

// InsertBatch inserts every point, never aborting on a single
// failure, and reports how many succeeded and how many did not.
func (e *Engine) InsertBatch(points []tsmodel.Point) (ok, failed int) {
	for _, p := range points {
		if err := e.Insert(p); err != nil {
			failed++
			continue
		}
		ok++
	}
	return ok, failed
}

// Update rewrites the value at (series, ts), preserving whatever tags
// are already on record for the series. It is an error to update a
// timestamp that exists nowhere in the engine.
func (e *Engine) Update(series string, ts int64, value float64) error {
	e.mu.RLock()
	_, known := e.lookupLocked(series, ts)
	existingTags := e.tags[series]
	e.mu.RUnlock()

	if !known {
		return tsdberrors.NotFoundf("engine.update", "series %q has no point at ts=%d", series, ts)
	}

	return e.Insert(tsmodel.Point{SeriesKey: series, Timestamp: ts, Value: value, Tags: existingTags})
}

// lookupLocked reports whether (series, ts) is known anywhere in the
// engine (memtable or any SSTable), live or tombstoned. Caller must
// hold at least the reader lock.
func (e *Engine) lookupLocked(series string, ts int64) (tsmodel.Point, bool) {
	if p, ok := e.mt.Get(series, ts); ok {
		return p, true
	}
	for i := len(e.tables) - 1; i >= 0; i-- {
		p, ok, err := e.tables[i].Get(series, ts)
		if err != nil {
			e.log.Warn("sstable get failed during lookup", "error", err, "series", series)
			continue
		}
		if ok {
			return p, true
		}
	}
	return tsmodel.Point{}, false
}

// DeletePoint writes a tombstone at (series, ts). Idempotent: deleting
// an already-deleted point is a no-op observable state change.
func (e *Engine) DeletePoint(series string, ts int64) error {
	if err := tsmodel.ValidateSeriesKey(series); err != nil {
		return tsdberrors.New(tsdberrors.Validation, "engine.delete_point", err)
	}
	return e.Insert(tsmodel.Point{SeriesKey: series, Timestamp: ts, Value: tsmodel.Tombstone})
}

// DeleteSeries removes series from the memtable and tag cache and
// marks it shadowed so the read path and the next compaction treat it
// as gone, even though older SSTables still physically contain it.
func (e *Engine) DeleteSeries(series string) error {
	if err := tsmodel.ValidateSeriesKey(series); err != nil {
		return tsdberrors.New(tsdberrors.Validation, "engine.delete_series", err)
	}

	e.mu.Lock()
	knownMem := e.mt.HasSeries(series)
	_, hasTag := e.tags[series]
	hasTable := false
	for _, r := range e.tables {
		if r.Contains(series) {
			hasTable = true
			break
		}
	}
	known := knownMem || hasTag || hasTable
	if known {
		e.mt.DeleteSeries(series)
		delete(e.tags, series)
		e.shadow.Add(series)
	}
	e.mu.Unlock()

	if !known {
		return tsdberrors.NotFoundf("engine.delete_series", "series %q not found", series)
	}
	return nil
}
