package engine

import (
	"os"
	"path/filepath"
	"sort"

	"tsdb/pkg/sstable"
	"tsdb/pkg/tsdberrors"
	"tsdb/pkg/tsmodel"
)

// triggerFlush asks the background flush listener to run a flush,
// dropping the signal if one is already pending — a flush that is
// about to run will pick up every insert that happened before it
// starts draining the memtable.
func (e *Engine) triggerFlush() {
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

// Flush forces an immediate flush of the current memtable, blocking
// until it completes (or fails). Exposed for explicit flush requests
// and graceful shutdown.
func (e *Engine) Flush() error {
	return e.flush()
}

// flush drains the memtable, writes it to a new SSTable file, and
// appends a reader for it to the table list. On failure the drained
// snapshot is restored into the (possibly further-mutated) memtable
// so no insert is lost.
func (e *Engine) flush() error {
	e.mu.Lock()
	if e.mt.Len() == 0 {
		e.mu.Unlock()
		return nil
	}
	snap := e.mt.Drain()
	e.mu.Unlock()

	if snap.IsEmpty() {
		return nil
	}

	seq := e.seq.Next()
	data := make(map[string]sstable.SeriesData)

	e.mu.RLock()
	tagsCopy := make(map[string]tsmodel.Tags, len(e.tags))
	for k, v := range e.tags {
		tagsCopy[k] = v
	}
	e.mu.RUnlock()

	snap.ForEachSeries(func(series string, points []tsmodel.Point) {
		sort.Slice(points, func(i, j int) bool { return points[i].Timestamp < points[j].Timestamp })
		data[series] = sstable.SeriesData{Points: points, Tags: tagsCopy[series]}
	})

	path, err := sstable.Write(e.dataDir, seq, data)
	if err != nil {
		e.log.Error("刷新内存表失败，恢复快照", "error", err, "seq", seq)
		e.mu.Lock()
		e.mt.Restore(snap)
		e.mu.Unlock()
		return err
	}

	reader, err := sstable.Open(path, e.cache)
	if err != nil {
		e.log.Error("打开新刷新的SSTable失败，恢复快照", "error", err, "path", path)
		e.mu.Lock()
		e.mt.Restore(snap)
		e.mu.Unlock()
		return tsdberrors.New(tsdberrors.Io, "engine.flush", err)
	}

	e.mu.Lock()
	e.tables = append(e.tables, reader)
	e.mu.Unlock()

	incCounter(e.metrics, "tsdb_flushes_total", 1)
	e.log.Info("内存表已刷新到SSTable，包含指定数量的系列", "series", len(data), "path", path)

	return nil
}

// loadExisting scans dataDir at startup for files matching the
// canonical SSTable naming scheme, opens them in sequence order, and
// quarantines anything that fails validation instead of aborting
// startup.
func (e *Engine) loadExisting() error {
	entries, err := os.ReadDir(e.dataDir)
	if err != nil {
		return tsdberrors.New(tsdberrors.Io, "engine.loadExisting", err)
	}

	type found struct {
		seq  uint64
		path string
	}
	var files []found
	maxSeq := uint64(0)

	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		seq, ok := sstable.ParseSeq(ent.Name())
		if !ok {
			continue
		}
		files = append(files, found{seq: seq, path: filepath.Join(e.dataDir, ent.Name())})
		if seq > maxSeq {
			maxSeq = seq
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })

	for _, f := range files {
		reader, err := sstable.Open(f.path, e.cache)
		if err != nil {
			e.log.Warn("quarantining unreadable sstable at startup", "path", f.path, "error", err)
			quarantined := f.path + ".corrupt"
			if rerr := os.Rename(f.path, quarantined); rerr != nil {
				e.log.Error("failed to quarantine corrupt sstable", "path", f.path, "error", rerr)
			}
			continue
		}
		e.tables = append(e.tables, reader)
		for _, m := range reader.List() {
			if _, ok := e.tags[m.SeriesKey]; !ok {
				e.tags[m.SeriesKey] = nil
			}
		}
	}

	e.seq.Set(maxSeq)
	e.log.Info("engine startup scan complete", "tables_opened", len(e.tables), "max_seq", maxSeq)
	return nil
}
