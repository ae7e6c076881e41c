package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"tsdb/pkg/tsdberrors"
	"tsdb/pkg/tsmodel"

	"github.com/go-chi/chi/v5"
)

const (
	serviceName    = "tsdb"
	serviceVersion = "0.1.0"
)

type pointRequest struct {
	SeriesKey string       `json:"series_key"`
	Timestamp int64        `json:"timestamp"`
	Value     float64      `json:"value"`
	Tags      tsmodel.Tags `json:"tags,omitempty"`
}

func (r pointRequest) toPoint() tsmodel.Point {
	return tsmodel.Point{SeriesKey: r.SeriesKey, Timestamp: r.Timestamp, Value: r.Value, Tags: r.Tags}
}

type valueRequest struct {
	Value float64 `json:"value"`
}

type compactRequest struct {
	Force bool `json:"force"`
}

type pointView struct {
	Timestamp int64        `json:"timestamp"`
	Value     float64      `json:"value"`
	Tags      tsmodel.Tags `json:"tags,omitempty"`
}

func toPointViews(points []tsmodel.Point) []pointView {
	out := make([]pointView, len(points))
	for i, p := range points {
		out[i] = pointView{Timestamp: p.Timestamp, Value: p.Value, Tags: p.Tags}
	}
	return out
}

// handleHealth returns a flat {status, service, version, timestamp,
// features} object, unlike every other endpoint: health checks are
// polled by infrastructure that expects a fixed shape, not wrapped in
// the success/message/data envelope.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeRaw(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   serviceName,
		"version":   serviceVersion,
		"timestamp": s.now(),
		"features": []string{
			"gorilla_compression",
			"mmap_sstables",
			"lsm_compaction",
			"tag_metadata",
		},
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.stats()
	s.ok(w, "ok", map[string]any{
		"storage_engine":  "lsm",
		"compression":     "gorilla",
		"memory_mapping":  true,
		"status":          "running",
		"memtable_size":   st.MemtableSize,
		"sstable_count":   st.SSTableCount,
		"total_series":    st.TotalSeries,
		"timestamp":       s.now(),
	})
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req pointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.engine.Insert(req.toPoint()); err != nil {
		s.writeErr(w, err)
		return
	}
	s.ok(w, "数据点已插入", nil)
}

func (s *Server) handleInsertBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []pointRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	points := make([]tsmodel.Point, len(reqs))
	for i, req := range reqs {
		points[i] = req.toPoint()
	}

	ok, failed := s.engine.InsertBatch(points)
	s.ok(w, fmt.Sprintf("批量创建完成: 成功 %d 个，失败 %d 个", ok, failed), map[string]any{
		"succeeded": ok,
		"failed":    failed,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	series := chi.URLParam(r, "key")
	q := r.URL.Query()

	tLo := int64(minInt64)
	tHi := int64(maxInt64)
	limit := 0

	if v := q.Get("start_time"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.fail(w, http.StatusBadRequest, "invalid start_time")
			return
		}
		tLo = n
	}
	if v := q.Get("end_time"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.fail(w, http.StatusBadRequest, "invalid end_time")
			return
		}
		tHi = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	points := s.engine.Query(series, tLo, tHi, limit)
	s.ok(w, "ok", toPointViews(points))
}

func (s *Server) handleUpdatePoint(w http.ResponseWriter, r *http.Request) {
	series := chi.URLParam(r, "key")
	ts, err := strconv.ParseInt(chi.URLParam(r, "ts"), 10, 64)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid timestamp")
		return
	}

	var req valueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.engine.Update(series, ts, req.Value); err != nil {
		s.writeErr(w, err)
		return
	}
	s.ok(w, "数据点已更新", nil)
}

func (s *Server) handleDeletePoint(w http.ResponseWriter, r *http.Request) {
	series := chi.URLParam(r, "key")
	ts, err := strconv.ParseInt(chi.URLParam(r, "ts"), 10, 64)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "invalid timestamp")
		return
	}

	if err := s.engine.DeletePoint(series, ts); err != nil {
		s.writeErr(w, err)
		return
	}
	s.ok(w, "数据点已删除", nil)
}

func (s *Server) handleListSeries(w http.ResponseWriter, r *http.Request) {
	series := s.engine.ListSeries()
	s.ok(w, "ok", map[string]any{
		"series": series,
		"count":  len(series),
	})
}

func (s *Server) handleSeriesInfo(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	info, ok := s.engine.SeriesInfo(key)
	if !ok {
		s.fail(w, http.StatusNotFound, fmt.Sprintf("series %q not found", key))
		return
	}
	s.ok(w, "ok", info)
}

func (s *Server) handleDeleteSeries(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.engine.DeleteSeries(key); err != nil {
		s.writeErr(w, err)
		return
	}
	s.ok(w, "系列已删除", nil)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	var req compactRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.fail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	if err := s.engine.Compact(req.Force); err != nil {
		s.writeErr(w, err)
		return
	}
	s.ok(w, "压缩完成", nil)
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := tsdberrors.HTTPStatus(err)
	s.fail(w, status, err.Error())
}

const (
	minInt64 = -1 << 63
	maxInt64 = 1<<63 - 1
)
