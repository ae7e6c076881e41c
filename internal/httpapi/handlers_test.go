package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"tsdb/pkg/engine"
	"tsdb/pkg/tsdberrors"
	"tsdb/pkg/tsmodel"
)

// fakeEngine is a hand-rolled in-memory stand-in for *engine.Engine,
// just enough to exercise every handler without touching disk.
type fakeEngine struct {
	mu     sync.Mutex
	points map[string]map[int64]tsmodel.Point
	tags   map[string]tsmodel.Tags
	gone   map[string]bool

	lastCompactForce bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		points: make(map[string]map[int64]tsmodel.Point),
		tags:   make(map[string]tsmodel.Tags),
		gone:   make(map[string]bool),
	}
}

func (f *fakeEngine) Insert(p tsmodel.Point) error {
	if p.SeriesKey == "" {
		return tsdberrors.Validationf("fake.insert", "empty series key")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.gone, p.SeriesKey)
	if f.points[p.SeriesKey] == nil {
		f.points[p.SeriesKey] = make(map[int64]tsmodel.Point)
	}
	f.points[p.SeriesKey][p.Timestamp] = p
	if len(p.Tags) > 0 {
		f.tags[p.SeriesKey] = f.tags[p.SeriesKey].Merge(p.Tags)
	}
	return nil
}

func (f *fakeEngine) InsertBatch(points []tsmodel.Point) (ok, failed int) {
	for _, p := range points {
		if err := f.Insert(p); err != nil {
			failed++
			continue
		}
		ok++
	}
	return ok, failed
}

func (f *fakeEngine) Update(series string, ts int64, value float64) error {
	f.mu.Lock()
	bucket, ok := f.points[series]
	var existing tsmodel.Point
	if ok {
		existing, ok = bucket[ts]
	}
	f.mu.Unlock()
	if !ok {
		return tsdberrors.NotFoundf("fake.update", "not found")
	}
	existing.Value = value
	return f.Insert(existing)
}

func (f *fakeEngine) DeletePoint(series string, ts int64) error {
	return f.Insert(tsmodel.Point{SeriesKey: series, Timestamp: ts, Value: tsmodel.Tombstone})
}

func (f *fakeEngine) DeleteSeries(series string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, known := f.points[series]
	if !known {
		return tsdberrors.NotFoundf("fake.delete_series", "not found")
	}
	delete(f.points, series)
	delete(f.tags, series)
	f.gone[series] = true
	return nil
}

func (f *fakeEngine) Query(series string, tLo, tHi int64, limit int) []tsmodel.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tsmodel.Point
	for ts, p := range f.points[series] {
		if ts < tLo || ts > tHi || p.IsTombstone() {
			continue
		}
		out = append(out, p)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Timestamp < out[i].Timestamp {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *fakeEngine) ListSeries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.points))
	for k := range f.points {
		out = append(out, k)
	}
	return out
}

func (f *fakeEngine) SeriesInfo(series string) (tsmodel.SeriesInfo, bool) {
	pts := f.Query(series, minInt64, maxInt64, 0)
	f.mu.Lock()
	_, known := f.points[series]
	f.mu.Unlock()
	if !known {
		return tsmodel.SeriesInfo{}, false
	}
	info := tsmodel.SeriesInfo{SeriesKey: series}
	for _, p := range pts {
		info.Fold(p)
	}
	return info, true
}

func (f *fakeEngine) Compact(force bool) error {
	f.lastCompactForce = force
	return nil
}

func newTestServer(f *fakeEngine) *Server {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(f, func() engine.Stats { return engine.Stats{MemtableSize: 1, SSTableCount: 2, TotalSeries: 3} }, log, "")
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v, body=%s", err, rec.Body.String())
	}
	return env
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(newFakeEngine())
	rec := doRequest(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v, body=%s", err, rec.Body.String())
	}
	if body["status"] != "healthy" {
		t.Fatalf("body = %+v", body)
	}
	if _, ok := body["timestamp"]; !ok {
		t.Fatalf("body missing timestamp: %+v", body)
	}
	if _, ok := body["success"]; ok {
		t.Fatalf("health response should not be enveloped: %+v", body)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(newFakeEngine())
	rec := doRequest(t, srv, http.MethodGet, "/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestInsertAndQuery(t *testing.T) {
	srv := newTestServer(newFakeEngine())

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/datapoints", pointRequest{
		SeriesKey: "s1", Timestamp: 1609459200, Value: 23.5, Tags: tsmodel.Tags{"loc": "r1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("insert status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/series/s1/datapoints", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("query status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	points, ok := env.Data.([]any)
	if !ok {
		t.Fatalf("data not an array: %+v", env.Data)
	}
	if len(points) != 1 {
		t.Fatalf("len(points) = %d", len(points))
	}
}

func TestInsertValidationError(t *testing.T) {
	srv := newTestServer(newFakeEngine())
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/datapoints", pointRequest{SeriesKey: "", Timestamp: 1, Value: 1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestBatchInsertMessageFormat(t *testing.T) {
	srv := newTestServer(newFakeEngine())
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/datapoints/batch", []pointRequest{
		{SeriesKey: "s1", Timestamp: 1609459260, Value: 23.6},
		{SeriesKey: "s2", Timestamp: 1609459200, Value: 65.2},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	want := "批量创建完成: 成功 2 个，失败 0 个"
	if env.Message != want {
		t.Fatalf("message = %q, want %q", env.Message, want)
	}
}

func TestUpdateUnknownPointNotFound(t *testing.T) {
	srv := newTestServer(newFakeEngine())
	rec := doRequest(t, srv, http.MethodPut, "/api/v1/series/s1/datapoints/1609459200", valueRequest{Value: 25.0})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestUpdateThenQueryReflectsNewValue(t *testing.T) {
	srv := newTestServer(newFakeEngine())
	doRequest(t, srv, http.MethodPost, "/api/v1/datapoints", pointRequest{SeriesKey: "s1", Timestamp: 1609459200, Value: 23.5})

	rec := doRequest(t, srv, http.MethodPut, "/api/v1/series/s1/datapoints/1609459200", valueRequest{Value: 25.0})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/series/s1/datapoints", nil)
	env := decodeEnvelope(t, rec)
	pts := env.Data.([]any)
	if len(pts) != 1 {
		t.Fatalf("points = %+v", pts)
	}
	p := pts[0].(map[string]any)
	if p["value"].(float64) != 25.0 {
		t.Fatalf("value = %v, want 25.0", p["value"])
	}
}

func TestDeletePointThenQueryEmpty(t *testing.T) {
	srv := newTestServer(newFakeEngine())
	doRequest(t, srv, http.MethodPost, "/api/v1/datapoints", pointRequest{SeriesKey: "s1", Timestamp: 1, Value: 1})
	rec := doRequest(t, srv, http.MethodDelete, "/api/v1/series/s1/datapoints/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/series/s1/datapoints", nil)
	env := decodeEnvelope(t, rec)
	pts := env.Data.([]any)
	if len(pts) != 0 {
		t.Fatalf("points = %+v, want empty", pts)
	}
}

func TestListSeries(t *testing.T) {
	srv := newTestServer(newFakeEngine())
	doRequest(t, srv, http.MethodPost, "/api/v1/datapoints", pointRequest{SeriesKey: "s1", Timestamp: 1, Value: 1})
	doRequest(t, srv, http.MethodPost, "/api/v1/datapoints", pointRequest{SeriesKey: "s2", Timestamp: 1, Value: 1})

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/series", nil)
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]any)
	if data["count"].(float64) != 2 {
		t.Fatalf("count = %v, want 2", data["count"])
	}
}

func TestSeriesInfoNotFound(t *testing.T) {
	srv := newTestServer(newFakeEngine())
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/series/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteSeriesRemovesIt(t *testing.T) {
	srv := newTestServer(newFakeEngine())
	doRequest(t, srv, http.MethodPost, "/api/v1/datapoints", pointRequest{SeriesKey: "s1", Timestamp: 1, Value: 1})

	rec := doRequest(t, srv, http.MethodDelete, "/api/v1/series/s1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/series/s1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestCompactForwardsForceFlag(t *testing.T) {
	f := newFakeEngine()
	srv := newTestServer(f)
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/admin/compact", compactRequest{Force: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !f.lastCompactForce {
		t.Fatal("force flag was not forwarded to engine")
	}
}
