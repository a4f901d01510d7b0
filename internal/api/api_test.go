package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/svmetrics/internal/collector"
	"codeberg.org/mutker/svmetrics/internal/errors"
	"codeberg.org/mutker/svmetrics/internal/logger"
	"codeberg.org/mutker/svmetrics/internal/perf"
	"codeberg.org/mutker/svmetrics/internal/statslog"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueries struct {
	mu           sync.Mutex
	summaryCalls int
	summaryErr   error
	reports      []collector.RuntimeMemory
	reportErr    error
	noChartData  bool
	archived     []*statslog.DataEntry
	archiveErr   error
	archiveSince time.Time
}

func (f *fakeQueries) RecentStats() collector.RecentStats {
	mem := 123.45
	return collector.RecentStats{
		FxsMemory:      &mem,
		PerfBoundaries: perf.Boundaries{0.005, 0.01},
	}
}

func (f *fakeQueries) ChartData(thread string) (*collector.ChartData, error) {
	if _, ok := perf.ParseThread(thread); !ok {
		return nil, errors.New().New(collector.ErrInvalidThreadName)
	}
	if f.noChartData {
		return nil, errors.New().New(collector.ErrDataUnavailable)
	}
	return &collector.ChartData{
		Boundaries:    perf.Boundaries{0.005},
		ThreadPerfLog: []any{},
	}, nil
}

func (f *fakeQueries) PerfSummary() (*collector.PerfSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.summaryCalls++
	if f.summaryErr != nil {
		return nil, f.summaryErr
	}
	return &collector.PerfSummary{Snaps: 40, Freqs: []float64{0.5, 0.5}}, nil
}

func (f *fakeQueries) OnRuntimeMemoryReport(m collector.RuntimeMemory) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.reportErr != nil {
		return f.reportErr
	}
	f.reports = append(f.reports, m)
	return nil
}

func (f *fakeQueries) ArchivedData(_ context.Context, since time.Time) ([]*statslog.DataEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.archiveSince = since
	if f.archiveErr != nil {
		return nil, f.archiveErr
	}
	return f.archived, nil
}

func newTestServer(q *fakeQueries) *Server {
	return NewServer(q, NewHub(logger.Nop()), logger.Nop())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	return rec
}

func TestRecent(t *testing.T) {
	s := newTestServer(&fakeQueries{})

	rec := do(t, s, http.MethodGet, "/perf/recent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.InDelta(t, 123.45, got["fxsMemory"], 1e-9)
	assert.Nil(t, got["nodeMemory"])
}

func TestChart(t *testing.T) {
	s := newTestServer(&fakeQueries{})

	rec := do(t, s, http.MethodGet, "/perf/chart/svMain", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"boundaries":[0.005],"threadPerfLog":[]}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/perf/chart/svBogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"fail_reason":"invalid_thread_name"}`, rec.Body.String())
}

func TestChartDataUnavailable(t *testing.T) {
	s := newTestServer(&fakeQueries{noChartData: true})

	rec := do(t, s, http.MethodGet, "/perf/chart/svMain", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"fail_reason":"data_unavailable"}`, rec.Body.String())
}

func TestArchive(t *testing.T) {
	mem := 512.5
	q := &fakeQueries{archived: []*statslog.DataEntry{{TS: 1700000000000, Players: 3, FxsMemory: &mem}}}
	s := newTestServer(q)

	rec := do(t, s, http.MethodGet, "/perf/archive?since=1699999000000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1699999000000), q.archiveSince.UnixMilli())

	var got struct {
		Since   int64            `json:"since"`
		Entries []map[string]any `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(1699999000000), got.Since)
	require.Len(t, got.Entries, 1)
	assert.Equal(t, "data", got.Entries[0]["type"])
	assert.InDelta(t, 3, got.Entries[0]["players"], 0)
}

func TestArchiveDefaultsToLastHour(t *testing.T) {
	q := &fakeQueries{archived: []*statslog.DataEntry{}}
	s := newTestServer(q)

	before := time.Now()
	rec := do(t, s, http.MethodGet, "/perf/archive", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.WithinDuration(t, before.Add(-time.Hour), q.archiveSince, 5*time.Second)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []any{}, got["entries"])
}

func TestArchiveErrors(t *testing.T) {
	s := newTestServer(&fakeQueries{})
	rec := do(t, s, http.MethodGet, "/perf/archive?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"fail_reason":"invalid_argument"}`, rec.Body.String())

	s = newTestServer(&fakeQueries{archiveErr: errors.New().New(collector.ErrArchive)})
	rec = do(t, s, http.MethodGet, "/perf/archive", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"fail_reason":"collector_archive_read_failed"}`, rec.Body.String())
}

func TestSummaryIsCached(t *testing.T) {
	q := &fakeQueries{}
	s := newTestServer(q)

	first := do(t, s, http.MethodGet, "/perf/summary", "")
	second := do(t, s, http.MethodGet, "/perf/summary", "")

	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, q.summaryCalls)

	var got collector.PerfSummary
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &got))
	assert.Equal(t, 40, got.Snaps)
}

func TestSummaryInsufficientData(t *testing.T) {
	q := &fakeQueries{summaryErr: errors.New().New(collector.ErrInsufficientData)}
	s := newTestServer(q)

	rec := do(t, s, http.MethodGet, "/perf/summary", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"fail_reason":"insufficient_data"}`, rec.Body.String())
}

func TestSummaryUnexpectedErrorNotCached(t *testing.T) {
	q := &fakeQueries{summaryErr: errors.New().New(errors.ErrInternal)}
	s := newTestServer(q)

	rec := do(t, s, http.MethodGet, "/perf/summary", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	q.summaryErr = nil
	rec = do(t, s, http.MethodGet, "/perf/summary", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, q.summaryCalls)
}

func TestRuntimeMemory(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		reportErr error
		wantCode  int
		wantFail  string
	}{
		{name: "accepted", body: `{"used":120,"limit":512}`, wantCode: http.StatusNoContent},
		{name: "malformed", body: `{"used":`, wantCode: http.StatusBadRequest, wantFail: "collector_invalid_memory_report"},
		{
			name:      "rejected",
			body:      `{"used":600,"limit":512}`,
			reportErr: errors.New().New(collector.ErrInvalidMemoryReport),
			wantCode:  http.StatusBadRequest,
			wantFail:  "collector_invalid_memory_report",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueries{reportErr: tt.reportErr}
			s := newTestServer(q)

			rec := do(t, s, http.MethodPost, "/intercom/runtime-memory", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantFail != "" {
				assert.JSONEq(t, `{"fail_reason":"`+tt.wantFail+`"}`, rec.Body.String())
				return
			}
			require.Len(t, q.reports, 1)
			assert.Equal(t, collector.RuntimeMemory{Used: 120, Limit: 512}, q.reports[0])
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(&fakeQueries{})

	rec := do(t, s, http.MethodPost, "/perf/recent", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, s, http.MethodGet, "/intercom/runtime-memory", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDashboardRefresh(t *testing.T) {
	hub := NewHub(logger.Nop())
	s := NewServer(&fakeQueries{}, hub, logger.Nop())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/dashboard"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	hub.Notify(collector.EventPerfUpdated)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"refresh","room":"dashboard","event":"perf_updated"}`, string(msg))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 10*time.Millisecond)
}

func TestNotifyWithoutClients(t *testing.T) {
	hub := NewHub(logger.Nop())
	assert.NotPanics(t, func() { hub.Notify(collector.EventServerBoot) })
	assert.Zero(t, hub.Clients())
}

func TestNotifyDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(logger.Nop())
	c := &client{id: "slow", send: make(chan []byte, 1)}
	hub.clients[c.id] = c

	hub.Notify(collector.EventServerBoot)
	hub.Notify(collector.EventServerClose)

	require.Len(t, c.send, 1)
	msg := <-c.send
	assert.True(t, bytes.Contains(msg, []byte(`"server_boot"`)))
}
