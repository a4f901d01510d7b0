package collector

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/svmetrics/internal/errors"
	"codeberg.org/mutker/svmetrics/internal/host"
	"codeberg.org/mutker/svmetrics/internal/logger"
	"codeberg.org/mutker/svmetrics/internal/perf"
	"codeberg.org/mutker/svmetrics/internal/statslog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBoundaries = perf.Boundaries{0.01, 0.05, math.Inf(1)}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeServer struct {
	mu         sync.Mutex
	status     host.Status
	child      host.Child
	hasChild   bool
	players    int
	playersErr error
	raw        *perf.RawData
	perfErr    error
	mem        float64
	memErr     error
	extPlayers int
	extErr     error
	perfCalls  int
	endpoints  []string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		status:   host.Status{Health: host.HealthOnline, Uptime: time.Hour},
		child:    host.Child{PID: 100, Endpoint: "127.0.0.1:30120", Alive: true},
		hasChild: true,
		mem:      1024,
	}
}

func (f *fakeServer) Status() host.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeServer) Child() (host.Child, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.child, f.hasChild
}

func (f *fakeServer) IsIdle() bool { return false }

func (f *fakeServer) KillServer(context.Context, string) error { return nil }

func (f *fakeServer) OnlineCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.players, f.playersErr
}

func (f *fakeServer) FetchPerf(_ context.Context, endpoint string) (*perf.RawData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perfCalls++
	f.endpoints = append(f.endpoints, endpoint)
	if f.perfErr != nil {
		return nil, f.perfErr
	}
	return &perf.RawData{Boundaries: f.raw.Boundaries.Clone(), Counts: f.raw.Counts.Clone()}, nil
}

func (f *fakeServer) FetchMemory(context.Context, int32) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mem, f.memErr
}

func (f *fakeServer) FetchPlayerCount(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extPlayers, f.extErr
}

// setTicks sets cumulative counters where every thread has n ticks split
// over the three buckets.
func (f *fakeServer) setTicks(n int64) {
	f.setRaw(testBoundaries, n)
}

func (f *fakeServer) setRaw(b perf.Boundaries, n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buckets := make([]int64, len(b))
	buckets[0] = n - n/4
	buckets[len(b)-1] += n / 4
	tc := perf.ThreadCounts{Count: n, Buckets: buckets}
	f.raw = &perf.RawData{
		Boundaries: b.Clone(),
		Counts:     perf.Counts{Main: tc.Clone(), Network: tc.Clone(), Sync: tc.Clone()},
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(e Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev == e {
			n++
		}
	}
	return n
}

type harness struct {
	c      *Collector
	srv    *fakeServer
	clock  *fakeClock
	events *eventRecorder
	file   *statslog.File
	dir    string
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		srv:    newFakeServer(),
		clock:  &fakeClock{t: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)},
		events: &eventRecorder{},
		file:   statslog.NewFile(dir, logger.Nop()),
		dir:    dir,
	}
	opts := Options{
		MinTicks:     2000,
		Resolution:   5 * time.Minute,
		MinUptime:    30 * time.Second,
		SaveThrottle: time.Hour,
		Monitor:      h.srv,
		Runner:       h.srv,
		Players:      h.srv,
		Fetcher:      h.srv,
		Store:        h.file,
		Notifier:     h.events,
		Logger:       logger.Nop(),
		Clock:        h.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.c = New(opts)
	t.Cleanup(h.c.cancelPendingSave)
	return h
}

func (h *harness) entries() []statslog.Entry {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.c.stats.Entries()
}

func (h *harness) tick(t *testing.T, ticks int64) {
	t.Helper()
	h.srv.setTicks(ticks)
	require.NoError(t, h.c.Collect(context.Background()))
	h.clock.Advance(time.Minute)
}

func TestCollectSkipsWhenServerNotReady(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fakeServer)
	}{
		{"offline", func(f *fakeServer) { f.status.Health = host.HealthOffline }},
		{"young", func(f *fakeServer) { f.status.Uptime = 10 * time.Second }},
		{"no child", func(f *fakeServer) { f.hasChild = false }},
		{"dead child", func(f *fakeServer) { f.child.Alive = false }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.mutate(h.srv)
			h.srv.setTicks(5000)

			require.NoError(t, h.c.Collect(context.Background()))
			assert.Equal(t, 0, h.srv.perfCalls)
			assert.Empty(t, h.entries())
			assert.Zero(t, h.events.count(EventPerfUpdated))
		})
	}
}

func TestCollectPartialHealthStillCollects(t *testing.T) {
	h := newHarness(t)
	h.srv.status.Health = host.HealthPartial

	h.tick(t, 5000)
	assert.Len(t, h.entries(), 1)
}

func TestCollectMaterializesOnResolution(t *testing.T) {
	h := newHarness(t)

	// first point ever is materialized right away
	h.tick(t, 3000)
	require.Len(t, h.entries(), 1)
	first := h.entries()[0].(*statslog.DataEntry)
	assert.Equal(t, int64(3000), first.Perf.Main.Count)

	// three more ticks inside the resolution only update live state
	for i, ticks := range []int64{4000, 5000, 6000} {
		h.tick(t, ticks)
		assert.Len(t, h.entries(), 1, "tick %d", i)
		recent := h.c.RecentStats()
		require.NotNil(t, recent.PerfBucketCounts)
		assert.Equal(t, []int64{750, 0, 250}, recent.PerfBucketCounts["svMain"])
	}
	assert.Equal(t, 4, h.events.count(EventPerfUpdated))

	// at five minutes the point covers everything since the last saved one
	h.clock.Advance(time.Minute)
	h.tick(t, 7000)
	require.Len(t, h.entries(), 2)
	second := h.entries()[1].(*statslog.DataEntry)
	assert.Equal(t, int64(4000), second.Perf.Main.Count)
	assert.Equal(t, []int64{3000, 0, 1000}, second.Perf.Main.Buckets)

	got, err := h.file.Read()
	require.NoError(t, err)
	assert.Len(t, got.Log, 2)
	assert.True(t, testBoundaries.Equal(got.Boundaries))
}

func TestCollectHandlesCounterReset(t *testing.T) {
	h := newHarness(t)

	h.tick(t, 10000)
	h.tick(t, 11000)
	require.Len(t, h.entries(), 1)

	// server restarted its counters
	h.tick(t, 2500)

	recent := h.c.RecentStats()
	assert.Equal(t, []int64{1875, 0, 625}, recent.PerfBucketCounts["svMain"])

	entries := h.entries()
	require.Len(t, entries, 2)
	d := entries[1].(*statslog.DataEntry)
	for _, th := range perf.Threads {
		tc := d.Perf.Thread(th)
		assert.Equal(t, int64(2500), tc.Count)
		for _, b := range tc.Buckets {
			assert.GreaterOrEqual(t, b, int64(0))
		}
	}
}

func TestCollectSavedBaselineReset(t *testing.T) {
	h := newHarness(t)

	h.tick(t, 10000)
	h.c.mu.Lock()
	// live baseline below the new snapshot, saved baseline above it
	tc := perf.ThreadCounts{Count: 100, Buckets: []int64{50, 0, 50}}
	low := perf.Counts{Main: tc.Clone(), Network: tc.Clone(), Sync: tc.Clone()}
	h.c.lastRaw = &low
	h.c.mu.Unlock()

	h.srv.setTicks(9000)
	require.NoError(t, h.c.Collect(context.Background()))

	// only the saved baseline was dropped, so a new point is materialized
	// even though the resolution has not elapsed
	assert.Len(t, h.entries(), 2)
}

func TestCollectMinTicks(t *testing.T) {
	h := newHarness(t)

	h.tick(t, 1999)
	assert.Empty(t, h.entries())
	assert.Zero(t, h.events.count(EventPerfUpdated))

	h.c.mu.Lock()
	assert.Nil(t, h.c.boundaries)
	h.c.mu.Unlock()
}

func TestCollectBoundaryChangeWipesLog(t *testing.T) {
	h := newHarness(t)

	h.c.OnBoot(10 * time.Second)
	h.tick(t, 3000)
	require.Len(t, h.entries(), 2)

	other := perf.Boundaries{0.02, 0.1, math.Inf(1)}
	h.srv.setRaw(other, 4000)
	require.NoError(t, h.c.Collect(context.Background()))

	entries := h.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(4000), entries[0].(*statslog.DataEntry).Perf.Main.Count)
	assert.True(t, other.Equal(h.c.RecentStats().PerfBoundaries))
}

func TestCollectFetchFailures(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		h := newHarness(t)
		h.tick(t, 3000)
		require.NotNil(t, h.c.RecentStats().FxsMemory)

		h.srv.memErr = fmt.Errorf("no such process")
		h.clock.Advance(5 * time.Minute)
		h.tick(t, 4000)

		assert.Nil(t, h.c.RecentStats().FxsMemory)
		entries := h.entries()
		require.Len(t, entries, 2)
		assert.Equal(t, 1024.0, *entries[0].(*statslog.DataEntry).FxsMemory)
		assert.Nil(t, entries[1].(*statslog.DataEntry).FxsMemory)
	})

	t.Run("perf", func(t *testing.T) {
		h := newHarness(t)
		h.srv.setTicks(3000)
		h.srv.perfErr = fmt.Errorf("connection refused")

		err := h.c.Collect(context.Background())
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, ErrFetchPerf))
		assert.Empty(t, h.entries())
		// memory was still read
		assert.NotNil(t, h.c.RecentStats().FxsMemory)
	})
}

func TestCollectPlayerCount(t *testing.T) {
	t.Run("local", func(t *testing.T) {
		h := newHarness(t)
		h.srv.players = 12
		h.tick(t, 3000)
		assert.Equal(t, 12, h.entries()[0].(*statslog.DataEntry).Players)
	})

	t.Run("external host", func(t *testing.T) {
		h := newHarness(t, func(o *Options) { o.ExtStatsHost = "10.0.0.5:30120" })
		h.srv.players = 1
		h.srv.extPlayers = 48
		h.tick(t, 3000)

		assert.Equal(t, 48, h.entries()[0].(*statslog.DataEntry).Players)
		assert.Equal(t, []string{"10.0.0.5:30120"}, h.srv.endpoints)
	})

	t.Run("external host falls back to local", func(t *testing.T) {
		h := newHarness(t, func(o *Options) { o.ExtStatsHost = "10.0.0.5:30120" })
		h.srv.players = 3
		h.srv.extErr = fmt.Errorf("timeout")
		h.tick(t, 3000)

		assert.Equal(t, 3, h.entries()[0].(*statslog.DataEntry).Players)
	})

	t.Run("local error keeps last known", func(t *testing.T) {
		h := newHarness(t)
		h.srv.players = 9
		h.tick(t, 3000)

		h.srv.playersErr = fmt.Errorf("player list unavailable")
		h.clock.Advance(5 * time.Minute)
		h.tick(t, 4000)

		entries := h.entries()
		require.Len(t, entries, 2)
		assert.Equal(t, 9, entries[1].(*statslog.DataEntry).Players)
	})
}

func TestCollectRecordsRuntimeMemory(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.OnRuntimeMemoryReport(RuntimeMemory{Used: 120, Limit: 4096}))

	h.tick(t, 3000)
	d := h.entries()[0].(*statslog.DataEntry)
	require.NotNil(t, d.NodeMemory)
	assert.Equal(t, 120.0, *d.NodeMemory)
}

func TestBootAndCloseEvents(t *testing.T) {
	h := newHarness(t)

	h.c.OnBoot(20 * time.Second)
	h.c.OnBoot(25 * time.Second)
	entries := h.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(25), entries[0].(*statslog.BootEntry).Duration)

	// close right after a dangling boot drops the boot
	h.c.OnClose("crash")
	assert.Empty(t, h.entries())

	h.c.OnBoot(5 * time.Second)
	h.tick(t, 3000)
	h.c.OnClose("stopped")
	h.c.OnClose("stopped again")
	entries = h.entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "stopped", entries[2].(*statslog.CloseEntry).Reason)

	assert.Equal(t, 3, h.events.count(EventServerBoot))
	assert.Equal(t, 3, h.events.count(EventServerClose))
}

func TestBootResetsPerfState(t *testing.T) {
	h := newHarness(t)
	h.tick(t, 3000)
	require.NotNil(t, h.c.RecentStats().FxsMemory)

	h.c.OnBoot(time.Second)
	recent := h.c.RecentStats()
	assert.Nil(t, recent.FxsMemory)
	assert.Nil(t, recent.PerfBucketCounts)
	assert.True(t, testBoundaries.Equal(recent.PerfBoundaries))

	// the next tick is a fresh baseline and is materialized right away
	h.tick(t, 500_000)
	assert.Len(t, h.entries(), 3)
}

func TestThrottledSave(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SaveThrottle = 20 * time.Millisecond })

	h.c.OnBoot(time.Second)
	assert.True(t, h.c.savePending())
	_, err := os.Stat(h.file.Path())
	assert.True(t, os.IsNotExist(err), "save must not fire on the leading edge")

	require.Eventually(t, func() bool {
		_, err := os.Stat(h.file.Path())
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, h.c.savePending())
}

func TestSaveNowCancelsPendingSave(t *testing.T) {
	h := newHarness(t)

	h.c.OnBoot(time.Second)
	require.True(t, h.c.savePending())

	h.tick(t, 3000)
	assert.False(t, h.c.savePending())

	got, err := h.file.Read()
	require.NoError(t, err)
	assert.Len(t, got.Log, 2)
}

// gatedStore holds the first write until release is closed.
type gatedStore struct {
	*statslog.File
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (s *gatedStore) Write(state statslog.State) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.started)
		<-s.release
	}
	return s.File.Write(state)
}

func TestSaveNowWaitsForRunningThrottledSave(t *testing.T) {
	var store *gatedStore
	h := newHarness(t, func(o *Options) {
		o.SaveThrottle = 10 * time.Millisecond
		store = &gatedStore{
			File:    o.Store.(*statslog.File),
			started: make(chan struct{}),
			release: make(chan struct{}),
		}
		o.Store = store
	})

	h.c.OnBoot(time.Second)
	select {
	case <-store.started:
	case <-time.After(2 * time.Second):
		t.Fatal("throttled save did not start")
	}

	done := make(chan error, 1)
	go func() {
		h.srv.setTicks(3000)
		done <- h.c.Collect(context.Background())
	}()
	require.Eventually(t, func() bool { return len(h.entries()) == 2 }, 2*time.Second, 5*time.Millisecond)

	close(store.release)
	require.NoError(t, <-done)

	got, err := h.file.Read()
	require.NoError(t, err)
	assert.Len(t, got.Log, 2)
}

func TestFiredTimerKeepsNewerPendingSave(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SaveThrottle = 50 * time.Millisecond })

	h.c.requestSave()
	h.c.saveMu.Lock()
	// let the first timer fire and wait on the lock
	time.Sleep(150 * time.Millisecond)
	h.c.saveTimer.Stop()
	h.c.saveTimer = nil
	h.c.throttle = time.Hour
	h.c.saveMu.Unlock()

	h.c.requestSave()

	assert.Never(t, func() bool { return !h.c.savePending() }, 200*time.Millisecond, 5*time.Millisecond)
	_, err := os.Stat(h.file.Path())
	assert.True(t, os.IsNotExist(err), "cancelled save must not write")
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []*statslog.DataEntry
	since   time.Time
	err     error
}

func (r *fakeRecorder) Record(_ context.Context, e *statslog.DataEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *fakeRecorder) Recent(_ context.Context, since time.Time) ([]*statslog.DataEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.since = since
	if r.err != nil {
		return nil, r.err
	}
	var out []*statslog.DataEntry
	for _, e := range r.entries {
		if e.TS >= since.UnixMilli() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeRecorder) Close() error { return nil }

func TestArchivedData(t *testing.T) {
	rec := &fakeRecorder{}
	h := newHarness(t, func(o *Options) { o.Archive = rec })

	got, err := h.c.ArchivedData(context.Background(), h.clock.Now())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	start := h.clock.Now()
	h.tick(t, 3000)
	got, err = h.c.ArchivedData(context.Background(), start)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, start.UnixMilli(), got[0].TS)

	rec.err = fmt.Errorf("disk gone")
	_, err = h.c.ArchivedData(context.Background(), start)
	assert.True(t, errors.HasCode(err, ErrArchive))
}

func TestCloseAfterCloseDoesNotSchedule(t *testing.T) {
	h := newHarness(t)
	h.c.mu.Lock()
	h.c.stats.AppendClose(1, "old")
	h.c.mu.Unlock()

	h.c.OnClose("again")
	assert.False(t, h.c.savePending())
}

func TestRuntimeMemoryReportValidation(t *testing.T) {
	tests := []struct {
		name  string
		in    RuntimeMemory
		valid bool
	}{
		{"ok", RuntimeMemory{Used: 100, Limit: 200}, true},
		{"full", RuntimeMemory{Used: 200, Limit: 200}, true},
		{"over limit", RuntimeMemory{Used: 300, Limit: 200}, false},
		{"negative", RuntimeMemory{Used: -1, Limit: 200}, false},
		{"fraction", RuntimeMemory{Used: 1.5, Limit: 200}, false},
		{"infinite", RuntimeMemory{Used: 1, Limit: math.Inf(1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			err := h.c.OnRuntimeMemoryReport(tt.in)
			if tt.valid {
				require.NoError(t, err)
				assert.Equal(t, &tt.in, h.c.RecentStats().NodeMemory)
				assert.Equal(t, 1, h.events.count(EventMemoryReport))
				return
			}
			assert.True(t, errors.HasCode(err, ErrInvalidMemoryReport))
			assert.Nil(t, h.c.RecentStats().NodeMemory)
			assert.Zero(t, h.events.count(EventMemoryReport))
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		h := newHarness(t)
		h.c.Load()
		assert.Empty(t, h.entries())
		select {
		case <-h.c.Loaded():
		default:
			t.Fatal("Loaded not closed")
		}
	})

	t.Run("version mismatch", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, os.WriteFile(h.file.Path(), []byte(`{"version": 7, "log": [{"type": "svBoot", "ts": 1, "duration": 1}]}`), 0o600))

		h.c.Load()
		assert.Empty(t, h.entries())
		backups, err := os.ReadDir(filepath.Join(h.dir, "backups"))
		require.NoError(t, err)
		assert.Len(t, backups, 1)
	})

	t.Run("round trip", func(t *testing.T) {
		h := newHarness(t)
		h.c.OnBoot(30 * time.Second)
		h.tick(t, 3000)
		h.c.OnClose("stopped")
		require.NoError(t, h.c.SaveNow())
		want := h.entries()

		other := New(Options{Store: h.file, Clock: h.clock.Now, Logger: logger.Nop()})
		other.Load()

		other.mu.Lock()
		got := other.stats.Entries()
		assert.Nil(t, other.lastRaw)
		assert.True(t, testBoundaries.Equal(other.boundaries))
		other.mu.Unlock()
		assert.Equal(t, want, got)
	})
}

func TestChartData(t *testing.T) {
	h := newHarness(t)

	_, err := h.c.ChartData("invalidThread")
	assert.True(t, errors.HasCode(err, ErrInvalidThreadName))

	_, err = h.c.ChartData("svMain")
	assert.True(t, errors.HasCode(err, ErrDataUnavailable))

	h.c.OnBoot(time.Second)
	h.tick(t, 3000)

	chart, err := h.c.ChartData("svSync")
	require.NoError(t, err)
	assert.True(t, testBoundaries.Equal(chart.Boundaries))
	require.Len(t, chart.ThreadPerfLog, 2)
	assert.IsType(t, &statslog.BootEntry{}, chart.ThreadPerfLog[0])
	narrowed := chart.ThreadPerfLog[1].(*statslog.ThreadDataEntry)
	assert.Equal(t, int64(3000), narrowed.Perf.Count)
}

func seedData(h *harness, n int, age time.Duration, mainTicks int64) {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	h.c.boundaries = testBoundaries
	now := h.clock.Now()
	for i := 0; i < n; i++ {
		fxs := float64(1000 + i)
		h.c.stats.AppendData(&statslog.DataEntry{
			TS:        now.Add(-age + time.Duration(i)*time.Minute).UnixMilli(),
			Players:   i % 10,
			FxsMemory: &fxs,
			Perf: perf.Counts{
				Main:    perf.ThreadCounts{Count: mainTicks, Buckets: []int64{mainTicks - 100, 60, 40}},
				Network: perf.ThreadCounts{Count: 1, Buckets: []int64{1, 0, 0}},
				Sync:    perf.ThreadCounts{Count: 1, Buckets: []int64{1, 0, 0}},
			},
		})
	}
}

func TestPerfSummary(t *testing.T) {
	t.Run("insufficient in window", func(t *testing.T) {
		h := newHarness(t)
		// plenty of data, but all of it outside the window
		seedData(h, 200, 20*time.Hour, 3000)
		// recent entries without enough main thread ticks
		seedData(h, 50, time.Hour, 100)

		_, err := h.c.PerfSummary()
		assert.True(t, errors.HasCode(err, ErrInsufficientData))
	})

	t.Run("summary", func(t *testing.T) {
		h := newHarness(t)
		seedData(h, 40, 3*time.Hour, 1000+2000)

		s, err := h.c.PerfSummary()
		require.NoError(t, err)
		assert.Equal(t, 40, s.Snaps)
		require.Len(t, s.Freqs, 3)
		assert.InDelta(t, 2900.0/3000, s.Freqs[0], 1e-9)
		assert.InDelta(t, 60.0/3000, s.Freqs[1], 1e-9)
		assert.InDelta(t, 1.0, s.Freqs[0]+s.Freqs[1]+s.Freqs[2], 1e-9)
		require.NotNil(t, s.Players)
		assert.Equal(t, 4.5, *s.Players)
		require.NotNil(t, s.FxsMemory)
		assert.Equal(t, 1019.5, *s.FxsMemory)
		assert.Nil(t, s.NodeMemory)
	})
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.srv.setTicks(3000)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.c.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	go h.c.Load()
	require.Eventually(t, func() bool { return len(h.entries()) > 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestMedian(t *testing.T) {
	assert.Nil(t, median(nil))
	assert.Equal(t, 3.0, *median([]float64{5, 1, 3}))
	assert.Equal(t, 2.5, *median([]float64{4, 1, 3, 2}))
}
