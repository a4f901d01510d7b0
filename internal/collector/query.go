package collector

import (
	"context"
	"slices"
	"time"

	"codeberg.org/mutker/svmetrics/internal/errors"
	"codeberg.org/mutker/svmetrics/internal/perf"
	"codeberg.org/mutker/svmetrics/internal/statslog"
)

// RecentStats are the live values shown on the dashboard.
type RecentStats struct {
	FxsMemory        *float64           `json:"fxsMemory"`
	NodeMemory       *RuntimeMemory     `json:"nodeMemory"`
	PerfBoundaries   perf.Boundaries    `json:"perfBoundaries"`
	PerfBucketCounts map[string][]int64 `json:"perfBucketCounts,omitempty"`
}

// ChartData is the history of one thread.
type ChartData struct {
	Boundaries    perf.Boundaries `json:"boundaries"`
	ThreadPerfLog []any           `json:"threadPerfLog"`
}

// PerfSummary condenses the recent history of the main thread.
type PerfSummary struct {
	Snaps      int       `json:"snaps"`
	Freqs      []float64 `json:"freqs"`
	Players    *float64  `json:"players"`
	FxsMemory  *float64  `json:"fxsMemory"`
	NodeMemory *float64  `json:"nodeMemory"`
}

func (c *Collector) RecentStats() RecentStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := RecentStats{
		FxsMemory:      copyFloat(c.fxsMemory),
		PerfBoundaries: c.boundaries.Clone(),
	}
	if c.runtimeMemory != nil {
		m := *c.runtimeMemory
		out.NodeMemory = &m
	}
	if c.lastDiff != nil {
		out.PerfBucketCounts = make(map[string][]int64, len(perf.Threads))
		for _, t := range perf.Threads {
			out.PerfBucketCounts[string(t)] = c.lastDiff.Thread(t).Clone().Buckets
		}
	}

	return out
}

// ChartData returns the boundaries and the full log with every data entry
// narrowed to the named thread.
func (c *Collector) ChartData(thread string) (*ChartData, error) {
	errFactory := errors.New()

	t, ok := perf.ParseThread(thread)
	if !ok {
		return nil, errFactory.New(ErrInvalidThreadName)
	}

	c.mu.Lock()
	boundaries := c.boundaries.Clone()
	entries := c.stats.Entries()
	c.mu.Unlock()

	if len(entries) == 0 || len(boundaries) == 0 {
		return nil, errFactory.New(ErrDataUnavailable)
	}

	out := &ChartData{
		Boundaries:    boundaries,
		ThreadPerfLog: make([]any, 0, len(entries)),
	}
	for _, e := range entries {
		out.ThreadPerfLog = append(out.ThreadPerfLog, statslog.NarrowTo(e, t))
	}

	return out, nil
}

// PerfSummary scans the summary window for data entries with enough main
// thread ticks and returns bucket frequencies and medians.
func (c *Collector) PerfSummary() (*PerfSummary, error) {
	c.mu.Lock()
	windowStart := c.now().Add(-c.sumWindow).UnixMilli()
	entries := c.stats.Entries()
	c.mu.Unlock()

	var (
		cumBuckets []int64
		cumTicks   int64
		players    []float64
		fxsMemory  []float64
		nodeMemory []float64
		snaps      int
	)
	for _, e := range entries {
		d, ok := e.(*statslog.DataEntry)
		if !ok || d.TS < windowStart || d.Perf.Main.Count < c.minTicks {
			continue
		}
		snaps++
		players = append(players, float64(d.Players))
		if d.FxsMemory != nil {
			fxsMemory = append(fxsMemory, *d.FxsMemory)
		}
		if d.NodeMemory != nil {
			nodeMemory = append(nodeMemory, *d.NodeMemory)
		}
		if len(cumBuckets) < len(d.Perf.Main.Buckets) {
			cumBuckets = append(cumBuckets, make([]int64, len(d.Perf.Main.Buckets)-len(cumBuckets))...)
		}
		for i, v := range d.Perf.Main.Buckets {
			cumBuckets[i] += v
			cumTicks += v
		}
	}

	if snaps < c.sumMinCount {
		return nil, errors.New().WithData(ErrInsufficientData, struct {
			Snaps    int
			Required int
		}{
			Snaps:    snaps,
			Required: c.sumMinCount,
		})
	}

	freqs := make([]float64, len(cumBuckets))
	if cumTicks > 0 {
		for i, v := range cumBuckets {
			freqs[i] = float64(v) / float64(cumTicks)
		}
	}

	return &PerfSummary{
		Snaps:      snaps,
		Freqs:      freqs,
		Players:    median(players),
		FxsMemory:  median(fxsMemory),
		NodeMemory: median(nodeMemory),
	}, nil
}

// median returns nil for an empty input. The input is sorted in place.
func median(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	slices.Sort(values)

	mid := len(values) / 2
	m := values[mid]
	if len(values)%2 == 0 {
		m = (values[mid-1] + values[mid]) / 2
	}

	return &m
}

// ArchivedData returns the uncompacted data points recorded since the given
// time. It is empty when the archive is disabled.
func (c *Collector) ArchivedData(ctx context.Context, since time.Time) ([]*statslog.DataEntry, error) {
	entries, err := c.archive.Recent(ctx, since)
	if err != nil {
		return nil, errors.New().Wrap(ErrArchive, err)
	}
	if entries == nil {
		entries = []*statslog.DataEntry{}
	}

	return entries, nil
}
