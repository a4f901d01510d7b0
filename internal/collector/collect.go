package collector

import (
	"context"
	"time"

	"codeberg.org/mutker/svmetrics/internal/errors"
	"codeberg.org/mutker/svmetrics/internal/host"
	"codeberg.org/mutker/svmetrics/internal/perf"
	"codeberg.org/mutker/svmetrics/internal/statslog"
	"golang.org/x/sync/errgroup"
)

// Run collects on every interval until ctx is cancelled. It waits for Load
// before the first collection. Failed collections are logged and never stop
// the loop.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-c.loaded:
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Collect(ctx); err != nil {
				c.log.Warn().Err(err).Msg("Error while collecting server stats")
			}
		}
	}
}

// Collect runs one collection tick.
func (c *Collector) Collect(ctx context.Context) error {
	status := c.monitor.Status()
	child, ok := c.runner.Child()
	if status.Health == host.HealthOffline || status.Uptime < c.minUptime || !ok || !child.Alive {
		return nil
	}

	endpoint := child.Endpoint
	if c.extStatsHost != "" {
		endpoint = c.extStatsHost
	}

	raw, err := c.fetch(ctx, endpoint, child.PID)
	if err != nil {
		return errors.New().Wrap(ErrFetchPerf, err)
	}

	if raw.Counts.MinCount() < c.minTicks {
		c.log.Warn().
			Int64("min_ticks", c.minTicks).
			Int64("ticks", raw.Counts.MinCount()).
			Msg("Not enough ticks to log, skipping this collection")
		return nil
	}

	now := c.now()
	toSave, gen := c.advance(raw, now)
	c.notify(EventPerfUpdated)
	if toSave == nil {
		return nil
	}

	players := c.playerCount(ctx)

	c.mu.Lock()
	if gen != c.perfGen {
		// perf state was reset by a boot or close while reading players
		c.mu.Unlock()
		return nil
	}
	c.lastSaved = &savedPerf{ts: now.UnixMilli(), data: raw.Counts.Clone()}
	entry := &statslog.DataEntry{
		TS:        now.UnixMilli(),
		Players:   players,
		FxsMemory: copyFloat(c.fxsMemory),
		Perf:      *toSave,
	}
	if c.runtimeMemory != nil {
		used := c.runtimeMemory.Used
		entry.NodeMemory = &used
	}
	c.stats.AppendData(entry)
	c.mu.Unlock()

	if err := c.archive.Record(ctx, entry); err != nil {
		c.log.Warn().Err(err).Msg("Failed to archive data point")
	}

	return c.SaveNow()
}

// fetch reads counters and memory concurrently. A memory failure only
// clears the last memory value.
func (c *Collector) fetch(ctx context.Context, endpoint string, pid int32) (*perf.RawData, error) {
	start := c.now()

	var (
		raw    *perf.RawData
		mem    float64
		memErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		raw, err = c.fetcher.FetchPerf(gctx, endpoint)
		return err
	})
	g.Go(func() error {
		mem, memErr = c.fetcher.FetchMemory(gctx, pid)
		return nil
	})
	err := g.Wait()

	c.mu.Lock()
	if memErr != nil {
		c.fxsMemory = nil
	} else {
		c.fxsMemory = &mem
	}
	c.mu.Unlock()

	if memErr != nil {
		c.log.Debug().Err(memErr).Int32("pid", pid).Msg("Failed to read server memory")
	}
	c.log.Debug().
		Dur("took", c.now().Sub(start)).
		Bool("ok", err == nil).
		Msg("Fetched server stats")

	return raw, err
}

// advance applies a fresh snapshot to the perf state and returns the delta
// to materialize, or nil when the resolution has not elapsed yet.
func (c *Collector) advance(raw *perf.RawData, now time.Time) (*perf.Counts, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.boundaries == nil:
		c.log.Debug().Msg("First perf collection")
		c.boundaries = raw.Boundaries.Clone()
		c.resetPerfState()
	case !c.boundaries.Equal(raw.Boundaries):
		c.log.Warn().Msg("Performance boundaries changed, resetting history")
		c.stats.Reset()
		c.boundaries = raw.Boundaries.Clone()
		c.resetPerfState()
	}

	if c.lastRaw != nil && perf.DidReset(raw.Counts, *c.lastRaw) {
		c.log.Warn().Msg("Performance counter reset, resetting last perf counts and saved baseline")
		c.resetPerfState()
	} else if c.lastSaved != nil && perf.DidReset(raw.Counts, c.lastSaved.data) {
		c.log.Warn().Msg("Performance counter reset, resetting saved baseline")
		c.lastSaved = nil
	}

	live := perf.Diff(raw.Counts, c.lastRaw)
	c.lastDiff = &live
	current := raw.Counts.Clone()
	c.lastRaw = &current

	var toSave *perf.Counts
	switch {
	case c.lastSaved == nil:
		d := live.Clone()
		toSave = &d
	case now.UnixMilli()-c.lastSaved.ts >= c.resolution.Milliseconds():
		d := perf.Diff(raw.Counts, &c.lastSaved.data)
		toSave = &d
	}

	return toSave, c.perfGen
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v

	return &out
}
