// Package collector samples the game server's tick-time counters and
// memory, keeps the stats log and answers dashboard queries about it.
package collector

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/svmetrics/internal/archive"
	"codeberg.org/mutker/svmetrics/internal/errors"
	"codeberg.org/mutker/svmetrics/internal/host"
	"codeberg.org/mutker/svmetrics/internal/logger"
	"codeberg.org/mutker/svmetrics/internal/perf"
	"codeberg.org/mutker/svmetrics/internal/statslog"
)

const (
	DefaultMinTicks        = 2000
	DefaultResolution      = 5 * time.Minute
	DefaultMinUptime       = 30 * time.Second
	DefaultSaveThrottle    = 15 * time.Second
	DefaultSummaryWindow   = 6 * time.Hour
	DefaultSummaryMinCount = 36
)

// Store persists the collector state.
type Store interface {
	Read() (*statslog.State, error)
	Write(state statslog.State) error
	Discard() (string, error)
}

type Options struct {
	MinTicks     int64
	Resolution   time.Duration
	MinUptime    time.Duration
	ExtStatsHost string
	SaveThrottle time.Duration

	SummaryWindow   time.Duration
	SummaryMinCount int

	Monitor  host.Monitor
	Runner   host.Runner
	Players  host.PlayerList
	Fetcher  Fetcher
	Store    Store
	Notifier Notifier
	Archive  archive.Recorder
	Logger   logger.Logger
	Clock    func() time.Time
}

type savedPerf struct {
	ts   int64
	data perf.Counts
}

// Collector owns all collection state. It is safe for concurrent use.
type Collector struct {
	minTicks     int64
	resolution   time.Duration
	minUptime    time.Duration
	extStatsHost string
	throttle     time.Duration
	sumWindow    time.Duration
	sumMinCount  int

	monitor  host.Monitor
	runner   host.Runner
	players  host.PlayerList
	fetcher  Fetcher
	store    Store
	notifier Notifier
	archive  archive.Recorder
	log      logger.Logger
	now      func() time.Time

	mu            sync.Mutex
	boundaries    perf.Boundaries
	lastRaw       *perf.Counts
	lastDiff      *perf.Counts
	lastSaved     *savedPerf
	perfGen       uint64
	fxsMemory     *float64
	runtimeMemory *RuntimeMemory
	stats         *statslog.Log
	lastPlayers   int

	saveMu    sync.Mutex
	saveTimer *time.Timer

	// writeMu orders snapshot and write so an older state never lands
	// after a newer one.
	writeMu sync.Mutex

	loaded   chan struct{}
	loadOnce sync.Once
}

func New(opts Options) *Collector {
	c := &Collector{
		minTicks:     opts.MinTicks,
		resolution:   opts.Resolution,
		minUptime:    opts.MinUptime,
		extStatsHost: opts.ExtStatsHost,
		throttle:     opts.SaveThrottle,
		sumWindow:    opts.SummaryWindow,
		sumMinCount:  opts.SummaryMinCount,
		monitor:      opts.Monitor,
		runner:       opts.Runner,
		players:      opts.Players,
		fetcher:      opts.Fetcher,
		store:        opts.Store,
		notifier:     opts.Notifier,
		archive:      opts.Archive,
		log:          opts.Logger,
		now:          opts.Clock,
		stats:        statslog.NewLog(nil),
		loaded:       make(chan struct{}),
	}

	if c.minTicks <= 0 {
		c.minTicks = DefaultMinTicks
	}
	if c.resolution <= 0 {
		c.resolution = DefaultResolution
	}
	if c.minUptime <= 0 {
		c.minUptime = DefaultMinUptime
	}
	if c.throttle <= 0 {
		c.throttle = DefaultSaveThrottle
	}
	if c.sumWindow <= 0 {
		c.sumWindow = DefaultSummaryWindow
	}
	if c.sumMinCount <= 0 {
		c.sumMinCount = DefaultSummaryMinCount
	}
	if c.notifier == nil {
		c.notifier = noopNotifier{}
	}
	if c.log == nil {
		c.log = logger.Nop()
	}
	c.log = c.log.With("collector")
	if c.now == nil {
		c.now = time.Now
	}
	if c.archive == nil {
		c.archive, _ = archive.NewService(archive.DefaultConfig(), c.log)
	}

	return c
}

// Load reads the persisted state. A missing file starts an empty history;
// an unreadable or outdated file is moved to the backups directory and
// also starts an empty history. Load never fails.
func (c *Collector) Load() {
	defer c.loadOnce.Do(func() { close(c.loaded) })

	state, err := c.store.Read()
	if err != nil {
		if errors.HasCode(err, statslog.ErrStateNotFound) {
			c.log.Debug().Msg("Stats file not found, starting with empty stats")
			return
		}

		c.log.Warn().Err(err).Msg("Failed to load stats file, since this is not a critical file it will be reset")
		if path, err := c.store.Discard(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to back up stats file")
		} else if path != "" {
			c.log.Info().Str("path", path).Msg("Previous stats file backed up")
		}
		return
	}

	c.mu.Lock()
	c.boundaries = state.Boundaries
	c.stats.Replace(state.Log)
	c.resetPerfState()
	c.stats.Optimize(c.now())
	n := c.stats.Len()
	c.mu.Unlock()

	c.log.Info().Int("entries", n).Msg("Loaded performance snapshots from cache")
}

// Loaded is closed once Load has finished.
func (c *Collector) Loaded() <-chan struct{} {
	return c.loaded
}

// Save compacts the log and writes it to the store. The entries are copied
// under the state lock; the write happens outside of it. Saves run one at a
// time.
func (c *Collector) Save() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.stats.Optimize(c.now())
	state := statslog.State{
		Boundaries: c.boundaries.Clone(),
		Log:        c.stats.Entries(),
	}
	c.mu.Unlock()

	if err := c.store.Write(state); err != nil {
		c.log.Warn().Err(err).Msg("Failed to save stats file")
		return errors.New().Wrap(ErrSave, err)
	}

	return nil
}

// SaveNow cancels any pending throttled save and saves immediately.
func (c *Collector) SaveNow() error {
	c.cancelPendingSave()
	return c.Save()
}

// requestSave schedules a save after the throttle interval unless one is
// already pending. Only the trailing edge fires.
func (c *Collector) requestSave() {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	if c.saveTimer != nil {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(c.throttle, func() {
		c.saveMu.Lock()
		// cancelled after firing; a newer timer may already be pending
		if c.saveTimer != timer {
			c.saveMu.Unlock()
			return
		}
		c.saveTimer = nil
		c.saveMu.Unlock()

		_ = c.Save()
	})
	c.saveTimer = timer
}

func (c *Collector) cancelPendingSave() {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	if c.saveTimer != nil {
		c.saveTimer.Stop()
		c.saveTimer = nil
	}
}

// savePending reports whether a throttled save is scheduled.
func (c *Collector) savePending() bool {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	return c.saveTimer != nil
}

// Close stops a pending throttled save and writes the state once more.
func (c *Collector) Close() error {
	c.cancelPendingSave()
	err := c.Save()
	if aerr := c.archive.Close(); aerr != nil && err == nil {
		err = aerr
	}

	return err
}

// resetPerfState drops all perf baselines but keeps the boundaries.
// Callers hold c.mu.
func (c *Collector) resetPerfState() {
	c.lastRaw = nil
	c.lastDiff = nil
	c.lastSaved = nil
	c.perfGen++
}

// Callers hold c.mu.
func (c *Collector) resetMemoryState() {
	c.fxsMemory = nil
	c.runtimeMemory = nil
}

func (c *Collector) notify(event Event) {
	c.notifier.Notify(event)
}

func (c *Collector) setLastPlayers(n int) {
	c.mu.Lock()
	c.lastPlayers = n
	c.mu.Unlock()
}

func (c *Collector) playerCount(ctx context.Context) int {
	if c.extStatsHost != "" {
		if n, err := c.fetcher.FetchPlayerCount(ctx, c.extStatsHost); err == nil {
			c.setLastPlayers(n)
			return n
		}
	}

	n, err := c.players.OnlineCount(ctx)
	if err != nil {
		c.mu.Lock()
		last := c.lastPlayers
		c.mu.Unlock()

		c.log.Debug().Err(err).Int("last_known", last).Msg("Failed to read player count")
		return last
	}
	c.setLastPlayers(n)

	return n
}
