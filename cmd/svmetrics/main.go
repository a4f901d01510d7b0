package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"codeberg.org/mutker/svmetrics/internal/api"
	"codeberg.org/mutker/svmetrics/internal/archive"
	"codeberg.org/mutker/svmetrics/internal/collector"
	"codeberg.org/mutker/svmetrics/internal/config"
	"codeberg.org/mutker/svmetrics/internal/errors"
	"codeberg.org/mutker/svmetrics/internal/fetch"
	"codeberg.org/mutker/svmetrics/internal/host"
	"codeberg.org/mutker/svmetrics/internal/idle"
	"codeberg.org/mutker/svmetrics/internal/logger"
	"codeberg.org/mutker/svmetrics/internal/pid"
	"codeberg.org/mutker/svmetrics/internal/statslog"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
)

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Level(), logger.IsService())
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := pid.Write(cfg.DataDir); err != nil {
		var coded errors.Error
		if errors.As(err, &coded) {
			logger.FatalWithCode(coded).Msg("Failed to write PID file")
		}
		logger.Fatal().Err(err).Msg("Failed to write PID file")
	}

	code := run()

	if err := pid.Remove(cfg.DataDir); err != nil {
		logger.Error().Err(err).Msg("Failed to remove PID file")
	}
	logger.Info().Msg("Exiting...")
	os.Exit(code)
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		exitOnce sync.Once
		exitCode int
	)
	exit := func(code int) {
		exitOnce.Do(func() {
			exitCode = code
			cancel()
		})
	}

	log := logger.Default()
	client := fetch.New(cfg.FetchTimeout, log)

	recorder, err := archive.NewService(archive.Config{
		Enabled:      cfg.Archive.Enabled,
		DBPath:       cfg.Archive.DBPath,
		BatchSize:    cfg.Archive.BatchSize,
		BatchTimeout: cfg.Archive.BatchTimeout,
	}, log)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open archive, continuing without it")
		recorder, _ = archive.NewService(archive.DefaultConfig(), log)
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close archive")
		}
	}()

	// the attached host reports boot and close to the collector, which
	// does not exist yet when the host is built
	events := &lateEvents{}
	attached := host.NewAttached(host.AttachedOptions{
		PID:          int32(cfg.ServerPID),
		Endpoint:     cfg.ServerEndpoint,
		ConfigState:  cfg.ConfigState,
		ProbeTimeout: cfg.FetchTimeout,
		Players:      client,
		Events:       events,
		Logger:       log,
	})

	hub := api.NewHub(log)
	coll := collector.New(collector.Options{
		MinTicks:     cfg.MinTicks,
		Resolution:   cfg.Resolution,
		MinUptime:    cfg.MinUptime,
		ExtStatsHost: cfg.ExtStatsHost,
		Monitor:      attached,
		Runner:       attached,
		Players:      attached,
		Fetcher:      client,
		Store:        statslog.NewFile(cfg.DataDir, log),
		Notifier:     hub,
		Archive:      recorder,
		Logger:       log,
	})
	events.set(coll)
	defer func() {
		if err := coll.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to save stats on shutdown")
		}
	}()

	idleMonitor := idle.New(idle.Options{
		Timeout:      cfg.IdleTimeout,
		SetupTimeout: cfg.IdleTimeoutSetup,
		Monitor:      attached,
		Runner:       attached,
		Players:      attached,
		Config:       attached,
		Closer:       coll,
		Exit:         exit,
		Logger:       log,
	})

	go handleSignals(ctx, cancel, attached)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		coll.Load()
		return nil
	})
	g.Go(func() error {
		attached.Run(gctx, cfg.CollectInterval)
		return nil
	})
	g.Go(func() error {
		coll.Run(gctx, cfg.CollectInterval)
		return nil
	})
	g.Go(func() error {
		idleMonitor.Run(gctx, cfg.IdleInterval)
		return nil
	})
	g.Go(func() error {
		return api.NewServer(coll, hub, log).Serve(gctx, cfg.Listen)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Service stopped with error")
		if exitCode == 0 {
			return 1
		}
	}

	return exitCode
}

func handleSignals(ctx context.Context, cancel context.CancelFunc, attached *host.Attached) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			if sig != syscall.SIGHUP {
				logger.Info().Msg("Received termination signal.")
				cancel()
				return
			}
			reload(attached)
		}
	}
}

// reload re-reads the configuration and applies the settings that can
// change at runtime.
func reload(attached *host.Attached) {
	next, err := config.Load()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to reload config")
		return
	}

	logger.SetLogLevel(next.Level())
	attached.SetConfigState(next.ConfigState)
	logger.Info().Str("config_state", string(next.ConfigState)).Msg("Config reloaded")
}

// lateEvents forwards host events to the collector once it is set.
type lateEvents struct {
	mu     sync.RWMutex
	target host.Events
}

func (e *lateEvents) set(target host.Events) {
	e.mu.Lock()
	e.target = target
	e.mu.Unlock()
}

func (e *lateEvents) get() host.Events {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.target
}

func (e *lateEvents) OnBoot(duration time.Duration) {
	if t := e.get(); t != nil {
		t.OnBoot(duration)
	}
}

func (e *lateEvents) OnClose(reason string) {
	if t := e.get(); t != nil {
		t.OnClose(reason)
	}
}
