// Package idle shuts the game server and svmetrics down after a period
// without players.
package idle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/svmetrics/internal/config"
	"codeberg.org/mutker/svmetrics/internal/host"
	"codeberg.org/mutker/svmetrics/internal/logger"
)

const (
	DefaultTimeout      = 10 * time.Minute
	DefaultSetupTimeout = 20 * time.Minute
	killReason          = "idle timeout"
)

// CloseRecorder receives the close reason written before the shutdown.
type CloseRecorder interface {
	OnClose(reason string)
}

type Options struct {
	Timeout      time.Duration
	SetupTimeout time.Duration

	Monitor host.Monitor
	Runner  host.Runner
	Players host.PlayerList
	Config  host.ConfigSource
	Closer  CloseRecorder
	// Exit terminates the process. It is called at most once.
	Exit   func(code int)
	Logger logger.Logger
	Clock  func() time.Time
}

// Monitor tracks how long the server has been without players.
type Monitor struct {
	timeout      time.Duration
	setupTimeout time.Duration
	monitor      host.Monitor
	runner       host.Runner
	players      host.PlayerList
	config       host.ConfigSource
	closer       CloseRecorder
	exit         func(code int)
	log          logger.Logger
	now          func() time.Time

	mu        sync.Mutex
	idleSince time.Time
	lastState config.ConfigState
	stateSeen bool
	exited    bool
}

func New(opts Options) *Monitor {
	m := &Monitor{
		timeout:      opts.Timeout,
		setupTimeout: opts.SetupTimeout,
		monitor:      opts.Monitor,
		runner:       opts.Runner,
		players:      opts.Players,
		config:       opts.Config,
		closer:       opts.Closer,
		exit:         opts.Exit,
		log:          opts.Logger,
		now:          opts.Clock,
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	if m.setupTimeout <= 0 {
		m.setupTimeout = DefaultSetupTimeout
	}
	if m.log == nil {
		m.log = logger.Nop()
	}
	m.log = m.log.With("idle")
	if m.now == nil {
		m.now = time.Now
	}

	return m
}

// Run checks on every interval until ctx is cancelled or the shutdown
// fired.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Tick(ctx) {
				return
			}
		}
	}
}

// Tick runs one idle check and reports whether the shutdown fired.
func (m *Monitor) Tick(ctx context.Context) bool {
	m.mu.Lock()
	if m.exited {
		m.mu.Unlock()
		return true
	}

	state := m.config.ConfigState()
	if !m.stateSeen || state != m.lastState {
		m.lastState = state
		m.stateSeen = true
		m.idleSince = time.Time{}
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	health := m.monitor.Status().Health
	switch health {
	case host.HealthPartial:
		m.clear()
		return false
	case host.HealthOnline, host.HealthOffline:
	default:
		return false
	}

	if health == host.HealthOnline {
		n, err := m.players.OnlineCount(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("Failed to read player count, skipping idle check")
			return false
		}
		if n > 0 {
			m.clear()
			return false
		}
	}

	timeout := m.timeoutFor(state)

	m.mu.Lock()
	now := m.now()
	if m.idleSince.IsZero() {
		m.idleSince = now
		m.mu.Unlock()
		m.log.Debug().Dur("timeout", timeout).Msg("Server idle, starting timer")
		return false
	}
	idleFor := now.Sub(m.idleSince)
	if idleFor < timeout || m.exited {
		m.mu.Unlock()
		return false
	}
	m.idleSince = time.Time{}
	m.exited = true
	m.mu.Unlock()

	m.shutdown(ctx, timeout, idleFor)

	return true
}

func (m *Monitor) shutdown(ctx context.Context, timeout, idleFor time.Duration) {
	reason := fmt.Sprintf("No players for %s, killing server and hosted server instance", formatMinutes(timeout))

	m.log.Warn().
		Dur("idle_for", idleFor).
		Msg(reason)

	if m.closer != nil {
		m.closer.OnClose(reason)
	}

	if !m.runner.IsIdle() {
		if err := m.runner.KillServer(ctx, killReason); err != nil {
			m.log.Error().Err(err).Msg("Failed to kill server")
		}
	}

	if m.exit != nil {
		m.exit(0)
	}
}

func (m *Monitor) clear() {
	m.mu.Lock()
	m.idleSince = time.Time{}
	m.mu.Unlock()
}

func (m *Monitor) timeoutFor(state config.ConfigState) time.Duration {
	if state == config.ConfigStateReady {
		return m.timeout
	}

	return m.setupTimeout
}

// IdleSince returns when the server went idle, or the zero time.
func (m *Monitor) IdleSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.idleSince
}

func formatMinutes(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}

	return d.String()
}
