// Package host describes the supervised game server as seen by the
// collector and the idle monitor, and provides an adapter for a server
// process started outside svmetrics.
package host

import (
	"context"
	"time"

	"codeberg.org/mutker/svmetrics/internal/config"
)

// Health is the supervised server state as reported by its monitor.
type Health int

const (
	HealthOffline Health = iota
	HealthPartial
	HealthOnline
)

func (h Health) String() string {
	switch h {
	case HealthOffline:
		return "OFFLINE"
	case HealthPartial:
		return "PARTIAL"
	case HealthOnline:
		return "ONLINE"
	default:
		return "UNKNOWN"
	}
}

type Status struct {
	Health Health
	Uptime time.Duration
}

// Child is the running server process.
type Child struct {
	PID      int32
	Endpoint string
	Alive    bool
}

type Monitor interface {
	Status() Status
}

type Runner interface {
	// Child returns the current child process, if any.
	Child() (Child, bool)
	// IsIdle reports whether no server process is running.
	IsIdle() bool
	KillServer(ctx context.Context, reason string) error
}

type PlayerList interface {
	OnlineCount(ctx context.Context) (int, error)
}

type ConfigSource interface {
	ConfigState() config.ConfigState
}

// Events receives server lifecycle transitions.
type Events interface {
	OnBoot(duration time.Duration)
	OnClose(reason string)
}
