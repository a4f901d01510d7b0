package collector

import (
	"context"

	"codeberg.org/mutker/svmetrics/internal/perf"
)

// Event tells dashboard consumers that collector state changed.
type Event string

const (
	EventPerfUpdated  Event = "perf_updated"
	EventServerBoot   Event = "server_boot"
	EventServerClose  Event = "server_close"
	EventMemoryReport Event = "memory_report"
)

// Notifier receives collector events. Notify must not block.
type Notifier interface {
	Notify(event Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(event Event)

func (f NotifierFunc) Notify(event Event) {
	f(event)
}

type noopNotifier struct{}

func (noopNotifier) Notify(Event) {}

// Fetcher reads counters, memory and player lists from the server.
type Fetcher interface {
	FetchPerf(ctx context.Context, endpoint string) (*perf.RawData, error)
	FetchMemory(ctx context.Context, pid int32) (float64, error)
	FetchPlayerCount(ctx context.Context, endpoint string) (int, error)
}
