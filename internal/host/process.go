package host

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// processTable is the part of the OS process table the adapter needs.
type processTable interface {
	// Lookup reports whether pid is running and when it was started.
	Lookup(ctx context.Context, pid int32) (alive bool, started time.Time, err error)
	Kill(ctx context.Context, pid int32) error
}

type osProcesses struct{}

func (osProcesses) Lookup(ctx context.Context, pid int32) (bool, time.Time, error) {
	exists, err := process.PidExistsWithContext(ctx, pid)
	if err != nil || !exists {
		return false, time.Time{}, err
	}

	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return false, time.Time{}, err
	}
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return false, time.Time{}, err
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return true, time.Time{}, err
	}

	return true, time.UnixMilli(created), nil
}

func (osProcesses) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}

	return p.KillWithContext(ctx)
}
