// Package archive keeps an optional sqlite copy of every materialized data
// point, before any compaction of the stats log touches it.
package archive

import (
	"context"
	"time"

	"codeberg.org/mutker/svmetrics/internal/statslog"
)

// Recorder stores data points. The disabled recorder accepts and drops
// everything.
type Recorder interface {
	Record(ctx context.Context, entry *statslog.DataEntry) error
	Recent(ctx context.Context, since time.Time) ([]*statslog.DataEntry, error)
	Close() error
}

type repository interface {
	Record(entry *statslog.DataEntry) error
	Recent(ctx context.Context, since time.Time) ([]*statslog.DataEntry, error)
	Close() error
}
