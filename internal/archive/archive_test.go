package archive

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/svmetrics/internal/errors"
	"codeberg.org/mutker/svmetrics/internal/logger"
	"codeberg.org/mutker/svmetrics/internal/perf"
	"codeberg.org/mutker/svmetrics/internal/statslog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(ts int64, players int, mem *float64) *statslog.DataEntry {
	tc := perf.ThreadCounts{Count: 2400, Buckets: []int64{2000, 400}}
	return &statslog.DataEntry{
		TS:        ts,
		Players:   players,
		FxsMemory: mem,
		Perf:      perf.Counts{Main: tc, Network: tc.Clone(), Sync: tc.Clone()},
	}
}

func TestDisabledRecorderIsNoop(t *testing.T) {
	rec, err := NewService(DefaultConfig(), logger.Nop())
	require.NoError(t, err)

	require.NoError(t, rec.Record(context.Background(), entry(1, 1, nil)))
	got, err := rec.Recent(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, rec.Close())
}

func TestConfigValidate(t *testing.T) {
	_, err := NewService(Config{Enabled: true}, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrInvalidDBPath))
}

func TestRecordAndRecent(t *testing.T) {
	cfg := Config{
		Enabled:      true,
		DBPath:       filepath.Join(t.TempDir(), "archive.db"),
		BatchSize:    2,
		BatchTimeout: time.Hour,
	}
	rec, err := NewService(cfg, logger.Nop())
	require.NoError(t, err)
	defer rec.Close()

	mem := 812.25
	ctx := context.Background()
	require.NoError(t, rec.Record(ctx, entry(1000, 3, &mem)))
	require.NoError(t, rec.Record(ctx, entry(2000, 4, nil)))
	require.NoError(t, rec.Record(ctx, entry(3000, 5, nil)))

	got, err := rec.Recent(ctx, time.UnixMilli(2000))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, entry(2000, 4, nil), got[0])
	assert.Equal(t, 5, got[1].Players)

	all, err := rec.Recent(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.NotNil(t, all[0].FxsMemory)
	assert.Equal(t, mem, *all[0].FxsMemory)

	assert.Error(t, rec.Record(ctx, &statslog.DataEntry{}))
}

func TestCloseFlushesBuffer(t *testing.T) {
	cfg := Config{
		Enabled:      true,
		DBPath:       filepath.Join(t.TempDir(), "archive.db"),
		BatchSize:    100,
		BatchTimeout: time.Hour,
	}
	rec, err := NewService(cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, rec.Record(context.Background(), entry(1000, 1, nil)))
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())

	rec, err = NewService(cfg, logger.Nop())
	require.NoError(t, err)
	defer rec.Close()
	got, err := rec.Recent(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSchemaMismatchBacksUpAndRecreates(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "archive.db")

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions VALUES (99, datetime('now'));
		CREATE TABLE data_points (ts INTEGER PRIMARY KEY);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	rec, err := NewService(Config{Enabled: true, DBPath: dbPath, BatchSize: 1}, logger.Nop())
	require.NoError(t, err)
	defer rec.Close()

	require.NoError(t, rec.Record(context.Background(), entry(1000, 1, nil)))

	backups, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Contains(t, backups[0].Name(), "archive_v99_")
}
