package statslog

import (
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/svmetrics/internal/errors"
	"codeberg.org/mutker/svmetrics/internal/logger"
	"codeberg.org/mutker/svmetrics/internal/perf"
	"github.com/goccy/go-json"
	"github.com/klauspost/pgzip"
)

const (
	FileName    = "stats_svRuntime.json"
	FileVersion = 1

	backupDirName   = "backups"
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
)

// State is the persisted part of the collector.
type State struct {
	Boundaries perf.Boundaries
	Log        []Entry
}

type fileData struct {
	Version            int             `json:"version"`
	LastPerfBoundaries perf.Boundaries `json:"lastPerfBoundaries"`
	Log                Entries         `json:"log"`
}

// File reads and writes the state file in a data directory. Writes are
// atomic and serialized.
type File struct {
	path      string
	backupDir string
	log       logger.Logger
	mu        sync.Mutex
	now       func() time.Time
}

func NewFile(dataDir string, log logger.Logger) *File {
	return &File{
		path:      filepath.Join(dataDir, FileName),
		backupDir: filepath.Join(dataDir, backupDirName),
		log:       log.With("statslog"),
		now:       time.Now,
	}
}

func (f *File) Path() string {
	return f.path
}

// Read loads and validates the state file.
func (f *File) Read() (*State, error) {
	errFactory := errors.New()

	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errFactory.Wrap(ErrStateNotFound, err)
		}
		return nil, errFactory.Wrap(ErrStateInvalid, err)
	}

	var head struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, errFactory.Wrap(ErrStateInvalid, err)
	}
	if head.Version == nil || *head.Version != FileVersion {
		found := -1
		if head.Version != nil {
			found = *head.Version
		}
		return nil, errFactory.WithData(ErrStateVersion, struct {
			Found    int
			Expected int
		}{
			Found:    found,
			Expected: FileVersion,
		})
	}

	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errFactory.Wrap(ErrStateInvalid, err)
	}
	if err := validate(data.LastPerfBoundaries, data.Log); err != nil {
		return nil, errFactory.Wrap(ErrStateInvalid, err)
	}

	return &State{
		Boundaries: data.LastPerfBoundaries,
		Log:        []Entry(data.Log),
	}, nil
}

// Write replaces the state file with state. The content is written to a
// temporary file in the same directory, synced and renamed over the target.
func (f *File) Write(state State) error {
	errFactory := errors.New()

	log := state.Log
	if log == nil {
		log = []Entry{}
	}
	raw, err := json.Marshal(fileData{
		Version:            FileVersion,
		LastPerfBoundaries: state.Boundaries,
		Log:                log,
	})
	if err != nil {
		return errFactory.Wrap(ErrStateWrite, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return errFactory.Wrap(ErrStateWrite, err)
	}

	tmp, err := os.CreateTemp(dir, "."+FileName+"-*.tmp")
	if err != nil {
		return errFactory.Wrap(ErrStateWrite, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(raw); err != nil {
		return errFactory.Wrap(ErrStateWrite, err)
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		return errFactory.Wrap(ErrStateWrite, err)
	}
	if err := tmp.Sync(); err != nil {
		return errFactory.Wrap(ErrStateWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return errFactory.Wrap(ErrStateWrite, err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return errFactory.Wrap(ErrStateWrite, err)
	}
	committed = true

	f.log.Debug().
		Int("entries", len(log)).
		Int("bytes", len(raw)).
		Msg("Saved stats state")

	return nil
}

// Discard moves an unusable state file into the backups directory as a
// gzip archive and returns the archive path.
func (f *File) Discard() (string, error) {
	errFactory := errors.New()

	f.mu.Lock()
	defer f.mu.Unlock()

	src, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", errFactory.Wrap(ErrStateBackup, err)
	}
	defer src.Close()

	if err := os.MkdirAll(f.backupDir, defaultDirPerm); err != nil {
		return "", errFactory.Wrap(ErrStateBackup, err)
	}

	base := strings.TrimSuffix(FileName, filepath.Ext(FileName))
	timestamp := f.now().UTC().Format("20060102T150405Z")
	backupPath := filepath.Join(f.backupDir, fmt.Sprintf("%s_%s.json.gz", base, timestamp))

	if err := gzipTo(backupPath, src); err != nil {
		os.Remove(backupPath)
		return "", errFactory.WithData(ErrStateBackup, struct {
			Path  string
			Error string
		}{
			Path:  backupPath,
			Error: err.Error(),
		})
	}

	if err := os.Remove(f.path); err != nil {
		return backupPath, errFactory.Wrap(ErrStateBackup, err)
	}

	f.log.Info().
		Str("path", backupPath).
		Msg("Stats state backup created")

	return backupPath, nil
}

func gzipTo(path string, src io.Reader) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, defaultFilePerm)
	if err != nil {
		return err
	}
	defer out.Close()

	gz, err := pgzip.NewWriterLevel(out, pgzip.BestSpeed)
	if err != nil {
		return fmt.Errorf("pgzip writer failed: %w", err)
	}
	gz.Name = FileName
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	return out.Sync()
}

func validate(boundaries perf.Boundaries, entries []Entry) error {
	if boundaries != nil {
		if len(boundaries) == 0 {
			return fmt.Errorf("empty boundaries")
		}
		if !boundaries.Ascending() {
			return fmt.Errorf("boundaries not ascending")
		}
	}

	for i, e := range entries {
		if e.Timestamp() <= 0 {
			return fmt.Errorf("log entry %d: invalid timestamp %d", i, e.Timestamp())
		}
		switch v := e.(type) {
		case *BootEntry:
			if v.Duration < 0 {
				return fmt.Errorf("log entry %d: negative boot duration", i)
			}
		case *CloseEntry:
		case *DataEntry:
			if err := validateData(v, boundaries); err != nil {
				return fmt.Errorf("log entry %d: %w", i, err)
			}
		default:
			return fmt.Errorf("log entry %d: unexpected type %T", i, e)
		}
	}

	return nil
}

func validateData(e *DataEntry, boundaries perf.Boundaries) error {
	if boundaries == nil {
		return fmt.Errorf("data entry without boundaries")
	}
	if e.Players < 0 {
		return fmt.Errorf("negative player count")
	}
	for _, m := range []*float64{e.FxsMemory, e.NodeMemory} {
		if m != nil && (*m < 0 || math.IsNaN(*m) || math.IsInf(*m, 0)) {
			return fmt.Errorf("invalid memory value %v", *m)
		}
	}
	for _, t := range perf.Threads {
		tc := e.Perf.Thread(t)
		if tc.Count < 0 {
			return fmt.Errorf("%s: negative tick count", t)
		}
		if len(tc.Buckets) != len(boundaries) {
			return fmt.Errorf("%s: %d buckets for %d boundaries", t, len(tc.Buckets), len(boundaries))
		}
		for _, b := range tc.Buckets {
			if b < 0 {
				return fmt.Errorf("%s: negative bucket", t)
			}
		}
	}

	return nil
}
