// Package statslog holds the collector history: a time-ordered log of boot,
// close and data entries, its compaction policy and its on-disk form.
package statslog

import (
	"fmt"

	"codeberg.org/mutker/svmetrics/internal/perf"
	"github.com/goccy/go-json"
)

// Entry type tags as written to the state file.
const (
	TypeBoot  = "svBoot"
	TypeClose = "svClose"
	TypeData  = "data"
)

// Entry is one of *BootEntry, *CloseEntry or *DataEntry. Entries are treated
// as immutable once appended to a Log; compaction builds new ones.
type Entry interface {
	Timestamp() int64
	Type() string
}

// BootEntry marks a server start. Duration is the boot time in seconds.
type BootEntry struct {
	TS       int64 `json:"ts"`
	Duration int64 `json:"duration"`
}

// CloseEntry marks a server stop.
type CloseEntry struct {
	TS     int64  `json:"ts"`
	Reason string `json:"reason"`
}

// DataEntry is one materialized data point. Perf holds the tick activity
// since the previous data point; memory values are in megabytes.
type DataEntry struct {
	TS         int64       `json:"ts"`
	Players    int         `json:"players"`
	FxsMemory  *float64    `json:"fxsMemory"`
	NodeMemory *float64    `json:"nodeMemory"`
	Perf       perf.Counts `json:"perf"`
}

func (e *BootEntry) Timestamp() int64  { return e.TS }
func (e *CloseEntry) Timestamp() int64 { return e.TS }
func (e *DataEntry) Timestamp() int64  { return e.TS }

func (*BootEntry) Type() string  { return TypeBoot }
func (*CloseEntry) Type() string { return TypeClose }
func (*DataEntry) Type() string  { return TypeData }

func (e *BootEntry) MarshalJSON() ([]byte, error) {
	type plain BootEntry
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{Type: TypeBoot, plain: plain(*e)})
}

func (e *CloseEntry) MarshalJSON() ([]byte, error) {
	type plain CloseEntry
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{Type: TypeClose, plain: plain(*e)})
}

func (e *DataEntry) MarshalJSON() ([]byte, error) {
	type plain DataEntry
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{Type: TypeData, plain: plain(*e)})
}

// Entries is a list of log entries that decodes by the "type" tag.
type Entries []Entry

func (es *Entries) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make(Entries, 0, len(raw))
	for i, r := range raw {
		e, err := decodeEntry(r)
		if err != nil {
			return fmt.Errorf("log entry %d: %w", i, err)
		}
		out = append(out, e)
	}
	*es = out

	return nil
}

func decodeEntry(data []byte) (Entry, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, err
	}

	var e Entry
	switch tag.Type {
	case TypeBoot:
		e = &BootEntry{}
	case TypeClose:
		e = &CloseEntry{}
	case TypeData:
		e = &DataEntry{}
	default:
		return nil, fmt.Errorf("unknown entry type %q", tag.Type)
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, err
	}

	return e, nil
}

// NarrowTo returns a copy of e whose perf data only carries thread t.
// Boot and close entries are returned unchanged.
func NarrowTo(e Entry, t perf.Thread) any {
	switch v := e.(type) {
	case *DataEntry:
		return &ThreadDataEntry{
			TS:         v.TS,
			Players:    v.Players,
			FxsMemory:  v.FxsMemory,
			NodeMemory: v.NodeMemory,
			Perf:       v.Perf.Thread(t).Clone(),
		}
	case *BootEntry, *CloseEntry:
		return v
	default:
		return nil
	}
}

// ThreadDataEntry is a data entry narrowed to a single thread.
type ThreadDataEntry struct {
	TS         int64             `json:"ts"`
	Players    int               `json:"players"`
	FxsMemory  *float64          `json:"fxsMemory"`
	NodeMemory *float64          `json:"nodeMemory"`
	Perf       perf.ThreadCounts `json:"perf"`
}

func (e *ThreadDataEntry) MarshalJSON() ([]byte, error) {
	type plain ThreadDataEntry
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{Type: TypeData, plain: plain(*e)})
}
