package statslog

import "time"

// Log is the in-memory collector history. Entries are kept in append order,
// which is also timestamp order. Log is not safe for concurrent use; the
// collector guards it with its own lock.
type Log struct {
	entries []Entry
}

func NewLog(entries []Entry) *Log {
	return &Log{entries: entries}
}

func (l *Log) Len() int {
	return len(l.entries)
}

// Entries returns a copy of the entry list. The entries themselves are
// shared and must not be modified.
func (l *Log) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)

	return out
}

// Last returns the most recent entry, or nil on an empty log.
func (l *Log) Last() Entry {
	if len(l.entries) == 0 {
		return nil
	}

	return l.entries[len(l.entries)-1]
}

func (l *Log) Reset() {
	l.entries = nil
}

func (l *Log) Replace(entries []Entry) {
	l.entries = entries
}

// AppendBoot records a server start. A boot directly after another boot
// means the earlier start never completed, so that entry is replaced.
func (l *Log) AppendBoot(ts int64, duration int64) {
	if _, ok := l.Last().(*BootEntry); ok {
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, &BootEntry{TS: ts, Duration: duration})
}

// AppendClose records a server stop and reports whether the log changed.
// A close after a close is dropped. A close directly after a boot removes
// the boot, since the server never produced any data.
func (l *Log) AppendClose(ts int64, reason string) bool {
	switch l.Last().(type) {
	case *CloseEntry:
		return false
	case *BootEntry:
		l.entries = l.entries[:len(l.entries)-1]
		return true
	default:
		l.entries = append(l.entries, &CloseEntry{TS: ts, Reason: reason})
		return true
	}
}

func (l *Log) AppendData(e *DataEntry) {
	l.entries = append(l.entries, e)
}

// Optimize compacts the log in place using the policy of Optimize.
func (l *Log) Optimize(now time.Time) {
	l.entries = Optimize(l.entries, now)
}
