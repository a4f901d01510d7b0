// Package perf models the tick-time histograms exported by the game server
// and the arithmetic between two cumulative snapshots of them.
package perf

import (
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

// Thread names one of the three server threads whose ticks are measured.
type Thread string

const (
	ThreadMain    Thread = "svMain"
	ThreadNetwork Thread = "svNetwork"
	ThreadSync    Thread = "svSync"
)

// Threads lists every monitored thread in a stable order.
var Threads = [...]Thread{ThreadMain, ThreadNetwork, ThreadSync}

// ParseThread validates a thread name coming from outside the process.
func ParseThread(name string) (Thread, bool) {
	for _, t := range Threads {
		if string(t) == name {
			return t, true
		}
	}

	return "", false
}

const infBoundary = "+Inf"

// Boundaries are the upper bounds (seconds) of the tick-time buckets,
// shared by all threads. The last bound is usually +Inf.
type Boundaries []float64

func (b Boundaries) Equal(other Boundaries) bool {
	if len(b) != len(other) {
		return false
	}
	for i := range b {
		if b[i] != other[i] {
			return false
		}
	}

	return true
}

func (b Boundaries) Clone() Boundaries {
	if b == nil {
		return nil
	}
	out := make(Boundaries, len(b))
	copy(out, b)

	return out
}

func (b Boundaries) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}

	buf := make([]byte, 0, 8*len(b)+2)
	buf = append(buf, '[')
	for i, v := range b {
		if i > 0 {
			buf = append(buf, ',')
		}
		switch {
		case math.IsInf(v, 1):
			buf = strconv.AppendQuote(buf, infBoundary)
		case math.IsNaN(v) || math.IsInf(v, -1):
			return nil, fmt.Errorf("unsupported boundary value %v", v)
		default:
			buf = strconv.AppendFloat(buf, v, 'f', -1, 64)
		}
	}
	buf = append(buf, ']')

	return buf, nil
}

func (b *Boundaries) UnmarshalJSON(data []byte) error {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*b = nil
		return nil
	}

	out := make(Boundaries, len(raw))
	for i, v := range raw {
		switch val := v.(type) {
		case float64:
			out[i] = val
		case string:
			if val != infBoundary {
				return fmt.Errorf("invalid boundary %q", val)
			}
			out[i] = math.Inf(1)
		default:
			return fmt.Errorf("invalid boundary %v", v)
		}
	}
	*b = out

	return nil
}

// Ascending reports whether the bounds are strictly increasing.
func (b Boundaries) Ascending() bool {
	for i := 1; i < len(b); i++ {
		if !(b[i] > b[i-1]) {
			return false
		}
	}

	return true
}

// ThreadCounts holds a tick count and a per-bucket histogram for one thread.
// Buckets are per-bin, not cumulative.
type ThreadCounts struct {
	Count   int64   `json:"count"`
	Buckets []int64 `json:"buckets"`
}

func (tc ThreadCounts) Clone() ThreadCounts {
	out := ThreadCounts{Count: tc.Count}
	if tc.Buckets != nil {
		out.Buckets = make([]int64, len(tc.Buckets))
		copy(out.Buckets, tc.Buckets)
	}

	return out
}

// Sum returns the total of all buckets.
func (tc ThreadCounts) Sum() int64 {
	var total int64
	for _, v := range tc.Buckets {
		total += v
	}

	return total
}

func (tc ThreadCounts) add(other ThreadCounts) ThreadCounts {
	n := max(len(tc.Buckets), len(other.Buckets))
	out := ThreadCounts{
		Count:   tc.Count + other.Count,
		Buckets: make([]int64, n),
	}
	for i := 0; i < n; i++ {
		if i < len(tc.Buckets) {
			out.Buckets[i] += tc.Buckets[i]
		}
		if i < len(other.Buckets) {
			out.Buckets[i] += other.Buckets[i]
		}
	}

	return out
}

// Counts holds one ThreadCounts per monitored thread. The same shape is used
// for raw cumulative snapshots and for deltas between two of them.
type Counts struct {
	Main    ThreadCounts `json:"svMain"`
	Network ThreadCounts `json:"svNetwork"`
	Sync    ThreadCounts `json:"svSync"`
}

// Thread returns the counts of t. Unknown threads yield the zero value.
func (c Counts) Thread(t Thread) ThreadCounts {
	switch t {
	case ThreadMain:
		return c.Main
	case ThreadNetwork:
		return c.Network
	case ThreadSync:
		return c.Sync
	default:
		return ThreadCounts{}
	}
}

func (c *Counts) set(t Thread, tc ThreadCounts) {
	switch t {
	case ThreadMain:
		c.Main = tc
	case ThreadNetwork:
		c.Network = tc
	case ThreadSync:
		c.Sync = tc
	}
}

func (c Counts) Clone() Counts {
	return Counts{
		Main:    c.Main.Clone(),
		Network: c.Network.Clone(),
		Sync:    c.Sync.Clone(),
	}
}

// MinCount returns the lowest tick count across all threads.
func (c Counts) MinCount() int64 {
	return min(c.Main.Count, c.Network.Count, c.Sync.Count)
}

// Add sums two deltas thread by thread and bucket by bucket.
func (c Counts) Add(other Counts) Counts {
	var out Counts
	for _, t := range Threads {
		out.set(t, c.Thread(t).add(other.Thread(t)))
	}

	return out
}

// RawData is one fetch of the server's cumulative counters.
type RawData struct {
	Boundaries Boundaries
	Counts     Counts
}
