package statslog

import (
	"math"
	"time"
)

type tier struct {
	maxAge     time.Duration
	resolution time.Duration
}

// Data entries younger than the first tier are kept as they are; entries
// older than the last tier are dropped.
var tiers = []tier{
	{maxAge: 12 * time.Hour},
	{maxAge: 24 * time.Hour, resolution: 15 * time.Minute},
	{maxAge: 72 * time.Hour, resolution: 30 * time.Minute},
	{maxAge: 14 * 24 * time.Hour, resolution: 60 * time.Minute},
}

// tierOf returns the index of the tier for an entry of the given age, or -1
// when the entry is past retention.
func tierOf(age time.Duration) int {
	for i, t := range tiers {
		if age < t.maxAge {
			return i
		}
	}

	return -1
}

// Optimize downsamples old data entries. Consecutive data entries that share
// a tier and fall into the same resolution slot (ts / resolution) are merged
// into one; boot and close entries are never merged or dropped and split
// runs of data entries. The input slice is not modified. Running Optimize
// twice with the same now yields the same result.
func Optimize(entries []Entry, now time.Time) []Entry {
	nowMs := now.UnixMilli()
	out := make([]Entry, 0, len(entries))

	var (
		group     []*DataEntry
		groupTier int
		groupSlot int64
	)
	flush := func() {
		switch len(group) {
		case 0:
		case 1:
			out = append(out, group[0])
		default:
			out = append(out, mergeData(group))
		}
		group = group[:0]
	}

	for _, e := range entries {
		switch v := e.(type) {
		case *BootEntry, *CloseEntry:
			flush()
			out = append(out, v)
		case *DataEntry:
			age := time.Duration(nowMs-v.TS) * time.Millisecond
			ti := tierOf(age)
			switch {
			case ti < 0:
				flush()
			case tiers[ti].resolution == 0:
				flush()
				out = append(out, v)
			default:
				slot := v.TS / tiers[ti].resolution.Milliseconds()
				if len(group) > 0 && (ti != groupTier || slot != groupSlot) {
					flush()
				}
				group = append(group, v)
				groupTier, groupSlot = ti, slot
			}
		}
	}
	flush()

	return out
}

func mergeData(group []*DataEntry) *DataEntry {
	merged := &DataEntry{}

	var (
		weightSum  float64
		playersSum float64
		fxs        weightedMean
		node       weightedMean
	)
	for i, e := range group {
		if i == 0 {
			merged.Perf = e.Perf.Clone()
		} else {
			merged.Perf = merged.Perf.Add(e.Perf)
		}
		merged.TS = max(merged.TS, e.TS)

		w := float64(max(e.Perf.Main.Count, 1))
		weightSum += w
		playersSum += float64(e.Players) * w
		fxs.add(e.FxsMemory, w)
		node.add(e.NodeMemory, w)
	}

	merged.Players = int(math.Round(playersSum / weightSum))
	merged.FxsMemory = fxs.value()
	merged.NodeMemory = node.value()

	return merged
}

type weightedMean struct {
	sum    float64
	weight float64
}

func (m *weightedMean) add(v *float64, w float64) {
	if v == nil {
		return
	}
	m.sum += *v * w
	m.weight += w
}

func (m *weightedMean) value() *float64 {
	if m.weight == 0 {
		return nil
	}
	v := math.Round(m.sum/m.weight*100) / 100

	return &v
}
