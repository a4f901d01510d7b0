package perf

// Diff returns the activity between two cumulative snapshots. A nil
// previous snapshot counts as a zero baseline, so the result is a copy of
// current.
//
// Callers must check DidReset first: a counter that went backwards would
// produce negative values here.
func Diff(current Counts, previous *Counts) Counts {
	if previous == nil {
		return current.Clone()
	}

	var out Counts
	for _, t := range Threads {
		out.set(t, diffThread(current.Thread(t), previous.Thread(t)))
	}

	return out
}

func diffThread(current, previous ThreadCounts) ThreadCounts {
	out := ThreadCounts{
		Count:   current.Count - previous.Count,
		Buckets: make([]int64, len(current.Buckets)),
	}
	for i, v := range current.Buckets {
		if i < len(previous.Buckets) {
			v -= previous.Buckets[i]
		}
		out.Buckets[i] = v
	}

	return out
}

// DidReset reports whether any counter in current is lower than in
// previous, which means the server restarted or reinitialised its
// counters. Snapshots with different bucket layouts are not comparable and
// also count as a reset.
func DidReset(current, previous Counts) bool {
	for _, t := range Threads {
		cur, prev := current.Thread(t), previous.Thread(t)
		if cur.Count < prev.Count {
			return true
		}
		if len(cur.Buckets) != len(prev.Buckets) {
			return true
		}
		for i := range cur.Buckets {
			if cur.Buckets[i] < prev.Buckets[i] {
				return true
			}
		}
	}

	return false
}
