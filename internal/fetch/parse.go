package fetch

import (
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"

	"codeberg.org/mutker/svmetrics/internal/perf"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const (
	tickTimeFamily = "tickTime"
	threadLabel    = "name"
	boundLabel     = "le"
)

type cumulativeBucket struct {
	bound float64
	count uint64
}

type threadSample struct {
	count   uint64
	buckets []cumulativeBucket
}

// ParsePerf reads a Prometheus text exposition and extracts the tickTime
// histogram of every monitored thread. Both a typed histogram family and
// untyped tickTime_count/tickTime_bucket series are understood.
func ParsePerf(r io.Reader) (*perf.RawData, error) {
	parser := expfmt.TextParser{}
	fams, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, err
	}

	samples := make(map[perf.Thread]*threadSample, len(perf.Threads))
	if mf := fams[tickTimeFamily]; mf != nil && mf.GetType() == dto.MetricType_HISTOGRAM {
		collectHistogram(mf, samples)
	} else {
		if err := collectUntyped(fams, samples); err != nil {
			return nil, err
		}
	}

	var (
		out    perf.RawData
		shared perf.Boundaries
	)
	for _, t := range perf.Threads {
		s, ok := samples[t]
		if !ok {
			return nil, fmt.Errorf("thread %s missing from tickTime", t)
		}
		bounds, tc, err := decumulate(s)
		if err != nil {
			return nil, fmt.Errorf("thread %s: %w", t, err)
		}
		if shared == nil {
			shared = bounds
		} else if !shared.Equal(bounds) {
			return nil, fmt.Errorf("thread %s has different bucket boundaries", t)
		}
		switch t {
		case perf.ThreadMain:
			out.Counts.Main = tc
		case perf.ThreadNetwork:
			out.Counts.Network = tc
		case perf.ThreadSync:
			out.Counts.Sync = tc
		}
	}
	out.Boundaries = shared

	return &out, nil
}

func collectHistogram(mf *dto.MetricFamily, samples map[perf.Thread]*threadSample) {
	for _, m := range mf.GetMetric() {
		t, ok := perf.ParseThread(labelValue(m, threadLabel))
		if !ok {
			continue
		}
		h := m.GetHistogram()
		s := &threadSample{count: h.GetSampleCount()}
		for _, b := range h.GetBucket() {
			s.buckets = append(s.buckets, cumulativeBucket{
				bound: b.GetUpperBound(),
				count: b.GetCumulativeCount(),
			})
		}
		samples[t] = s
	}
}

func collectUntyped(fams map[string]*dto.MetricFamily, samples map[perf.Thread]*threadSample) error {
	sample := func(t perf.Thread) *threadSample {
		s, ok := samples[t]
		if !ok {
			s = &threadSample{}
			samples[t] = s
		}
		return s
	}

	if mf := fams[tickTimeFamily+"_count"]; mf != nil {
		for _, m := range mf.GetMetric() {
			t, ok := perf.ParseThread(labelValue(m, threadLabel))
			if !ok {
				continue
			}
			sample(t).count = uint64(metricValue(m))
		}
	}

	if mf := fams[tickTimeFamily+"_bucket"]; mf != nil {
		for _, m := range mf.GetMetric() {
			t, ok := perf.ParseThread(labelValue(m, threadLabel))
			if !ok {
				continue
			}
			le := labelValue(m, boundLabel)
			bound, err := strconv.ParseFloat(le, 64)
			if err != nil {
				return fmt.Errorf("invalid bucket bound %q: %w", le, err)
			}
			s := sample(t)
			s.buckets = append(s.buckets, cumulativeBucket{
				bound: bound,
				count: uint64(metricValue(m)),
			})
		}
	}

	return nil
}

// decumulate turns Prometheus cumulative "le" buckets into per-bin counts.
// A missing +Inf bucket is synthesised from the sample count.
func decumulate(s *threadSample) (perf.Boundaries, perf.ThreadCounts, error) {
	if len(s.buckets) == 0 {
		return nil, perf.ThreadCounts{}, fmt.Errorf("no buckets")
	}

	buckets := slices.Clone(s.buckets)
	slices.SortFunc(buckets, func(a, b cumulativeBucket) int {
		switch {
		case a.bound < b.bound:
			return -1
		case a.bound > b.bound:
			return 1
		default:
			return 0
		}
	})
	if last := buckets[len(buckets)-1]; !math.IsInf(last.bound, 1) {
		buckets = append(buckets, cumulativeBucket{bound: math.Inf(1), count: s.count})
	}

	bounds := make(perf.Boundaries, len(buckets))
	tc := perf.ThreadCounts{
		Count:   int64(s.count),
		Buckets: make([]int64, len(buckets)),
	}
	var prev uint64
	for i, b := range buckets {
		if i > 0 && b.bound == buckets[i-1].bound {
			return nil, perf.ThreadCounts{}, fmt.Errorf("duplicate bucket bound %v", b.bound)
		}
		if b.count < prev {
			return nil, perf.ThreadCounts{}, fmt.Errorf("bucket %v is not cumulative", b.bound)
		}
		bounds[i] = b.bound
		tc.Buckets[i] = int64(b.count - prev)
		prev = b.count
	}

	return bounds, tc, nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}

	return ""
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue()
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	default:
		return 0
	}
}
