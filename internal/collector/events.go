package collector

import (
	"math"
	"time"

	"codeberg.org/mutker/svmetrics/internal/errors"
)

// RuntimeMemory is the host runtime heap usage in megabytes.
type RuntimeMemory struct {
	Used  float64 `json:"used"`
	Limit float64 `json:"limit"`
}

func (m RuntimeMemory) valid() bool {
	isCount := func(v float64) bool {
		return v >= 0 && !math.IsInf(v, 0) && v == math.Trunc(v)
	}

	return isCount(m.Used) && isCount(m.Limit) && m.Used <= m.Limit
}

// OnBoot records a server start that took duration.
func (c *Collector) OnBoot(duration time.Duration) {
	c.mu.Lock()
	c.resetPerfState()
	c.resetMemoryState()
	c.stats.AppendBoot(c.now().UnixMilli(), int64(duration.Seconds()))
	c.mu.Unlock()

	c.notify(EventServerBoot)
	c.requestSave()
}

// OnClose records a server stop.
func (c *Collector) OnClose(reason string) {
	c.mu.Lock()
	c.resetPerfState()
	c.resetMemoryState()
	changed := c.stats.AppendClose(c.now().UnixMilli(), reason)
	c.mu.Unlock()

	c.notify(EventServerClose)
	if changed {
		c.requestSave()
	}
}

// OnRuntimeMemoryReport stores the heap usage pushed by the host runtime.
// Invalid reports are rejected and leave the state untouched.
func (c *Collector) OnRuntimeMemoryReport(m RuntimeMemory) error {
	if !m.valid() {
		err := errors.New().WithData(ErrInvalidMemoryReport, m)
		c.log.Warn().
			Float64("used", m.Used).
			Float64("limit", m.Limit).
			Msg("Invalid runtime memory report")
		return err
	}

	c.mu.Lock()
	c.runtimeMemory = &RuntimeMemory{Used: m.Used, Limit: m.Limit}
	c.mu.Unlock()

	c.notify(EventMemoryReport)

	return nil
}
