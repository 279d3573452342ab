package metrics

import (
	"strconv"
	"time"
)

// EngineStats is the subset of engine-wide counters the collector polls on
// an interval, rather than updating inline on every operation. Populated by
// whatever owns the full stack (pkg/frontend.Engine) via its Stats method.
type EngineStats struct {
	ActiveTransactions int
	GenerationByTenant map[int64]int64
	FileIndexEntries   int64
	MirrorPendingBytes int64
}

// StatsSource is implemented by the composition root so the collector does
// not need to import it directly and create a cycle.
type StatsSource interface {
	Stats() EngineStats
}

// Collector polls a StatsSource on an interval and republishes its gauges.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	stats := c.source.Stats()

	TransactionsActive.Set(float64(stats.ActiveTransactions))
	FileIndexEntries.Set(float64(stats.FileIndexEntries))
	MirrorLagObjects.Set(float64(stats.MirrorPendingBytes))

	for tenant, gen := range stats.GenerationByTenant {
		GenerationCurrent.WithLabelValues(tenantLabel(tenant)).Set(float64(gen))
	}
}

func tenantLabel(tenant int64) string {
	if tenant == 0 {
		return "default"
	}
	return strconv.FormatInt(tenant, 10)
}
