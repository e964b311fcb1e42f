package metrics

import (
	"time"
)

// EventStats reports event store depths. Implemented by the event store;
// kept as a local interface so the store can import this package for its
// counters without a cycle.
type EventStats interface {
	CountsByStatus() (map[string]int, error)
	CountDocuments() (int, error)
}

// RunStats reports workflow engine activity.
type RunStats interface {
	ActiveRuns() int
}

// Collector periodically samples gauge metrics from the stores
type Collector struct {
	events EventStats
	runs   RunStats
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(events EventStats, runs RunStats) *Collector {
	return &Collector{
		events: events,
		runs:   runs,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectEventMetrics()
	c.collectRunMetrics()
}

func (c *Collector) collectEventMetrics() {
	if c.events == nil {
		return
	}

	counts, err := c.events.CountsByStatus()
	if err != nil {
		return
	}
	for status, count := range counts {
		EventsByStatus.WithLabelValues(status).Set(float64(count))
	}

	docs, err := c.events.CountDocuments()
	if err != nil {
		return
	}
	DocumentsTotal.Set(float64(docs))
}

func (c *Collector) collectRunMetrics() {
	if c.runs == nil {
		return
	}
	RunsActive.Set(float64(c.runs.ActiveRuns()))
}
