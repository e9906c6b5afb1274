// Package janitor prunes job records left behind in the claim ledger.
//
// A record normally lives only between claim and completion. Records that
// outlive the retention threshold belong to events whose holder crashed,
// or to shift markers nobody consumed. The janitor deletes them in
// bounded batches so a large backlog never stalls the ledger.
package janitor

import (
	"context"
	"log"
	"time"
)

// Store is the slice of the claim ledger the janitor needs.
type Store interface {
	Prune(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

// MetricsSink records janitor activity. Methods must be non-blocking.
type MetricsSink interface {
	JobsPruned(count int)
	PruneCycleCompleted(duration time.Duration, err error)
}

// Config holds janitor configuration.
type Config struct {
	// Interval is how often the janitor runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Retention is the age after which a job record is considered stale.
	// Default: 1 hour.
	Retention time.Duration

	// BatchSize is the maximum number of records deleted per Prune call.
	// Default: 500.
	BatchSize int

	// MaxBatches bounds the Prune calls in one cycle.
	// Default: 20.
	MaxBatches int
}

// DefaultConfig returns the default janitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:   5 * time.Minute,
		Retention:  time.Hour,
		BatchSize:  500,
		MaxBatches: 20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = def.MaxBatches
	}
	return c
}

// Janitor periodically removes stale job records.
type Janitor struct {
	config  Config
	store   Store
	metrics MetricsSink
	clock   func() time.Time
}

// New creates a janitor. Zero config fields take their defaults.
func New(cfg Config, store Store) *Janitor {
	return &Janitor{
		config: cfg.withDefaults(),
		store:  store,
		clock:  time.Now,
	}
}

// WithMetrics attaches a metrics sink to the janitor.
func (j *Janitor) WithMetrics(sink MetricsSink) *Janitor {
	j.metrics = sink
	return j
}

// Run runs a cycle immediately, then every Interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	log.Printf("janitor: started (interval=%s, retention=%s, batch=%d)",
		j.config.Interval, j.config.Retention, j.config.BatchSize)

	j.runCycle(ctx)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("janitor: stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

// runCycle prunes batches until one comes back short, MaxBatches is
// reached or ctx is cancelled. It returns the number of deleted records.
func (j *Janitor) runCycle(ctx context.Context) int {
	start := j.clock()
	cutoff := start.Add(-j.config.Retention)

	total := 0
	var cycleErr error
	for batch := 0; batch < j.config.MaxBatches; batch++ {
		if ctx.Err() != nil {
			break
		}
		n, err := j.store.Prune(ctx, cutoff, j.config.BatchSize)
		if err != nil {
			log.Printf("janitor: prune failed after %d records: %v", total, err)
			cycleErr = err
			break
		}
		total += n
		if n < j.config.BatchSize {
			break
		}
	}

	if total > 0 {
		log.Printf("janitor: pruned %d job records older than %s", total, cutoff.Format(time.RFC3339))
	}
	if j.metrics != nil {
		if total > 0 {
			j.metrics.JobsPruned(total)
		}
		j.metrics.PruneCycleCompleted(j.clock().Sub(start), cycleErr)
	}
	return total
}
