package metering

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BatchInserter is the interface used by Collector to persist redemptions.
// It exists to allow testing without a real database.
type BatchInserter interface {
	BatchInsert(ctx context.Context, recs []Redemption) error
}

// MetricsRecorder is an optional interface for observing the collector.
type MetricsRecorder interface {
	SetCollectorBuffer(n int)
	RecordFlush(n int, err error, d time.Duration)
}

// Collector buffers redemption records in memory and periodically flushes them
// to the store in batches. It is safe for concurrent use.
type Collector struct {
	store         BatchInserter
	buffer        []Redemption
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
	metrics       MetricsRecorder
}

// NewCollector creates a new Collector that flushes to the given store when the
// buffer reaches batchSize or every flushInterval, whichever comes first.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Collector{
		store:         store,
		buffer:        make([]Redemption, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// SetMetrics sets the optional metrics recorder.
func (c *Collector) SetMetrics(m MetricsRecorder) { c.metrics = m }

// Start begins flushing buffered records on a timer. It blocks until Stop is
// called or the context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record adds a redemption to the buffer. If the buffer reaches batchSize,
// a flush is triggered immediately.
func (c *Collector) Record(rec Redemption) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, rec)
	n := len(c.buffer)
	shouldFlush := n >= c.batchSize
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetCollectorBuffer(n)
	}

	if shouldFlush {
		c.flush()
	}
}

// flush drains all buffered records and writes them to the store. It logs
// errors rather than returning them so settlement is never blocked on the
// journal.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]Redemption, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := c.store.BatchInsert(ctx, batch)
	if err != nil {
		slog.Error("failed to flush redemption journal", "count", len(batch), "error", err)
	}
	if c.metrics != nil {
		c.metrics.SetCollectorBuffer(0)
		c.metrics.RecordFlush(len(batch), err, time.Since(start))
	}
}

// Stop signals the background goroutine to exit and performs a final flush.
// It is safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}
