package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"trading-desk/internal/monitor"
	"trading-desk/pkg/db"
)

// WriteOp is one buffered statement.
type WriteOp = db.Stmt

const batchTimeout = 10 * time.Second

// BatchWriter buffers statements and commits them in one transaction per
// flush. Flushes run on a size threshold, on a timer, on demand and at Close.
type BatchWriter struct {
	db       *sql.DB
	log      zerolog.Logger
	maxSize  int
	interval time.Duration

	mu      sync.Mutex
	pending []WriteOp

	flushMu  sync.Mutex // one transaction at a time keeps commit order
	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	loop     conc.WaitGroup
	closeErr error

	writes  atomic.Uint64
	batches atomic.Uint64
	errors  atomic.Uint64
}

// BatchWriterStats is a point-in-time view of writer activity.
type BatchWriterStats struct {
	TotalWrites  uint64 `json:"total_writes"`
	TotalBatches uint64 `json:"total_batches"`
	TotalErrors  uint64 `json:"total_errors"`
	Pending      int    `json:"pending"`
}

// NewBatchWriter starts the background flusher. Defaults: 50 ops, 500ms.
func NewBatchWriter(handle *sql.DB, maxSize int, interval time.Duration, log zerolog.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	bw := &BatchWriter{
		db:       handle,
		log:      log.With().Str("component", "batch_writer").Logger(),
		maxSize:  maxSize,
		interval: interval,
		pending:  make([]WriteOp, 0, maxSize),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	bw.loop.Go(bw.run)
	return bw
}

// Write queues op. Reaching maxSize wakes the flusher; Write itself never
// touches the database.
func (bw *BatchWriter) Write(op WriteOp) {
	bw.mu.Lock()
	bw.pending = append(bw.pending, op)
	full := len(bw.pending) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		select {
		case bw.kick <- struct{}{}:
		default:
		}
	}
}

// Flush commits everything queued so far.
func (bw *BatchWriter) Flush() error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	ops := bw.pending
	if len(ops) == 0 {
		bw.mu.Unlock()
		return nil
	}
	bw.pending = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.commit(ops)
}

func (bw *BatchWriter) commit(ops []WriteOp) (err error) {
	bw.batches.Add(1)
	defer func() {
		if err != nil {
			bw.errors.Add(1)
			monitor.JournalErrors.Inc()
			bw.log.Error().Err(err).Int("ops", len(ops)).Msg("batch dropped")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), batchTimeout)
	defer cancel()

	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("batch write %s: %w", op.Table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	bw.writes.Add(uint64(len(ops)))
	for _, op := range ops {
		monitor.JournalWrites.WithLabelValues(op.Table).Inc()
	}
	bw.log.Debug().Int("ops", len(ops)).Msg("batch committed")
	return nil
}

func (bw *BatchWriter) run() {
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-bw.kick:
		case <-bw.stop:
			bw.closeErr = bw.Flush()
			return
		}
		if err := bw.Flush(); err != nil {
			bw.log.Warn().Err(err).Msg("background flush failed")
		}
	}
}

// Pending returns the number of queued ops.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.pending)
}

func (bw *BatchWriter) Stats() BatchWriterStats {
	return BatchWriterStats{
		TotalWrites:  bw.writes.Load(),
		TotalBatches: bw.batches.Load(),
		TotalErrors:  bw.errors.Load(),
		Pending:      bw.Pending(),
	}
}

// Close stops the flusher after a last flush and returns that flush's error.
// Later calls return the same result.
func (bw *BatchWriter) Close() error {
	bw.stopOnce.Do(func() { close(bw.stop) })
	bw.loop.Wait()
	return bw.closeErr
}
