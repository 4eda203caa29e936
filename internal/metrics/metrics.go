package metrics

import (
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// #region sink

// Sample is one batch of named values at a step.
type Sample struct {
	Step   int
	Values map[string]float64
}

// Sink accepts key/value numeric samples with a step number. Emit is
// best-effort and must never block the training loop.
type Sink interface {
	Emit(step int, values map[string]float64)
	Close() error
}

// #endregion sink

// #region db-sink

const metricsSchema = `
CREATE TABLE IF NOT EXISTS metrics (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	step        INTEGER NOT NULL,
	name        TEXT NOT NULL,
	value       REAL NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_metrics_run_step ON metrics(run_id, step);
`

// DBSink appends samples to a metrics table, normally sharing the
// checkpoint store's database. Writes happen on a background goroutine
// behind a buffered channel; when the buffer is full the sample is dropped
// and counted rather than stalling a step.
type DBSink struct {
	db      *sql.DB
	runID   string
	ch      chan Sample
	dropped atomic.Int64
	wg      sync.WaitGroup
}

// NewDBSink initializes the metrics table and starts the writer.
func NewDBSink(db *sql.DB, runID string) (*DBSink, error) {
	if _, err := db.Exec(metricsSchema); err != nil {
		return nil, fmt.Errorf("metrics schema: %w", err)
	}
	s := &DBSink{
		db:    db,
		runID: runID,
		ch:    make(chan Sample, 256),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

func (s *DBSink) writer() {
	defer s.wg.Done()
	for sample := range s.ch {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		for name, value := range sample.Values {
			_, err := s.db.Exec(
				`INSERT INTO metrics (run_id, step, name, value, created_at) VALUES (?, ?, ?, ?, ?)`,
				s.runID, sample.Step, name, value, now,
			)
			if err != nil {
				log.Printf("[METRICS] write %s failed: %v", name, err)
			}
		}
	}
}

// Emit queues a sample, dropping it if the writer is behind.
func (s *DBSink) Emit(step int, values map[string]float64) {
	copied := make(map[string]float64, len(values))
	for k, v := range values {
		copied[k] = v
	}
	select {
	case s.ch <- Sample{Step: step, Values: copied}:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many samples were discarded under backpressure.
func (s *DBSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close drains the queue and stops the writer.
func (s *DBSink) Close() error {
	close(s.ch)
	s.wg.Wait()
	if n := s.Dropped(); n > 0 {
		log.Printf("[METRICS] dropped %d sample(s) under backpressure", n)
	}
	return nil
}

// #endregion db-sink

// #region log-sink

// LogSink prints samples with the standard tagged format. Used when no
// database is configured and as the fallback in dry runs.
type LogSink struct{}

// Emit logs the sample sorted by key.
func (LogSink) Emit(step int, values map[string]float64) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%.6g", k, values[k])
	}
	log.Printf("[METRICS] step=%d %s", step, b.String())
}

// Close is a no-op.
func (LogSink) Close() error { return nil }

// #endregion log-sink
