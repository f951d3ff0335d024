// Package audit keeps a log of query runs in Postgres.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/cryptoquery/internal/circuitbreaker"
	"github.com/Kocoro-lab/cryptoquery/internal/metrics"
)

// Record is one finished query run.
type Record struct {
	ID           string    `db:"id" json:"id"`
	Query        string    `db:"query" json:"query"`
	Metric       string    `db:"metric" json:"metric"`
	Field        string    `db:"field" json:"field"`
	Symbol       string    `db:"symbol" json:"symbol"`
	Currency     string    `db:"currency" json:"currency"`
	Timeframe    string    `db:"timeframe" json:"timeframe"`
	WorkflowName string    `db:"workflow_name" json:"workflow_name"`
	WorkflowID   string    `db:"workflow_id" json:"workflow_id"`
	Strategy     string    `db:"strategy" json:"strategy,omitempty"`
	Result       *float64  `db:"result" json:"result,omitempty"`
	State        string    `db:"state" json:"state"`
	ErrorKind    string    `db:"error_kind" json:"error_kind,omitempty"`
	Error        string    `db:"error" json:"error,omitempty"`
	StartedAt    time.Time `db:"started_at" json:"started_at"`
	DurationMS   int64     `db:"duration_ms" json:"duration_ms"`
}

// Recorder persists run records.
type Recorder interface {
	// Record queues r for writing and never blocks.
	Record(r Record)
	// Recent lists the newest limit records.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

const insertRun = `INSERT INTO runs (
	id, query, metric, field, symbol, currency, timeframe, workflow_name,
	workflow_id, strategy, result, state, error_kind, error, started_at, duration_ms
) VALUES (
	:id, :query, :metric, :field, :symbol, :currency, :timeframe, :workflow_name,
	:workflow_id, :strategy, :result, :state, :error_kind, :error, :started_at, :duration_ms
) ON CONFLICT (id) DO NOTHING`

const selectRecent = `SELECT id, query, metric, field, symbol, currency, timeframe,
	workflow_name, workflow_id, strategy, result, state, error_kind, error,
	started_at, duration_ms
FROM runs ORDER BY started_at DESC LIMIT $1`

// MaxRecent caps Recent.
const MaxRecent = 500

// Options tunes the write pool.
type Options struct {
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// Store writes records through a pool of async workers.
type Store struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	opts   Options

	writeQueue chan Record
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
	closeOnce  sync.Once
}

// Open connects to dsn and starts the write workers.
func Open(ctx context.Context, dsn string, opts Options, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	wrapper := circuitbreaker.NewDatabaseWrapper(db, "audit", logger)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wrapper.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewStore(wrapper, opts, logger), nil
}

// NewStore starts the write workers on an open handle.
func NewStore(db *circuitbreaker.DatabaseWrapper, opts Options, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	s := &Store{
		db:         db,
		logger:     logger,
		opts:       opts,
		writeQueue: make(chan Record, opts.QueueSize),
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		s.workerWg.Add(1)
		go s.writeWorker(i)
	}
	logger.Info("Audit store initialized", zap.Int("workers", opts.Workers), zap.Int("queue_size", opts.QueueSize))
	return s
}

// DB exposes the guarded handle for health checks and migrations.
func (s *Store) DB() *circuitbreaker.DatabaseWrapper { return s.db }

// Record queues r. A full queue drops the record.
func (s *Store) Record(r Record) {
	select {
	case <-s.stopCh:
		metrics.AuditWrites.WithLabelValues("dropped").Inc()
		return
	default:
	}
	select {
	case s.writeQueue <- r:
		metrics.AuditQueueDepth.Set(float64(len(s.writeQueue)))
	default:
		metrics.AuditWrites.WithLabelValues("dropped").Inc()
		s.logger.Warn("Audit queue full, dropping record", zap.String("run_id", r.ID))
	}
}

func (s *Store) writeWorker(id int) {
	defer s.workerWg.Done()
	s.logger.Debug("Audit worker started", zap.Int("worker_id", id))
	for {
		select {
		case <-s.stopCh:
			s.drainQueue()
			s.logger.Debug("Audit worker stopped", zap.Int("worker_id", id))
			return
		case r := <-s.writeQueue:
			s.write(r)
		}
	}
}

func (s *Store) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case r := <-s.writeQueue:
			s.write(r)
		case <-timeout:
			s.logger.Warn("Timeout draining audit queue")
			return
		default:
			return
		}
	}
}

func (s *Store) write(r Record) {
	metrics.AuditQueueDepth.Set(float64(len(s.writeQueue)))
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	if err := s.Insert(ctx, r); err != nil {
		metrics.AuditWrites.WithLabelValues("error").Inc()
		s.logger.Error("Failed to write audit record", zap.String("run_id", r.ID), zap.Error(err))
		return
	}
	metrics.AuditWrites.WithLabelValues("ok").Inc()
}

// Insert writes r synchronously.
func (s *Store) Insert(ctx context.Context, r Record) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, insertRun, r)
	return err
}

// Recent lists records newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > MaxRecent {
		limit = MaxRecent
	}
	var out []Record
	if err := s.db.SelectContext(ctx, &out, selectRecent, limit); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return out, nil
}

// Close stops the workers after they drain the queue, then closes the pool.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.workerWg.Wait()
		err = s.db.Close()
	})
	return err
}

// Nop discards records. It is used when auditing is disabled.
type Nop struct{}

func (Nop) Record(Record) {}

func (Nop) Recent(context.Context, int) ([]Record, error) { return nil, nil }

func (Nop) Close() error { return nil }
