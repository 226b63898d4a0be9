package storage

import (
	"context"
	"crypto/tls"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Decisions arrive at human speed; the buffer only has to absorb a burst of
// fast-path allows while ClickHouse is slow.
const (
	bufferSize    = 2048
	flushInterval = time.Second
	flushBatch    = 256
	insertTimeout = 5 * time.Second
)

const createDecisionsTable = `
	CREATE TABLE IF NOT EXISTS request_gate_decisions (
		event_id   String,
		timestamp  DateTime64(3),
		kind       LowCardinality(String),
		hostname   String,
		port       Int32,
		category   LowCardinality(String),
		decision   LowCardinality(String),
		outcome    LowCardinality(String),
		source     LowCardinality(String),
		pending_id String,
		client_id  String,
		actor      String,
		detail     String,
		wait_ms    Float32
	) ENGINE = MergeTree
	ORDER BY (timestamp, kind)
`

// ClickHouseWriter writes decision events to ClickHouse asynchronously.
// Write() is non-blocking; events are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *DecisionEvent
	done    chan struct{}
	flushed chan struct{}
	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewClickHouseWriter connects, creates the decisions table if needed and
// starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.Exec(ctx, createDecisionsTable); err != nil {
		_ = conn.Close()
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *DecisionEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go w.flushLoop()
	return w, nil
}

// Write queues a decision event. The event is dropped and counted if the
// buffer is full.
func (w *ClickHouseWriter) Write(event *DecisionEvent) {
	select {
	case w.buffer <- event:
	default:
		n := w.dropped.Add(1)
		w.logger.Warn("clickhouse buffer full, dropping decision event",
			zap.String("event_id", event.EventID),
			zap.Uint64("dropped_total", n),
		)
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (w *ClickHouseWriter) Dropped() uint64 {
	return w.dropped.Load()
}

// Close flushes what is buffered and closes the connection.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	if n := w.dropped.Load(); n > 0 {
		w.logger.Warn("clickhouse writer closed with dropped events", zap.Uint64("dropped_total", n))
	}
	_ = w.conn.Close()
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*DecisionEvent, 0, flushBatch)
	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) == flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			w.flush(w.drain(batch))
			return
		}
	}
}

// drain appends whatever is still buffered. Writers may race Close, so it
// stops at the first empty read.
func (w *ClickHouseWriter) drain(batch []*DecisionEvent) []*DecisionEvent {
	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
		default:
			return batch
		}
	}
}

func (w *ClickHouseWriter) flush(events []*DecisionEvent) {
	if len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO request_gate_decisions (
			event_id, timestamp, kind, hostname, port, category,
			decision, outcome, source, pending_id,
			client_id, actor, detail, wait_ms
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.EventID,
			e.Timestamp,
			e.Kind,
			e.Hostname,
			e.Port,
			e.Category,
			e.Decision,
			e.Outcome,
			e.Source,
			e.PendingID,
			e.ClientID,
			e.Actor,
			e.Detail,
			e.WaitMs,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("event_id", e.EventID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// LogWriter is a fallback EventWriter that writes one structured log line
// per decision.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *DecisionEvent) {
	w.logger.Info("request_gate_decision",
		zap.String("event_id", event.EventID),
		zap.String("kind", event.Kind),
		zap.String("hostname", event.Hostname),
		zap.Int32("port", event.Port),
		zap.String("category", event.Category),
		zap.String("decision", event.Decision),
		zap.String("outcome", event.Outcome),
		zap.String("source", event.Source),
		zap.String("pending_id", event.PendingID),
		zap.String("client_id", event.ClientID),
		zap.String("actor", event.Actor),
		zap.Float32("wait_ms", event.WaitMs),
	)
}

func (w *LogWriter) Close() {}
