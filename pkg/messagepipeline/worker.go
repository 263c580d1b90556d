package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-mq2db/pkg/decoders"
	"github.com/illmade-knight/go-mq2db/pkg/types"
	"github.com/rs/zerolog"
)

const (
	DefaultReceiveTimeout = 100 * time.Millisecond
	DefaultInterval       = time.Second
	DefaultFlushTimeout   = 30 * time.Second
)

// ErrAlreadyRun is returned when Run is called on a worker that has already run.
var ErrAlreadyRun = errors.New("worker already run")

// WorkerConfig holds the timing and buffering settings of a Worker.
type WorkerConfig struct {
	Name string
	// ReceiveTimeout bounds each wait for a message, so the flush check and
	// the stop signal are observed even on an idle bus.
	ReceiveTimeout time.Duration
	// Interval is the minimum time between successful flushes.
	Interval time.Duration
	// FlushTimeout bounds one flush. Flushes never inherit the Run context.
	FlushTimeout time.Duration
	// MaxBuffer caps the buffered rows, dropping the oldest; zero is unbounded.
	MaxBuffer int
}

// Worker is the pipeline of one target: receive, decode, buffer and flush
// on a schedule. All of its state is owned by the goroutine calling Run.
type Worker struct {
	cfg       WorkerConfig
	consumer  MessageConsumer
	decoder   decoders.Decoder
	flusher   Flusher
	rows      *RowBuilder
	buffer    *Buffer
	scheduler *FlushScheduler
	logger    zerolog.Logger
	metrics   *targetMetrics

	state   atomic.Int32
	started atomic.Bool
	done    chan struct{}
}

// NewWorker wires a worker. metrics may be nil.
func NewWorker(
	cfg WorkerConfig,
	consumer MessageConsumer,
	decoder decoders.Decoder,
	flusher Flusher,
	logger zerolog.Logger,
	metrics *Metrics,
) (*Worker, error) {
	if consumer == nil || decoder == nil || flusher == nil {
		return nil, errors.New("worker needs a consumer, a decoder and a flusher")
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if cfg.MaxBuffer < 0 {
		return nil, fmt.Errorf("max buffer must not be negative, got %d", cfg.MaxBuffer)
	}

	w := &Worker{
		cfg:      cfg,
		consumer: consumer,
		decoder:  decoder,
		flusher:  flusher,
		rows:     NewRowBuilder(flusher.Columns()),
		buffer:   NewBuffer(cfg.MaxBuffer),
		logger:   logger.With().Str("component", "Worker").Str("target", cfg.Name).Logger(),
		metrics:  metrics.forTarget(cfg.Name),
		done:     make(chan struct{}),
	}
	w.state.Store(int32(StateRunning))
	return w, nil
}

// Name returns the target name.
func (w *Worker) Name() string {
	return w.cfg.Name
}

// State reports the lifecycle stage. It may be called from any goroutine.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Done is closed when the worker has stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run blocks until ctx is done, then performs a final flush and stops the
// consumer. The returned error reports a consumer that failed to start or a
// final flush that lost rows.
func (w *Worker) Run(ctx context.Context) (err error) {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	defer func() {
		w.state.Store(int32(StateStopped))
		close(w.done)
		w.logger.Info().Msg("Worker stopped.")
	}()

	// The consumer outlives ctx: Pub/Sub acks need a live client during the
	// final flush.
	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	defer cancelConsumer()
	if err := w.consumer.Start(consumerCtx); err != nil {
		w.logger.Error().Err(err).Msg("Failed to start message consumer.")
		_ = w.consumer.Stop()
		return fmt.Errorf("target %s: failed to start message consumer: %w", w.cfg.Name, err)
	}

	w.scheduler = NewFlushScheduler(w.cfg.Interval, time.Now())
	w.logger.Info().
		Dur("interval", w.cfg.Interval).
		Dur("receive_timeout", w.cfg.ReceiveTimeout).
		Int("max_buffer", w.cfg.MaxBuffer).
		Msg("Worker running.")

	messages := w.consumer.Messages()
	timer := time.NewTimer(w.cfg.ReceiveTimeout)
	defer timer.Stop()

	for {
		timer.Reset(w.cfg.ReceiveTimeout)
		select {
		case <-ctx.Done():
		case msg, ok := <-messages:
			if !ok {
				w.logger.Warn().Msg("Consumer closed its message channel; waiting for stop.")
				messages = nil
				break
			}
			w.handle(msg)
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
		now := time.Now()
		if w.scheduler.Due(now, w.buffer.Len()) {
			_ = w.flush(now)
		}
	}

	return w.shutdown(messages)
}

// handle decodes one message and buffers its rows. A message that cannot be
// decoded is discarded: retrying it would fail the same way.
func (w *Worker) handle(msg types.ConsumedMessage) {
	received := time.Now()
	w.metrics.recordReceived()

	records, err := w.decoder.Decode(msg)
	if err != nil {
		w.metrics.recordDecodeError()
		w.logger.Error().Err(err).Str("msg_id", msg.ID).Int("payload_size", len(msg.Payload)).Msg("Failed to decode message, discarding.")
		msg.AckMessage()
		return
	}
	if len(records) == 0 {
		msg.AckMessage()
		return
	}

	rows := w.rows.Build(records, received, msg.Payload)
	evicted, dropped := w.buffer.Append(msg, rows)
	if dropped > 0 {
		w.metrics.recordDropped(dropped)
		w.logger.Warn().Int("dropped_rows", dropped).Int("max_buffer", w.cfg.MaxBuffer).Msg("Buffer full, oldest rows dropped.")
	}
	for _, m := range evicted {
		m.NackMessage()
	}
	w.metrics.recordBuffered(w.buffer.Len())
}

// flush persists the whole buffer. On success the buffer is drained and its
// messages Acked; on failure everything is retained for the next attempt.
func (w *Worker) flush(now time.Time) error {
	rows := w.buffer.Rows()
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushTimeout)
	defer cancel()

	start := time.Now()
	err := w.flusher.Flush(ctx, now, rows)
	w.metrics.recordFlush(len(rows), time.Since(start), err)
	if err != nil {
		w.logger.Error().Err(err).Int("batch_size", len(rows)).Msg("Failed to flush batch, keeping rows for retry.")
		return err
	}

	for _, msg := range w.buffer.Drain() {
		msg.AckMessage()
	}
	w.scheduler.Flushed(now)
	w.metrics.recordBuffered(0)
	w.logger.Debug().Int("batch_size", len(rows)).Msg("Successfully flushed batch, Acking messages.")
	return nil
}

func (w *Worker) shutdown(messages <-chan types.ConsumedMessage) error {
	w.state.Store(int32(StateStopping))
	w.logger.Info().Int("buffered_rows", w.buffer.Len()).Msg("Stopping worker, final flush...")

	var flushErr error
	if w.buffer.Len() > 0 {
		if err := w.flush(time.Now()); err != nil {
			lost := w.buffer.Len()
			for _, msg := range w.buffer.Drain() {
				msg.NackMessage()
			}
			w.logger.Error().Err(err).Int("lost_rows", lost).Msg("Final flush failed, Nacking messages.")
			flushErr = fmt.Errorf("target %s: final flush of %d rows: %w", w.cfg.Name, lost, err)
		}
	}

	if err := w.consumer.Stop(); err != nil {
		w.logger.Warn().Err(err).Msg("Error stopping message consumer.")
	}

	// Messages queued but never handled go back to the broker.
	for messages != nil {
		select {
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			msg.NackMessage()
		default:
			messages = nil
		}
	}
	return flushErr
}
