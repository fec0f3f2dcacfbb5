package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Sentinel errors for dispatcher operations.
var (
	// ErrQueueFull indicates the dispatch queue is at capacity.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrStopped indicates the dispatcher no longer accepts work.
	ErrStopped = errors.New("dispatcher stopped")
	// ErrNotStarted indicates Submit was called before Start.
	ErrNotStarted = errors.New("dispatcher not started")
)

// Job is a raw inbound message waiting to be ingested.
type Job struct {
	DeviceID string
	Payload  []byte
	Origin   string
}

// Ingester is what the dispatcher feeds jobs into. *Pipeline satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, deviceID string, raw []byte, origin string) Result
}

// DispatcherConfig holds settings for the dispatch worker pool.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
}

// DefaultDispatcherConfig provides sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:   8,
		QueueSize: 1024,
	}
}

// Dispatcher moves ingestion off the transport's delivery goroutine. Submit
// never blocks; a bounded pool of workers runs the pipeline for queued jobs.
type Dispatcher struct {
	ingester Ingester
	cfg      DispatcherConfig
	logger   zerolog.Logger
	metrics  *Metrics

	jobs chan Job
	wg   sync.WaitGroup

	lifecycleMu sync.RWMutex
	started     bool
	stopped     bool

	// ctx is handed to every Ingest call and cancelled when a shutdown drain
	// times out, so publishes still in flight give up.
	ctx    context.Context
	cancel context.CancelFunc

	// abandon is set when a shutdown drain times out; workers then discard
	// whatever is still queued.
	abandon   atomic.Bool
	discarded atomic.Int64
	inFlight  atomic.Int64
}

// NewDispatcher creates a dispatcher feeding ingester.
func NewDispatcher(ingester Ingester, cfg DispatcherConfig, logger zerolog.Logger, metrics *Metrics) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		ctx:      ctx,
		cancel:   cancel,
		ingester: ingester,
		cfg:      cfg,
		logger:   logger.With().Str("component", "Dispatcher").Logger(),
		metrics:  metrics,
		jobs:     make(chan Job, cfg.QueueSize),
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.logger.Info().Int("workers", d.cfg.Workers).Int("queue_size", d.cfg.QueueSize).Msg("Starting dispatch workers")
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Submit queues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	d.lifecycleMu.RLock()
	defer d.lifecycleMu.RUnlock()
	if d.stopped {
		d.metrics.dropped()
		return ErrStopped
	}
	if !d.started {
		return ErrNotStarted
	}
	select {
	case d.jobs <- job:
		d.metrics.depth(len(d.jobs))
		return nil
	default:
		d.metrics.dropped()
		return ErrQueueFull
	}
}

// Len returns the number of queued jobs.
func (d *Dispatcher) Len() int { return len(d.jobs) }

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for job := range d.jobs {
		d.inFlight.Add(1)
		if d.abandon.Load() {
			d.inFlight.Add(-1)
			d.discarded.Add(1)
			continue
		}
		d.run(id, job)
		d.inFlight.Add(-1)
		d.metrics.depth(len(d.jobs))
	}
	d.logger.Debug().Int("worker_id", id).Msg("Dispatch worker stopped")
}

// run ingests one job; a panic is contained to the job that caused it.
func (d *Dispatcher) run(workerID int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Int("worker_id", workerID).
				Str("device_id", job.DeviceID).
				Str("route", job.Origin).
				Interface("panic", r).
				Msg("Recovered from panic while ingesting message")
		}
	}()
	// Only a timed out shutdown interrupts an admitted message.
	d.ingester.Ingest(d.ctx, job.DeviceID, job.Payload, job.Origin)
}

// Stop refuses new jobs and lets the workers drain the queue until ctx expires.
// At that point it returns without waiting for the workers: jobs still queued
// are discarded, publishes in flight are cancelled, and both are counted in
// the log.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.lifecycleMu.Lock()
	if d.stopped {
		d.lifecycleMu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.jobs)
	d.lifecycleMu.Unlock()

	d.logger.Info().Int("queued", len(d.jobs)).Msg("Draining dispatch queue...")
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		d.cancel()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info().Msg("Dispatch queue drained.")
		return nil
	case <-ctx.Done():
		d.abandon.Store(true)
		// The queue is closed, so this empties whatever the workers have not taken.
		for range d.jobs {
			d.discarded.Add(1)
		}
		inFlight := d.inFlight.Load()
		d.cancel()
		n := d.discarded.Load()
		d.metrics.discarded(int(n))
		d.logger.Error().
			Int64("discarded", n).
			Int64("in_flight", inFlight).
			Msg("Dispatch drain timed out, discarded queued messages and cancelled in-flight publishes")
		return fmt.Errorf("dispatcher drain: %d messages discarded, %d in flight: %w", n, inFlight, ctx.Err())
	}
}
