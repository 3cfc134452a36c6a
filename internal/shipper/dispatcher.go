package shipper

import (
	"log"
	"sync"
	"time"
)

// flushBatchLimit is the "large limit" Flush fetches. It equals the default
// max_buffer_size; a buffer configured larger than this is not drained by a
// single Flush.
const flushBatchLimit = 10000

// maxBackoffExponent caps the doubling exponent so a long outage can never
// overflow the backoff computation.
const maxBackoffExponent = 10

// DispatcherState is the externally-observable snapshot of a dispatcher: the
// failure counter and the parameters currently in effect.
type DispatcherState struct {
	ConsecutiveFailures int
	BatchSize           int
	BatchInterval       time.Duration
	BackoffBase         time.Duration
	BackoffMax          time.Duration
}

// NextInterval reports what the dispatcher will wait before its next
// wake-up.
func (s DispatcherState) NextInterval() time.Duration {
	return backoffInterval(s.ConsecutiveFailures, s.BatchInterval, s.BackoffBase, s.BackoffMax)
}

// backoffInterval returns batch_interval_ms when there have been no
// failures since the last success, otherwise
// min(backoff_base * 2^min(failures-1, 10), backoff_max).
func backoffInterval(consecutiveFailures int, batchInterval, backoffBase, backoffMax time.Duration) time.Duration {
	if consecutiveFailures <= 0 {
		return batchInterval
	}
	exp := consecutiveFailures - 1
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	d := backoffBase << uint(exp)
	if d > backoffMax || d <= 0 {
		return backoffMax
	}
	return d
}

// Dispatcher is the timer-driven consumer: it wakes on an interval, claims
// a prefix of the Buffer, pushes it to Loki, and reconciles buffer state
// with the outcome.
type Dispatcher struct {
	// mu serializes the timer tick against Flush and Reconfigure, keeping
	// the dispatcher single-threaded with respect to its own state.
	mu sync.Mutex

	buffer  Buffer
	client  *LokiClient
	lokiURL string

	batchSize   int
	interval    time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration

	consecutiveFailures int

	logger *log.Logger

	timer   *time.Timer
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped bool
}

// NewDispatcher starts a Dispatcher wired to buffer and client, scheduling
// its first wake-up in cfg.BatchInterval().
func NewDispatcher(buffer Buffer, client *LokiClient, lokiURL string, cfg HandlerConfig, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}

	d := &Dispatcher{
		buffer:      buffer,
		client:      client,
		lokiURL:     lokiURL,
		batchSize:   cfg.BatchSize,
		interval:    cfg.BatchInterval(),
		backoffBase: cfg.BackoffBase(),
		backoffMax:  cfg.BackoffMax(),
		logger:      logger,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	d.timer = time.NewTimer(d.interval)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.timer.C:
			d.tick()
		case <-d.stopCh:
			if !d.timer.Stop() {
				select {
				case <-d.timer.C:
				default:
				}
			}
			return
		}
	}
}

// tick runs one wake-up cycle and reschedules the next one.
func (d *Dispatcher) tick() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.pushOnceLocked(); err != nil {
		d.logger.Printf("dispatcher: push failed: %v", err)
	}
	d.timer.Reset(d.nextIntervalLocked())
}

// pushOnceLocked does nothing if the buffer is empty; otherwise it fetches
// a batch, pushes it, and reconciles. Caller must hold d.mu.
func (d *Dispatcher) pushOnceLocked() error {
	count, err := d.buffer.Count()
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	return d.fetchAndPushLocked(d.batchSize)
}

func (d *Dispatcher) fetchAndPushLocked(limit int) error {
	batch, err := d.buffer.FetchBatch(limit)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	if err := d.client.Push(d.lokiURL, batch); err != nil {
		d.consecutiveFailures++
		return err
	}

	maxKey := batch[0].Key
	for _, ke := range batch[1:] {
		if maxKey.Less(ke.Key) {
			maxKey = ke.Key
		}
	}
	if err := d.buffer.DeleteUpTo(maxKey); err != nil {
		return err
	}
	d.consecutiveFailures = 0
	return nil
}

func (d *Dispatcher) nextIntervalLocked() time.Duration {
	return backoffInterval(d.consecutiveFailures, d.interval, d.backoffBase, d.backoffMax)
}

// Flush performs one synchronous push attempt with no effect on the timer's
// schedule.
func (d *Dispatcher) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fetchAndPushLocked(flushBatchLimit)
}

// GetState returns a snapshot of the dispatcher's failure counter and
// current parameters.
func (d *Dispatcher) GetState() DispatcherState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DispatcherState{
		ConsecutiveFailures: d.consecutiveFailures,
		BatchSize:           d.batchSize,
		BatchInterval:       d.interval,
		BackoffBase:         d.backoffBase,
		BackoffMax:          d.backoffMax,
	}
}

// Reconfigure updates the live parameters a reconfigured HandlerConfig
// changes, without disturbing the currently scheduled wake-up or the
// failure counter.
func (d *Dispatcher) Reconfigure(cfg HandlerConfig, lokiURL string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lokiURL = lokiURL
	d.batchSize = cfg.BatchSize
	d.interval = cfg.BatchInterval()
	d.backoffBase = cfg.BackoffBase()
	d.backoffMax = cfg.BackoffMax()
}

// Stop tears the dispatcher down: cancels the next scheduled wake-up and
// waits for the worker goroutine to exit. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.stopCh)
	<-d.doneCh
}
