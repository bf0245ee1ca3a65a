package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueFull indicates the ingestion buffer is saturated.
var ErrQueueFull = errors.New("reconciliation queue full")

const (
	defaultBuffer      = 256
	defaultMaxAttempts = 5
	defaultBackoff     = 500 * time.Millisecond
)

type job struct {
	event   GatewayEvent
	attempt int
}

// Worker decouples gateway acknowledgment from reconciliation: the receiving
// boundary enqueues and acks immediately, processing runs out-of-band with
// backoff retries. A validation failure is dropped straight away; a
// processing failure retries up to the attempt cap and then escalates to the
// log as a reconciliation conflict for operator review.
type Worker struct {
	reconciler  *Reconciler
	logger      *slog.Logger
	jobs        chan job
	maxAttempts int
	backoff     time.Duration
	wg          sync.WaitGroup
	cancel      context.CancelFunc
	startOnce   sync.Once
	stopOnce    sync.Once
}

// NewWorker builds a reconciliation worker with default buffer and retry policy.
func NewWorker(reconciler *Reconciler, logger *slog.Logger) *Worker {
	return &Worker{
		reconciler:  reconciler,
		logger:      logger,
		jobs:        make(chan job, defaultBuffer),
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
}

// Start launches the processing goroutine.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		w.cancel = cancel
		w.wg.Add(1)
		go w.run(ctx)
	})
}

// Stop halts processing and waits for the in-flight job to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
	})
}

// Enqueue hands an event to the worker without blocking the caller.
func (w *Worker) Enqueue(ev GatewayEvent) error {
	select {
	case w.jobs <- job{event: ev, attempt: 1}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-w.jobs:
			w.process(ctx, j)
		}
	}
}

func (w *Worker) process(ctx context.Context, j job) {
	err := w.reconciler.Process(ctx, j.event)
	if err == nil {
		return
	}
	if errors.Is(err, ErrInvalidEvent) {
		w.logger.Warn("invalid gateway event dropped",
			"gateway", j.event.Gateway, "external_ref", j.event.ExternalRef, "error", err)
		return
	}
	if j.attempt >= w.maxAttempts {
		w.logger.Error("reconciliation conflict: event unresolvable, manual review required",
			"gateway", j.event.Gateway, "external_ref", j.event.ExternalRef,
			"wallet", j.event.WalletID, "amount", j.event.Amount, "error", err)
		return
	}

	delay := w.backoff << (j.attempt - 1)
	w.logger.Warn("reconciliation failed, will retry",
		"gateway", j.event.Gateway, "external_ref", j.event.ExternalRef,
		"attempt", j.attempt, "retry_in", delay, "error", err)

	next := job{event: j.event, attempt: j.attempt + 1}
	time.AfterFunc(delay, func() {
		select {
		case w.jobs <- next:
		default:
			w.logger.Error("reconciliation retry dropped: queue full",
				"gateway", next.event.Gateway, "external_ref", next.event.ExternalRef)
		}
	})
}
