// Package dispatcher runs the background workers that drain the outbox onto
// the message transport, and the recovery loop that resets stuck claims and
// expired command leases.
package dispatcher

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/FreeSideNomad/messaging-platform/internal/domain"
	"github.com/FreeSideNomad/messaging-platform/internal/errclass"
	"github.com/FreeSideNomad/messaging-platform/internal/observability"
)

const (
	// backoffBase is the unit delay for the exponential reschedule curve.
	backoffBase = time.Second
	// backoffCap bounds the reschedule delay.
	backoffCap = 30 * time.Second
	// permanentRetryAfter is the large backoff applied to permanently
	// failed publishes before the sweeper sees them again.
	permanentRetryAfter = 5 * time.Minute
	// publishRetryWindow bounds the in-process retry of one publish before
	// the row is handed back to the outbox schedule.
	publishRetryWindow = 5 * time.Second
)

// Dispatcher guarantees at-least-once transport delivery of every committed
// outbox row. Effect correctness relies on consumer-side idempotency.
type Dispatcher struct {
	Outbox    domain.OutboxRepository
	Publisher domain.Publisher
	Workers   int
	Batch     int
	Interval  time.Duration
	Claimer   string
}

// New constructs a Dispatcher with the given worker pool shape.
func New(outbox domain.OutboxRepository, pub domain.Publisher, workers, batch int, interval time.Duration, claimer string) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if batch < 1 {
		batch = 1
	}
	return &Dispatcher{Outbox: outbox, Publisher: pub, Workers: workers, Batch: batch, Interval: interval, Claimer: claimer}
}

// Run starts the worker pool and blocks until ctx is cancelled. Workers
// stop claiming on cancellation; rows already claimed are resolved before
// return.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.worker(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, n int) {
	lg := slog.With(slog.String("claimer", d.Claimer), slog.Int("worker", n))
	for {
		if ctx.Err() != nil {
			return
		}
		rows, err := d.Outbox.Sweep(ctx, d.Batch, d.Claimer)
		if err != nil {
			// Rows this sweep may have claimed stay CLAIMED; the
			// recovery loop resets them.
			lg.Error("outbox sweep failed", slog.Any("error", err))
			d.sleep(ctx)
			continue
		}
		if len(rows) == 0 {
			d.sleep(ctx)
			continue
		}
		observability.OutboxInFlight.Add(float64(len(rows)))
		for _, row := range rows {
			d.dispatch(ctx, lg, row)
			observability.OutboxInFlight.Dec()
		}
	}
}

// dispatch publishes one claimed row and records the outcome: PUBLISHED on
// success, a rescheduled NEW on transient failure, FAILED with a large
// backoff on permanent failure.
func (d *Dispatcher) dispatch(ctx context.Context, lg *slog.Logger, row domain.OutboxRow) {
	start := time.Now()
	err := d.publish(ctx, row)
	observability.PublishDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		if mErr := d.Outbox.MarkPublished(ctx, row.ID); mErr != nil {
			lg.Error("mark published failed", slog.String("outbox_id", row.ID.String()), slog.Any("error", mErr))
			return
		}
		observability.OutboxPublishedTotal.Inc()
	case errclass.Classify(err) == errclass.KindPermanent:
		lg.Error("publish failed permanently",
			slog.String("outbox_id", row.ID.String()),
			slog.String("topic", row.Topic),
			slog.Any("error", err))
		if mErr := d.Outbox.MarkFailed(ctx, row.ID, err.Error(), time.Now().UTC().Add(permanentRetryAfter)); mErr != nil {
			lg.Error("mark failed failed", slog.String("outbox_id", row.ID.String()), slog.Any("error", mErr))
		}
		observability.OutboxFailedTotal.Inc()
	default:
		delay := BackoffDelay(row.Attempts)
		lg.Warn("publish failed, rescheduling",
			slog.String("outbox_id", row.ID.String()),
			slog.String("topic", row.Topic),
			slog.Duration("backoff", delay),
			slog.Any("error", err))
		if mErr := d.Outbox.Reschedule(ctx, row.ID, delay, err.Error()); mErr != nil {
			lg.Error("reschedule failed", slog.String("outbox_id", row.ID.String()), slog.Any("error", mErr))
		}
		observability.OutboxRescheduledTotal.Inc()
	}
}

// publish retries transient transport hiccups in-process within a short
// window; anything that survives is handed back to the outbox schedule.
func (d *Dispatcher) publish(ctx context.Context, row domain.OutboxRow) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = publishRetryWindow
	return backoff.Retry(func() error {
		err := d.Publisher.Publish(ctx, row)
		if err != nil && errclass.Classify(err) == errclass.KindPermanent {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

func (d *Dispatcher) sleep(ctx context.Context) {
	t := time.NewTimer(d.Interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// BackoffDelay is the outbox reschedule curve: attempt n (0-based) yields
// min(2^n * 1s, 30s) plus up to 10% jitter.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := backoffBase << uint(attempt)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	return d + jitter
}
