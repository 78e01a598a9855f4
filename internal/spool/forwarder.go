package spool

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultBatchSize      = 100
	defaultPollInterval   = 5 * time.Second
)

// Sender delivers a batch of pending records to a central history store. A
// nil error means every record in batch was accepted and may be Acked.
type Sender func(ctx context.Context, batch []PendingRecord) error

// ForwarderConfig configures Run.
type ForwarderConfig struct {
	// InitialBackoff is the starting interval for exponential-backoff retry
	// after a failed send. Defaults to 1 second when zero.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential-backoff interval. Defaults to 2
	// minutes when zero.
	MaxBackoff time.Duration
	// BatchSize is the maximum number of records dequeued per flush
	// attempt. Defaults to 100 when zero.
	BatchSize int
	// PollInterval is how long Run waits between flush attempts when the
	// spool is empty. Defaults to 5 seconds when zero.
	PollInterval time.Duration
}

// Run drains s to send via backoff-protected batches until ctx is cancelled.
// Each flush attempt dequeues up to BatchSize records, hands them to send,
// and Acks them only on success; a failed send retries the same batch with
// exponential backoff rather than advancing, so records are never dropped on
// a transient history-store outage.
func Run(ctx context.Context, s *Spool, send Sender, cfg ForwarderConfig, logger *slog.Logger) {
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.MaxElapsedTime = 0 // retry indefinitely
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		batch, err := s.Dequeue(ctx, cfg.BatchSize)
		if err != nil {
			logger.Warn("spool: dequeue failed", slog.Any("error", err))
			if !sleepOrDone(ctx, cfg.PollInterval) {
				return
			}
			continue
		}

		if len(batch) == 0 {
			b.Reset()
			if !sleepOrDone(ctx, cfg.PollInterval) {
				return
			}
			continue
		}

		if err := send(ctx, batch); err != nil {
			logger.Warn("spool: forward failed, will retry", slog.Any("error", err), slog.Int("batch", len(batch)))
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				logger.Error("spool: backoff exhausted; giving up on this batch")
				wait = cfg.MaxBackoff
			}
			if !sleepOrDone(ctx, wait) {
				return
			}
			continue
		}

		b.Reset()
		rowIDs := make([]int64, len(batch))
		for i, pr := range batch {
			rowIDs[i] = pr.RowID
		}
		if err := s.Ack(ctx, rowIDs); err != nil {
			logger.Warn("spool: ack failed", slog.Any("error", err))
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
