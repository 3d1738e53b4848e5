package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reaper flags sessions that were started but never finished.
type Reaper struct {
	store    *Store
	after    time.Duration
	logger   *zap.Logger
	now      func() time.Time
	onReaped func(n int64)
}

// NewReaper creates a reaper that abandons sessions left open longer than
// after. onReaped, if not nil, is told how many sessions each sweep flagged.
func NewReaper(store *Store, after time.Duration, logger *zap.Logger, onReaped func(n int64)) *Reaper {
	return &Reaper{store: store, after: after, logger: logger, now: time.Now, onReaped: onReaped}
}

// Sweep flags every incomplete session started more than the configured
// duration ago.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	cutoff := r.now().UTC().Add(-r.after)
	n, err := r.store.MarkAbandoned(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("sessions abandoned", zap.Int64("count", n), zap.Time("cutoff", cutoff))
		if r.onReaped != nil {
			r.onReaped(n)
		}
	}
	return n, nil
}

// Run sweeps every interval until ctx is cancelled. Sweep errors are logged
// and the loop continues.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("abandoned session sweep failed", zap.Error(err))
			}
		}
	}
}
