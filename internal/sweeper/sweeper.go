// Package sweeper deletes stale pending buy orders. Deleting a pending
// order is the only thing that releases its stock reservation; there is
// no explicit release tied to cart abandonment or gateway timeouts.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/joao-fontenele/checkout-engine/internal/clock"
)

// DefaultTTL is a deployment tunable, not a product constant: observed
// production values range from a few minutes (flash sales) to 72 hours
// (invoice checkouts).
const DefaultTTL = 72 * time.Hour

type Repository interface {
	DeleteExpiredPending(ctx context.Context, cutoff time.Time) (int64, error)
}

type Sweeper struct {
	repo   Repository
	clock  clock.Clock
	logger *slog.Logger
}

func NewSweeper(repo Repository, clk clock.Clock, logger *slog.Logger) *Sweeper {
	return &Sweeper{repo: repo, clock: clk, logger: logger}
}

// Sweep deletes every buy order still pending after ttl and returns the
// count. Storage failures are absorbed: the sweep reports zero and the
// next run tries again.
func (s *Sweeper) Sweep(ctx context.Context, ttl time.Duration) int64 {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	cutoff := s.clock.Now().Add(-ttl)

	deleted, err := s.repo.DeleteExpiredPending(ctx, cutoff)
	if err != nil {
		s.logger.Error("sweep failed", "error", err, "cutoff", cutoff)
		return 0
	}

	if deleted > 0 {
		s.logger.Info("expired buy orders deleted", "count", deleted, "cutoff", cutoff)
	}
	return deleted
}
