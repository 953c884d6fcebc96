package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/joao-fontenele/checkout-engine/internal/clock"
)

type fakeRepo struct {
	deleted int64
	err     error
	cutoff  time.Time
}

func (f *fakeRepo) DeleteExpiredPending(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	if f.err != nil {
		return 0, f.err
	}
	return f.deleted, nil
}

func TestSweeper_Sweep(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("deletes orders older than the ttl", func(t *testing.T) {
		repo := &fakeRepo{deleted: 3}
		sweeper := NewSweeper(repo, clock.NewFixed(now), logger)

		deleted := sweeper.Sweep(context.Background(), time.Hour)
		if deleted != 3 {
			t.Errorf("expected 3 deleted, got %d", deleted)
		}
		if !repo.cutoff.Equal(now.Add(-time.Hour)) {
			t.Errorf("expected cutoff one hour before now, got %v", repo.cutoff)
		}
	})

	t.Run("falls back to the default ttl", func(t *testing.T) {
		repo := &fakeRepo{}
		sweeper := NewSweeper(repo, clock.NewFixed(now), logger)

		sweeper.Sweep(context.Background(), 0)
		if !repo.cutoff.Equal(now.Add(-DefaultTTL)) {
			t.Errorf("expected the default cutoff, got %v", repo.cutoff)
		}
	})

	t.Run("absorbs storage errors", func(t *testing.T) {
		repo := &fakeRepo{err: errors.New("connection refused")}
		sweeper := NewSweeper(repo, clock.NewFixed(now), logger)

		deleted := sweeper.Sweep(context.Background(), time.Hour)
		if deleted != 0 {
			t.Errorf("expected 0 on error, got %d", deleted)
		}
	})
}
