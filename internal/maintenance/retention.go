// Package maintenance runs periodic housekeeping against the aggregator's
// database: sweeping bmp_stats rows past their retention window.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Retainer deletes bmp_stats rows older than a configured retention window.
// bmp_stats is append-only (one row per report, deduped by hash_id) rather
// than an upsert target, so unlike every other table it grows without bound
// and needs a sweep.
type Retainer struct {
	pool     *pgxpool.Pool
	days     int
	timezone string
	logger   *zap.Logger
}

func NewRetainer(pool *pgxpool.Pool, days int, timezone string, logger *zap.Logger) *Retainer {
	return &Retainer{pool: pool, days: days, timezone: timezone, logger: logger}
}

// Run deletes rows recorded before the retention cutoff and returns the
// number of rows removed.
func (r *Retainer) Run(ctx context.Context) (int64, error) {
	loc, err := time.LoadLocation(r.timezone)
	if err != nil {
		return 0, fmt.Errorf("maintenance: loading timezone %s: %w", r.timezone, err)
	}

	cutoff := time.Now().In(loc).AddDate(0, 0, -r.days)

	tag, err := r.pool.Exec(ctx, "DELETE FROM bmp_stats WHERE recorded_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("maintenance: sweeping bmp_stats: %w", err)
	}

	n := tag.RowsAffected()
	if n > 0 {
		r.logger.Info("swept expired bmp_stats rows", zap.Int64("rows", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// RunLoop runs Run on a fixed interval until ctx is canceled, logging but not
// propagating individual sweep failures so a transient DB error doesn't stop
// future sweeps.
func (r *Retainer) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				r.logger.Error("retention sweep failed", zap.Error(err))
			}
		}
	}
}
