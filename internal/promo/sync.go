package promo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncRedemptions back-fills redemption records for assigned codes whose
// provider row carries a used_at stamp. Idempotent: already-recorded
// redemptions are left untouched. Returns the number of new records.
func SyncRedemptions(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	tag, err := pool.Exec(ctx,
		`INSERT INTO promotion_usage (promotion_id, username, used_at)
		 SELECT promotion_id, assigned_to, used_at
		   FROM promotion_code
		  WHERE used_at IS NOT NULL
		 ON CONFLICT (promotion_id, username) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("sync redemptions: %w", err)
	}
	return tag.RowsAffected(), nil
}
