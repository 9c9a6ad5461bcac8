package egress

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// HourlyQuota caps outbound requests per principal per hour. With a Redis
// client it counts attempts in hourly buckets; without one it falls back to
// counting recorded requests in Postgres over a sliding hour.
type HourlyQuota struct {
	db    *sql.DB
	rdb   *redis.Client
	limit int
	clock func() time.Time
}

func NewHourlyQuota(db *sql.DB, rdb *redis.Client, limit int) *HourlyQuota {
	return &HourlyQuota{db: db, rdb: rdb, limit: limit, clock: time.Now}
}

// WithClock overrides the time source for tests.
func (q *HourlyQuota) WithClock(clock func() time.Time) *HourlyQuota {
	q.clock = clock
	return q
}

// Allow reports whether the principal is under its hourly budget. A limit of
// zero or less disables the quota.
func (q *HourlyQuota) Allow(ctx context.Context, workspaceID, principalID string) (bool, error) {
	if q.limit <= 0 {
		return true, nil
	}
	if q.rdb != nil {
		return q.allowRedis(ctx, workspaceID, principalID)
	}
	return q.allowPostgres(ctx, workspaceID, principalID)
}

// allowRedis counts attempts, denied ones included, in the current hour
// bucket. Keys expire on their own once the bucket rolls over.
func (q *HourlyQuota) allowRedis(ctx context.Context, workspaceID, principalID string) (bool, error) {
	bucket := q.clock().UTC().Format("2006010215")
	key := fmt.Sprintf("egress_quota:%s:%s:%s", workspaceID, principalID, bucket)

	pipe := q.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("egress quota incr: %w", err)
	}
	return incr.Val() <= int64(q.limit), nil
}

// allowPostgres counts requests recorded in the last hour. The current
// request is not inserted yet, so the limit-th attempt still passes.
func (q *HourlyQuota) allowPostgres(ctx context.Context, workspaceID, principalID string) (bool, error) {
	since := q.clock().UTC().Add(-time.Hour)
	var count int
	err := q.db.QueryRowContext(ctx, `
		SELECT count(*) FROM sec_egress_requests
		WHERE workspace_id = $1 AND principal_id = $2 AND created_at >= $3`,
		workspaceID, principalID, since).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("egress quota count: %w", err)
	}
	return count < q.limit, nil
}
