package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dailyKeyTTL   = 35 * 24 * time.Hour
	sessionKeyTTL = 7 * 24 * time.Hour
)

// SessionsField counts reported sessions in the daily hash. The underscore
// keeps it apart from usage categories.
const SessionsField = "_sessions"

// RedisReporter keeps per-day usage counters and the last summary of each session.
//
//	usage:daily:<yyyy-mm-dd>   hash category -> total, plus SessionsField
//	usage:session:<id>         JSON SessionReport
type RedisReporter struct {
	rdb *redis.Client
}

// NewRedisReporter wraps an existing client.
func NewRedisReporter(rdb *redis.Client) *RedisReporter {
	return &RedisReporter{rdb: rdb}
}

// DialRedis parses a redis:// URL and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err = rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// DailyKey is the counter hash for the UTC day containing day.
func DailyKey(day time.Time) string {
	return "usage:daily:" + day.UTC().Format(time.DateOnly)
}

// SessionKey holds the last report of one session.
func SessionKey(id string) string {
	return "usage:session:" + id
}

// Report adds the summary into the day's counters and stores the session record.
func (r *RedisReporter) Report(ctx context.Context, rep SessionReport) error {
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal usage report: %w", err)
	}

	day := rep.EndedAt
	if day.IsZero() {
		day = time.Now()
	}
	daily := DailyKey(day)

	pipe := r.rdb.TxPipeline()
	for k, v := range rep.Summary {
		pipe.HIncrByFloat(ctx, daily, k, v)
	}
	pipe.HIncrBy(ctx, daily, SessionsField, 1)
	pipe.Expire(ctx, daily, dailyKeyTTL)
	pipe.Set(ctx, SessionKey(rep.SessionID), body, sessionKeyTTL)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis usage report: %w", err)
	}
	return nil
}

// Daily reads the accumulated counters for a day.
func (r *RedisReporter) Daily(ctx context.Context, day time.Time) (Summary, error) {
	raw, err := r.rdb.HGetAll(ctx, DailyKey(day)).Result()
	if err != nil {
		return nil, err
	}
	out := make(Summary, len(raw))
	for k, v := range raw {
		var f float64
		if _, scanErr := fmt.Sscan(v, &f); scanErr != nil {
			continue
		}
		out[k] = f
	}
	return out, nil
}
