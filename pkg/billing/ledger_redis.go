package billing

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisClaimed   = "claimed"
	redisProcessed = "processed"
)

// releaseScript deletes the key only while it still holds an in-flight claim,
// so a Release racing with Record never erases a processed entry.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLedger is a Ledger shared by every instance talking to the same Redis.
// Expiry is delegated to key TTLs, so Sweep has nothing to do.
type RedisLedger struct {
	client    redis.UniversalClient
	prefix    string
	lease     time.Duration
	retention time.Duration
}

func NewRedisLedger(client redis.UniversalClient, prefix string, retention time.Duration) *RedisLedger {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisLedger{
		client:    client,
		prefix:    prefix + "webhook_event:",
		lease:     DefaultClaimLease,
		retention: retention,
	}
}

// WithLease returns a copy using a different claim lease.
func (l *RedisLedger) WithLease(d time.Duration) *RedisLedger {
	cp := *l
	if d > 0 {
		cp.lease = d
	}
	return &cp
}

func (l *RedisLedger) key(eventID string) string {
	return l.prefix + eventID
}

func (l *RedisLedger) Seen(ctx context.Context, eventID string) (bool, error) {
	v, err := l.client.Get(ctx, l.key(eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Join(ErrLedgerFailure, err)
	}
	return v == redisProcessed, nil
}

func (l *RedisLedger) Claim(ctx context.Context, eventID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(eventID), redisClaimed, l.lease).Result()
	if err != nil {
		return false, errors.Join(ErrLedgerFailure, err)
	}
	return ok, nil
}

func (l *RedisLedger) Record(ctx context.Context, eventID string) error {
	if err := l.client.Set(ctx, l.key(eventID), redisProcessed, l.retention).Err(); err != nil {
		return errors.Join(ErrLedgerFailure, err)
	}
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, eventID string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(eventID)}, redisClaimed).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return errors.Join(ErrLedgerFailure, err)
	}
	return nil
}

func (l *RedisLedger) Sweep(context.Context, time.Time) (int64, error) {
	return 0, nil
}
