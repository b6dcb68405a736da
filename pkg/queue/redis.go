package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxelbench/voxelbench/pkg/run"
)

const (
	queueKeyPrefix = "vb:queue:"
	delayedKey     = "vb:queue:delayed"
)

// RedisQueue implements Queue on Redis: one list per stage queue plus a
// single sorted set for delayed tasks, scored by their due time.
type RedisQueue struct {
	client *redis.Client
}

// RedisConfig holds connection settings for the queue broker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(cfg RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisQueue{client: client}, nil
}

func queueKey(kind run.StageKind) string {
	return queueKeyPrefix + kind.Queue()
}

// Push appends the task to its stage list.
func (q *RedisQueue) Push(ctx context.Context, t Task) error {
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, queueKey(t.Kind), data).Err()
}

// PushDelayed parks the task in the delayed set until its due time.
func (q *RedisQueue) PushDelayed(ctx context.Context, t Task, at time.Time) error {
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: data,
	}).Err()
}

// Pop blocks on the stage list up to the wait window.
func (q *RedisQueue) Pop(ctx context.Context, kind run.StageKind, wait time.Duration) (Task, error) {
	res, err := q.client.BLPop(ctx, wait, queueKey(kind)).Result()
	if err != nil {
		if err == redis.Nil {
			return Task{}, ErrEmpty
		}
		return Task{}, err
	}
	// BLPop returns [key, value].
	return DecodeTask([]byte(res[1]))
}

// Len reports the stage list length.
func (q *RedisQueue) Len(ctx context.Context, kind run.StageKind) (int, error) {
	n, err := q.client.LLen(ctx, queueKey(kind)).Result()
	return int(n), err
}

// PromoteDue moves due delayed tasks onto their stage lists. The pop from
// the sorted set is atomic per member, so concurrent promoters never
// deliver the same task twice.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	max := now.UnixMilli()
	promoted := 0
	for {
		vals, err := q.client.ZPopMin(ctx, delayedKey, 1).Result()
		if err != nil {
			return promoted, err
		}
		if len(vals) == 0 {
			return promoted, nil
		}
		if int64(vals[0].Score) > max {
			// Not due yet: put it back and stop.
			if err := q.client.ZAdd(ctx, delayedKey, vals[0]).Err(); err != nil {
				return promoted, err
			}
			return promoted, nil
		}
		raw, ok := vals[0].Member.(string)
		if !ok {
			continue
		}
		t, err := DecodeTask([]byte(raw))
		if err != nil {
			// Malformed entries are dropped, not re-queued.
			continue
		}
		if err := q.client.RPush(ctx, queueKey(t.Kind), raw).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
}

// Close closes the broker connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
