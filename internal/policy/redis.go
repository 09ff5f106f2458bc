package policy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// klinesKey is the hash holding K-lines, field user@host.
const klinesKey = "meshcat:klines"

// RedisStore keeps K-lines in a redis hash so they survive restarts and can
// be shared by servers pointing at the same redis.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisStore connects to redis.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis URL")
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	return &RedisStore{rdb: rdb, now: time.Now}, nil
}

// Close closes the redis connection.
func (r *RedisStore) Close() error { return r.rdb.Close() }

// Add adds or replaces a K-line.
func (r *RedisStore) Add(ctx context.Context, k KLine) error {
	if !ValidMask(k.UserMask) || !ValidMask(k.HostMask) {
		return ErrBadMask
	}
	data, err := json.Marshal(k)
	if err != nil {
		return errors.Wrap(err, "failed to marshal K-line")
	}
	if err := r.rdb.HSet(ctx, klinesKey, k.Key(), data).Err(); err != nil {
		return errors.Wrap(err, "failed to store K-line")
	}
	return nil
}

// Remove removes a K-line.
func (r *RedisStore) Remove(ctx context.Context, userMask, hostMask string) (bool, error) {
	n, err := r.rdb.HDel(ctx, klinesKey, KLine{UserMask: userMask, HostMask: hostMask}.Key()).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to remove K-line")
	}
	return n > 0, nil
}

// List returns the K-lines in force. Expired ones are deleted as they are
// found.
func (r *RedisStore) List(ctx context.Context) ([]KLine, error) {
	all, err := r.rdb.HGetAll(ctx, klinesKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list K-lines")
	}

	now := r.now()
	var klines []KLine
	var expired []string
	for field, data := range all {
		var k KLine
		if err := json.Unmarshal([]byte(data), &k); err != nil {
			return nil, errors.Wrapf(err, "bad K-line %s", field)
		}
		if k.Expired(now) {
			expired = append(expired, field)
			continue
		}
		klines = append(klines, k)
	}

	if len(expired) > 0 {
		if err := r.rdb.HDel(ctx, klinesKey, expired...).Err(); err != nil {
			return nil, errors.Wrap(err, "failed to expire K-lines")
		}
	}

	sortKLines(klines)
	return klines, nil
}

// Match finds a K-line in force matching user and host.
func (r *RedisStore) Match(ctx context.Context, user, host string) (KLine, bool, error) {
	klines, err := r.List(ctx)
	if err != nil {
		return KLine{}, false, err
	}
	return firstMatch(klines, user, host)
}
