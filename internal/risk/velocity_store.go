package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisActivityStore keeps the short-lived signals the scorer reads: recent
// transaction timestamps, the devices an account has been seen on, and the
// last observed IP. State lives in redis so concurrent workers share one view
// and nothing leaks into package globals.
type RedisActivityStore struct {
	client *redis.Client
}

func NewRedisActivityStore(client *redis.Client) *RedisActivityStore {
	return &RedisActivityStore{client: client}
}

func velocityKey(accountID string) string { return fmt.Sprintf("risk:velocity:%s", accountID) }
func deviceKey(accountID string) string   { return fmt.Sprintf("risk:devices:%s", accountID) }
func ipKey(accountID string) string       { return fmt.Sprintf("risk:ip:%s", accountID) }

// RecordActivity appends a transaction timestamp to the account's rolling
// window and trims anything older than an hour.
func (s *RedisActivityStore) RecordActivity(ctx context.Context, accountID string, at time.Time) error {
	key := velocityKey(accountID)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(at.UnixNano()), Member: at.UnixNano()})
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", at.Add(-time.Hour).UnixNano()))
	pipe.Expire(ctx, key, 2*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// CountSince counts transactions in the trailing window ending at now.
func (s *RedisActivityStore) CountSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	count, err := s.client.ZCount(ctx, velocityKey(accountID),
		fmt.Sprintf("%d", since.UnixNano()), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *RedisActivityStore) KnownDevice(ctx context.Context, accountID, deviceID string) (bool, error) {
	return s.client.SIsMember(ctx, deviceKey(accountID), deviceID).Result()
}

func (s *RedisActivityStore) RememberDevice(ctx context.Context, accountID, deviceID string) error {
	return s.client.SAdd(ctx, deviceKey(accountID), deviceID).Err()
}

func (s *RedisActivityStore) LastIP(ctx context.Context, accountID string) (string, error) {
	ip, err := s.client.Get(ctx, ipKey(accountID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return ip, err
}

func (s *RedisActivityStore) SetLastIP(ctx context.Context, accountID, ip string) error {
	return s.client.Set(ctx, ipKey(accountID), ip, 30*24*time.Hour).Err()
}
