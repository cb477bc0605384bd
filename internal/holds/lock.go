package holds

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// sweepLock guards the auto-release sweep across processes. SetNX with an
// expiry acquires, a Lua check-and-delete releases only the holder's lock.
type sweepLock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

func newSweepLock(client *redis.Client, value string) *sweepLock {
	return &sweepLock{
		client: client,
		key:    "holds:sweep:lock",
		value:  value,
		ttl:    5 * time.Minute,
	}
}

func (l *sweepLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
}

func (l *sweepLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	return l.client.Eval(ctx, script, []string{l.key}, l.value).Err()
}
