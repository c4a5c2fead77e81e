// Package lock provides a Redis-backed mutual exclusion lock shared by the
// api and worker processes. A held lock renews its lease every third of the
// TTL until it is released, so the TTL only bounds how long a crashed
// holder blocks the others.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "tenantctl:lock:"
	pollInterval = 100 * time.Millisecond
)

var ErrNotHeld = errors.New("lock not held")

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{client: client, ttl: ttl}
}

// TryLock attempts to take key once. It returns ok=false if another holder
// has it.
func (r *Redis) TryLock(ctx context.Context, key string) (unlock func(context.Context) error, ok bool, err error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}
	full := keyPrefix + key
	ok, err = r.client.SetNX(ctx, full, token, r.ttl).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "acquire lock %s", key)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	stopped := make(chan struct{})
	var once sync.Once
	go r.keepAlive(full, token, stop, stopped)

	return func(ctx context.Context) error {
		once.Do(func() { close(stop) })
		<-stopped
		n, err := releaseScript.Run(ctx, r.client, []string{full}, token).Int()
		if err != nil {
			return errors.Wrapf(err, "release lock %s", key)
		}
		if n == 0 {
			return ErrNotHeld
		}
		return nil
	}, true, nil
}

// Lock blocks until key is acquired or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		unlock, ok, err := r.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "wait for lock %s", key)
		case <-ticker.C:
		}
	}
}

// keepAlive renews the lease on key until stop is closed or the lease turns
// out to be lost.
func (r *Redis) keepAlive(key, token string, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	interval := r.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := renewScript.Run(ctx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int()
		cancel()
		if err == nil && n == 0 {
			return
		}
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate lock token")
	}
	return hex.EncodeToString(b), nil
}
