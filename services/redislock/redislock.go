// Package redislock makes sync passes exclusive across processes sharing a redis server.
package redislock

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/offline"
	"github.com/trezcool/shule/core/syncengine"
)

const DefaultKey = "shule:sync:pass"

// release deletes the lock only if it still holds our token.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refresh extends the lock only if it still holds our token.
var refresh = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// NewClient connects to redis and pings it.
func NewClient(conf core.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        conf.Addr,
		Password:    conf.Password,
		DB:          conf.DB,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "pinging redis")
	}
	return rdb, nil
}

// Locker is a SET NX PX lock. The holder refreshes the expiry every ttl/3 until it releases the lock,
// so the ttl only bounds how long a crashed holder blocks the others.
type Locker struct {
	rdb    redis.Cmdable
	key    string
	ttl    time.Duration
	logger core.Logger
}

var _ syncengine.PassLocker = (*Locker)(nil)

func NewLocker(rdb redis.Cmdable, key string, ttl time.Duration, logger core.Logger) *Locker {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Locker{rdb: rdb, key: key, ttl: ttl, logger: logger}
}

func (l *Locker) TryLock(ctx context.Context) (func(), error) {
	token := offline.NewID()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, errors.Wrap(err, "acquiring sync lock")
	}
	if !ok {
		return nil, syncengine.ErrSyncInProgress
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := release.Run(ctx, l.rdb, []string{l.key}, token).Err(); err != nil && l.logger != nil {
			l.logger.Warn("releasing sync lock", err, map[string]interface{}{"key": l.key})
		}
	}, nil
}

// keepAlive extends the lock until stop is closed or the lock is lost.
func (l *Locker) keepAlive(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := refresh.Run(ctx, l.rdb, []string{l.key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				if l.logger != nil {
					l.logger.Warn("refreshing sync lock", err, map[string]interface{}{"key": l.key})
				}
				continue
			}
			if n == 0 {
				if l.logger != nil {
					l.logger.Error("sync lock lost", map[string]interface{}{"key": l.key})
				}
				return
			}
		}
	}
}
