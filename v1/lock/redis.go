package lock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-seckill/v1/errors"
)

// DefaultKeyPrefix is prepended to every lock name.
const DefaultKeyPrefix = "lock:"

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis creates mutexes stored in a shared Redis. One Redis value is meant
// to live for the whole process: its id is the process half of every owner
// token it hands out.
type Redis struct {
	client redis.UniversalClient
	prefix string
	id     string
	seq    atomic.Uint64
}

// Option configures a Redis locker.
type Option func(*Redis)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(p string) Option {
	return func(r *Redis) { r.prefix = p }
}

// NewRedis returns a new Redis locker using the provided client.
func NewRedis(client redis.UniversalClient, opts ...Option) *Redis {
	r := &Redis{
		client: client,
		prefix: DefaultKeyPrefix,
		id:     strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewMutex returns a mutex for name. Every call yields a distinct owner
// token, so two mutexes for the same name never release each other's lock.
func (r *Redis) NewMutex(name string) *Mutex {
	seq := r.seq.Add(1)
	return &Mutex{
		client: r.client,
		key:    r.prefix + name,
		token:  r.id + "-" + strconv.FormatUint(seq, 10),
	}
}

// Mutex is a single lock attempt on a named Redis key.
type Mutex struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Key returns the Redis key guarded by the mutex.
func (m *Mutex) Key() string { return m.key }

// Token returns the owner token written on acquisition.
func (m *Mutex) Token() string { return m.token }

// TryLock attempts to obtain the lock without waiting. A false result with a
// nil error means the lock is held by someone else.
func (m *Mutex) TryLock(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := m.client.SetNX(ctx, m.key, m.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: lock %s: %w", warperrors.ErrUnavailable, m.key, err)
	}
	return ok, nil
}

// Unlock deletes the key only when it still holds this mutex's token. It
// reports whether the key was deleted; a lock that expired and was taken by
// another owner is left untouched.
func (m *Mutex) Unlock(ctx context.Context) (bool, error) {
	n, err := delScript.Run(ctx, m.client, []string{m.key}, m.token).Int64()
	if err == redis.Nil {
		err = nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: unlock %s: %w", warperrors.ErrUnavailable, m.key, err)
	}
	return n == 1, nil
}
