package goredis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-multibank/core"
	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "multibank:refresh_lock"

// releaseScript deletes the lock only when it still carries the holder token.
// KEYS[1] = lock key
// ARGV[1] = holder token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RefreshLocker implements core.RefreshLocker on a shared Redis so token
// refreshes are serialized across processes.
type RefreshLocker struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

type Option func(*RefreshLocker)

func WithKeyPrefix(prefix string) Option {
	return func(l *RefreshLocker) {
		if prefix = strings.Trim(strings.TrimSpace(prefix), ":"); prefix != "" {
			l.prefix = prefix
		}
	}
}

func NewRefreshLocker(client redis.UniversalClient, opts ...Option) (*RefreshLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("goredis: redis client is required")
	}
	locker := &RefreshLocker{client: client, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(locker)
		}
	}
	return locker, nil
}

// NewRefreshLockerFromAddr dials a single node client.
func NewRefreshLockerFromAddr(addr string, password string, db int, opts ...Option) (*RefreshLocker, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("goredis: address is required")
	}
	locker, err := NewRefreshLocker(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), opts...)
	if err != nil {
		return nil, err
	}
	locker.owned = true
	return locker, nil
}

// Close releases the client when the locker dialed it itself.
func (l *RefreshLocker) Close() error {
	if l == nil || !l.owned || l.client == nil {
		return nil
	}
	return l.client.Close()
}

func (l *RefreshLocker) Key(key string) string {
	return l.prefix + ":" + strings.ToLower(strings.TrimSpace(key))
}

// Acquire returns core.ErrRefreshLockHeld when another holder owns key.
func (l *RefreshLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (core.LockHandle, error) {
	if l == nil || l.client == nil {
		return nil, fmt.Errorf("goredis: refresh locker is not configured")
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("goredis: lock key is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("goredis: lock ttl must be positive")
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	redisKey := l.Key(key)
	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("goredis: acquire %s: %w", redisKey, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrRefreshLockHeld, key)
	}
	return &lockHandle{client: l.client, key: redisKey, token: token}, nil
}

type lockHandle struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Unlock is a no-op when the lock already expired or changed hands.
func (h *lockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.client == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, h.client, []string{h.key}, h.token).Err(); err != nil {
		return fmt.Errorf("goredis: release %s: %w", h.key, err)
	}
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("goredis: lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

var _ core.RefreshLocker = (*RefreshLocker)(nil)
