package oauth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore makes authorization states single-use. Consume returns false
// when the nonce was already consumed within ttl.
type NonceStore interface {
	Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// MemoryNonceStore tracks consumed nonces in process memory.
type MemoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryNonceStore creates an empty store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Consume implements NonceStore.
func (m *MemoryNonceStore) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, exp := range m.seen {
		if !exp.After(now) {
			delete(m.seen, k)
		}
	}
	if _, ok := m.seen[nonce]; ok {
		return false, nil
	}
	m.seen[nonce] = now.Add(ttl)
	return true, nil
}

// RedisNonceStore consumes nonces with SET NX so every replica shares them.
type RedisNonceStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisNonceStore creates a store on client.
func NewRedisNonceStore(client redis.Cmdable) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "oauth:state:nonce:"}
}

// Consume implements NonceStore.
func (r *RedisNonceStore) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+nonce, 1, ttl).Result()
}
