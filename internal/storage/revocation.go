package storage

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationStore tracks revoked JWT ids (jti). Per the specification's
// open question on eviction, a bounded-capacity LRU is used rather than an
// unordered-set approximation: evicting the least-recently-added entry is
// an acceptable approximation because an evicted, revoked token will
// eventually fail validation on its own exp anyway.
type RevocationStore interface {
	Add(jti string)
	IsRevoked(jti string) bool
}

// LRURevocationStore is the in-memory default.
type LRURevocationStore struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[string]*list.Element
}

// NewLRURevocationStore creates an LRU-bounded revocation set. capacity <= 0
// is treated as unbounded.
func NewLRURevocationStore(capacity int) *LRURevocationStore {
	return &LRURevocationStore{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
	}
}

func (s *LRURevocationStore) Add(jti string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[jti]; exists {
		return
	}
	elem := s.ll.PushBack(jti)
	s.index[jti] = elem

	if s.capacity > 0 {
		for s.ll.Len() > s.capacity {
			oldest := s.ll.Front()
			if oldest == nil {
				break
			}
			s.ll.Remove(oldest)
			delete(s.index, oldest.Value.(string))
		}
	}
}

func (s *LRURevocationStore) IsRevoked(jti string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[jti]
	return ok
}

// Len reports the current number of tracked jtis (test/debug use).
func (s *LRURevocationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}

// RedisRevocationStore is the optional shared-state backend for multi-replica
// deployments, so revocation is visible across control plane instances
// without a consensus protocol (still consistent with the Non-goal of no
// cross-server consensus: Redis here is a cache, not a replicated log).
type RedisRevocationStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisRevocationStore wraps an existing redis client. ttl bounds how
// long a revocation is remembered; it should be set to at least the
// provider's refresh TTL so a revoked refresh token cannot be replayed
// before Redis forgets it.
func NewRedisRevocationStore(client *redis.Client, ttl time.Duration) *RedisRevocationStore {
	return &RedisRevocationStore{client: client, ttl: ttl, prefix: "osxfleet:revoked:"}
}

func (s *RedisRevocationStore) Add(jti string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.client.Set(ctx, s.prefix+jti, "1", s.ttl)
}

func (s *RedisRevocationStore) IsRevoked(jti string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := s.client.Exists(ctx, s.prefix+jti).Result()
	if err != nil {
		return false
	}
	return n > 0
}
