package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNonceNotFound means no live challenge exists for the address: it was
// never issued, already used, or expired.
var ErrNonceNotFound = errors.New("no pending login challenge")

// NonceStore keeps one outstanding login nonce per address. Take consumes
// the nonce so each challenge can be answered once.
type NonceStore interface {
	Put(ctx context.Context, addr common.Address, nonce string, ttl time.Duration) error
	Take(ctx context.Context, addr common.Address) (string, error)
}

// NewNonce returns a fresh random nonce.
func NewNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

type memNonce struct {
	value   string
	expires time.Time
}

// MemoryNonceStore is a NonceStore for a single instance.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[common.Address]memNonce
	now    func() time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		nonces: make(map[common.Address]memNonce),
		now:    time.Now,
	}
}

func (s *MemoryNonceStore) Put(_ context.Context, addr common.Address, nonce string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for a, n := range s.nonces {
		if now.After(n.expires) {
			delete(s.nonces, a)
		}
	}
	s.nonces[addr] = memNonce{value: nonce, expires: now.Add(ttl)}
	return nil
}

func (s *MemoryNonceStore) Take(_ context.Context, addr common.Address) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nonces[addr]
	delete(s.nonces, addr)
	if !ok || s.now().After(n.expires) {
		return "", ErrNonceNotFound
	}
	return n.value, nil
}

// RedisNonceStore shares nonces between instances.
type RedisNonceStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisNonceStore(client *redis.Client, keyPrefix string) *RedisNonceStore {
	if keyPrefix == "" {
		keyPrefix = "medclaim"
	}
	return &RedisNonceStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisNonceStore) key(addr common.Address) string {
	return s.keyPrefix + ":nonce:" + strings.ToLower(addr.Hex())
}

func (s *RedisNonceStore) Put(ctx context.Context, addr common.Address, nonce string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(addr), nonce, ttl).Err()
}

func (s *RedisNonceStore) Take(ctx context.Context, addr common.Address) (string, error) {
	v, err := s.client.GetDel(ctx, s.key(addr)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNonceNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}
