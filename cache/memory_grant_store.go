package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"go.pilab.hu/oidc/domain"
	serrors "go.pilab.hu/oidc/errors"
)

// replayWindow is how long a consumed-code tombstone is retained. Within
// this window a second redemption is reported as a replay rather than an
// unknown code. Revoked-lineage markers share the window.
const replayWindow = 30 * time.Minute

const lockStripes = 64

type codeEntry struct {
	code     *domain.AuthCode
	consumed bool
}

// lineage tracks the refresh grants descended from one authorization code.
// Once revoked, no grant of the lineage redeems, including grants stored
// concurrently with the revocation.
type lineage struct {
	keys    []string
	revoked bool
}

// stripedLock spreads per-key mutexes over a fixed set of stripes.
// Operations on the same key always hit the same stripe; unrelated keys
// rarely serialize each other.
type stripedLock [lockStripes]sync.Mutex

func (s *stripedLock) of(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s[h.Sum32()%lockStripes]
}

// MemoryGrantStore implements GrantStore on ttlcache.
type MemoryGrantStore struct {
	locks    stripedLock
	codes    *ttlcache.Cache[string, *codeEntry]
	grants   *ttlcache.Cache[string, *domain.RefreshGrant]
	lineages *ttlcache.Cache[string, *lineage]
}

// NewMemoryGrantStore creates an in-memory grant store with automatic
// expiry sweeping.
func NewMemoryGrantStore() *MemoryGrantStore {
	codes := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, *codeEntry](),
	)
	grants := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, *domain.RefreshGrant](),
	)
	lineages := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, *lineage](),
	)

	// Background sweeps bound memory; correctness relies on the lazy
	// expiry checks in the consume paths.
	go codes.Start()
	go grants.Start()
	go lineages.Start()

	return &MemoryGrantStore{
		codes:    codes,
		grants:   grants,
		lineages: lineages,
	}
}

// PutCode stores an authorization code under the hash of its value. The
// physical TTL outlives the logical expiry by the replay window so expired
// and replayed codes stay distinguishable from unknown ones.
func (s *MemoryGrantStore) PutCode(_ context.Context, code *domain.AuthCode) error {
	ttl := time.Until(code.ExpiresAt) + replayWindow
	key := HashKey(code.Code)

	mu := s.locks.of(key)
	mu.Lock()
	defer mu.Unlock()
	s.codes.Set(key, &codeEntry{code: code}, ttl)
	return nil
}

// ConsumeCode atomically redeems a code. At most one caller observes
// success; the consumed flag never reverts.
func (s *MemoryGrantStore) ConsumeCode(_ context.Context, codeValue string) (*domain.AuthCode, error) {
	key := HashKey(codeValue)

	mu := s.locks.of(key)
	mu.Lock()
	defer mu.Unlock()

	item := s.codes.Get(key)
	if item == nil {
		return nil, serrors.ErrCodeNotFound
	}

	entry := item.Value()
	if entry.consumed {
		return nil, serrors.ErrCodeReplayed
	}
	if entry.code.Expired(time.Now()) {
		return nil, serrors.ErrCodeExpired
	}

	entry.consumed = true
	return entry.code, nil
}

// PutRefresh stores a refresh grant under the hash of its token value and
// records it in the lineage of its originating code.
func (s *MemoryGrantStore) PutRefresh(_ context.Context, grant *domain.RefreshGrant) error {
	key := HashKey(grant.TokenValue)
	ttl := time.Until(grant.ExpiresAt)

	mu := s.locks.of(key)
	mu.Lock()
	s.grants.Set(key, grant, ttl)
	mu.Unlock()

	if grant.CodeID != "" {
		s.appendLineage(grant.CodeID, key, ttl+replayWindow)
	}
	return nil
}

// ConsumeRefresh atomically redeems a refresh grant for rotation. The grant
// is removed, so a replayed refresh token is simply unknown. A grant whose
// lineage was revoked never redeems.
func (s *MemoryGrantStore) ConsumeRefresh(_ context.Context, tokenValue string) (*domain.RefreshGrant, error) {
	key := HashKey(tokenValue)

	mu := s.locks.of(key)
	mu.Lock()
	item := s.grants.Get(key)
	if item == nil {
		mu.Unlock()
		return nil, serrors.ErrGrantNotFound
	}
	grant := item.Value()
	s.grants.Delete(key)
	mu.Unlock()

	if grant.CodeID != "" && s.lineageRevoked(grant.CodeID) {
		return nil, serrors.ErrGrantNotFound
	}
	if grant.Expired(time.Now()) {
		return nil, serrors.ErrGrantExpired
	}
	return grant, nil
}

// RevokeRefreshByCode deletes every refresh grant descended from the code
// and poisons the lineage for the replay window.
func (s *MemoryGrantStore) RevokeRefreshByCode(_ context.Context, codeHash string) error {
	mu := s.locks.of(codeHash)
	mu.Lock()
	var keys []string
	if item := s.lineages.Get(codeHash); item != nil {
		entry := item.Value()
		keys = append(keys, entry.keys...)
		entry.keys = nil
		entry.revoked = true
	} else {
		s.lineages.Set(codeHash, &lineage{revoked: true}, replayWindow)
	}
	mu.Unlock()

	for _, key := range keys {
		gmu := s.locks.of(key)
		gmu.Lock()
		s.grants.Delete(key)
		gmu.Unlock()
	}
	return nil
}

func (s *MemoryGrantStore) appendLineage(codeHash, grantKey string, ttl time.Duration) {
	mu := s.locks.of(codeHash)
	mu.Lock()
	defer mu.Unlock()

	entry := &lineage{}
	if item := s.lineages.Get(codeHash); item != nil {
		entry = item.Value()
	}
	if !entry.revoked {
		entry.keys = append(entry.keys, grantKey)
	}
	// Re-set so the lineage outlives its newest descendant.
	s.lineages.Set(codeHash, entry, ttl)
}

func (s *MemoryGrantStore) lineageRevoked(codeHash string) bool {
	mu := s.locks.of(codeHash)
	mu.Lock()
	defer mu.Unlock()

	item := s.lineages.Get(codeHash)
	return item != nil && item.Value().revoked
}

// Close stops the sweep goroutines.
func (s *MemoryGrantStore) Close() error {
	s.codes.Stop()
	s.grants.Stop()
	s.lineages.Stop()
	return nil
}

var _ GrantStore = (*MemoryGrantStore)(nil)
