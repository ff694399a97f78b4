// Package redis provides a Redis-backed GrantStore, interchangeable with
// the in-memory backend when codes must survive process restarts or be
// shared between instances.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"go.pilab.hu/oidc/cache"
	"go.pilab.hu/oidc/domain"
	serrors "go.pilab.hu/oidc/errors"
)

const (
	replayWindow = 30 * time.Minute

	consumedSentinel = "__consumed__"
)

// consumeScript removes the entry and plants a tombstone in one server-side
// step, so redemption is linearizable per code value across instances.
var consumeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
  redis.call('DEL', KEYS[1])
  redis.call('SET', KEYS[2], '1', 'PX', ARGV[1])
  return v
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return '` + consumedSentinel + `'
end
return false
`)

// revokeScript deletes every refresh grant in the code's lineage set and
// poisons the lineage, all server-side, so a replayed code revokes its
// descendants atomically across instances.
var revokeScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
for _, k in ipairs(members) do
  redis.call('DEL', k)
end
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[2], '1', 'PX', ARGV[1])
return #members
`)

// GrantStore implements cache.GrantStore using Redis.
type GrantStore struct {
	client *redis.Client
	prefix string
}

// NewGrantStore creates a new [GrantStore] instance.
func NewGrantStore(client *redis.Client, prefix string) *GrantStore {
	return &GrantStore{
		client: client,
		prefix: prefix,
	}
}

func (r *GrantStore) codeKey(hash string) string {
	return fmt.Sprintf("%s:code:%s", r.prefix, hash)
}

func (r *GrantStore) tombstoneKey(hash string) string {
	return fmt.Sprintf("%s:consumed:%s", r.prefix, hash)
}

func (r *GrantStore) refreshKey(hash string) string {
	return fmt.Sprintf("%s:refresh:%s", r.prefix, hash)
}

func (r *GrantStore) lineageKey(codeHash string) string {
	return fmt.Sprintf("%s:lineage:%s", r.prefix, codeHash)
}

func (r *GrantStore) revokedKey(codeHash string) string {
	return fmt.Sprintf("%s:revoked:%s", r.prefix, codeHash)
}

// PutCode stores an authorization code in Redis under the hash of its value.
func (r *GrantStore) PutCode(ctx context.Context, code *domain.AuthCode) error {
	payload, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal auth code: %w", err)
	}

	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		return &serrors.TransientError{Err: fmt.Errorf("auth code already expired at write time")}
	}

	key := r.codeKey(cache.HashKey(code.Code))
	if err := r.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return &serrors.TransientError{Err: fmt.Errorf("failed to store auth code: %w", err)}
	}
	return nil
}

// ConsumeCode atomically redeems a code via the Lua script. Codes Redis has
// already expired are indistinguishable from unknown ones, which is the
// documented lazy-expiry behavior.
func (r *GrantStore) ConsumeCode(ctx context.Context, codeValue string) (*domain.AuthCode, error) {
	hash := cache.HashKey(codeValue)
	res, err := consumeScript.Run(ctx, r.client,
		[]string{r.codeKey(hash), r.tombstoneKey(hash)},
		replayWindow.Milliseconds(),
	).Result()
	if err == redis.Nil {
		return nil, serrors.ErrCodeNotFound
	}
	if err != nil {
		return nil, &serrors.TransientError{Err: fmt.Errorf("failed to consume auth code: %w", err)}
	}

	raw, ok := res.(string)
	if !ok {
		return nil, serrors.ErrCodeNotFound
	}
	if raw == consumedSentinel {
		return nil, serrors.ErrCodeReplayed
	}

	var code domain.AuthCode
	if err := json.Unmarshal([]byte(raw), &code); err != nil {
		return nil, &serrors.TransientError{Err: fmt.Errorf("failed to unmarshal auth code: %w", err)}
	}
	if code.Expired(time.Now()) {
		return nil, serrors.ErrCodeExpired
	}
	return &code, nil
}

// PutRefresh stores a refresh grant in Redis.
func (r *GrantStore) PutRefresh(ctx context.Context, grant *domain.RefreshGrant) error {
	payload, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh grant: %w", err)
	}

	ttl := time.Until(grant.ExpiresAt)
	if ttl <= 0 {
		return &serrors.TransientError{Err: fmt.Errorf("refresh grant already expired at write time")}
	}

	key := r.refreshKey(cache.HashKey(grant.TokenValue))
	if err := r.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return &serrors.TransientError{Err: fmt.Errorf("failed to store refresh grant: %w", err)}
	}

	if grant.CodeID != "" {
		pipe := r.client.Pipeline()
		lineage := r.lineageKey(grant.CodeID)
		pipe.SAdd(ctx, lineage, key)
		pipe.PExpire(ctx, lineage, ttl+replayWindow)
		if _, err := pipe.Exec(ctx); err != nil {
			return &serrors.TransientError{Err: fmt.Errorf("failed to record grant lineage: %w", err)}
		}
	}
	return nil
}

// ConsumeRefresh atomically redeems a refresh grant using GETDEL.
func (r *GrantStore) ConsumeRefresh(ctx context.Context, tokenValue string) (*domain.RefreshGrant, error) {
	key := r.refreshKey(cache.HashKey(tokenValue))
	raw, err := r.client.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return nil, serrors.ErrGrantNotFound
	}
	if err != nil {
		return nil, &serrors.TransientError{Err: fmt.Errorf("failed to consume refresh grant: %w", err)}
	}

	var grant domain.RefreshGrant
	if err := json.Unmarshal([]byte(raw), &grant); err != nil {
		return nil, &serrors.TransientError{Err: fmt.Errorf("failed to unmarshal refresh grant: %w", err)}
	}
	if grant.CodeID != "" {
		revoked, err := r.client.Exists(ctx, r.revokedKey(grant.CodeID)).Result()
		if err != nil {
			return nil, &serrors.TransientError{Err: fmt.Errorf("failed to check grant lineage: %w", err)}
		}
		if revoked == 1 {
			return nil, serrors.ErrGrantNotFound
		}
	}
	if grant.Expired(time.Now()) {
		return nil, serrors.ErrGrantExpired
	}
	return &grant, nil
}

// RevokeRefreshByCode deletes every refresh grant descended from the code
// and poisons the lineage for the replay window.
func (r *GrantStore) RevokeRefreshByCode(ctx context.Context, codeHash string) error {
	err := revokeScript.Run(ctx, r.client,
		[]string{r.lineageKey(codeHash), r.revokedKey(codeHash)},
		replayWindow.Milliseconds(),
	).Err()
	if err != nil && err != redis.Nil {
		return &serrors.TransientError{Err: fmt.Errorf("failed to revoke grant lineage: %w", err)}
	}
	return nil
}

// Close releases the underlying Redis client.
func (r *GrantStore) Close() error {
	return r.client.Close()
}

var _ cache.GrantStore = (*GrantStore)(nil)
