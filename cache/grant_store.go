package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"go.pilab.hu/oidc/domain"
)

// GrantStore is the content-addressed store of authorization codes and
// refresh grants. Entries are keyed by a hash of the presented value and
// carry a TTL; entries past expiry are logically absent even before the
// backend purges them.
//
// ConsumeCode and ConsumeRefresh must be linearizable per value: when N
// callers race on the same code, exactly one observes success and the rest
// observe errors.ErrCodeReplayed (resp. ErrGrantNotFound).
//
// RevokeRefreshByCode removes every refresh grant whose CodeID matches the
// given code hash and poisons the lineage, so grants stored concurrently
// with the revocation can never redeem either.
type GrantStore interface {
	PutCode(ctx context.Context, code *domain.AuthCode) error
	ConsumeCode(ctx context.Context, codeValue string) (*domain.AuthCode, error)
	PutRefresh(ctx context.Context, grant *domain.RefreshGrant) error
	ConsumeRefresh(ctx context.Context, tokenValue string) (*domain.RefreshGrant, error)
	RevokeRefreshByCode(ctx context.Context, codeHash string) error
	Close() error
}

// HashKey hashes a code or token value before it is used as a storage key,
// so the store never holds redeemable values at rest.
func HashKey(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
