package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/oidc/domain"
	serrors "go.pilab.hu/oidc/errors"
)

func newTestCode(value string, ttl time.Duration) *domain.AuthCode {
	now := time.Now()
	return &domain.AuthCode{
		Code:        value,
		ClientID:    "c1",
		AccountID:   "acct-1",
		RedirectURI: "https://a.test/cb",
		Scope:       "openid email",
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func TestConsumeCodeOnce(t *testing.T) {
	store := NewMemoryGrantStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.PutCode(ctx, newTestCode("code-1", time.Minute)))

	code, err := store.ConsumeCode(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "c1", code.ClientID)
	assert.Equal(t, "acct-1", code.AccountID)

	_, err = store.ConsumeCode(ctx, "code-1")
	assert.ErrorIs(t, err, serrors.ErrCodeReplayed)
}

func TestConsumeCodeUnknown(t *testing.T) {
	store := NewMemoryGrantStore()
	defer store.Close()

	_, err := store.ConsumeCode(context.Background(), "never-issued")
	assert.ErrorIs(t, err, serrors.ErrCodeNotFound)
}

func TestConsumeCodeExpired(t *testing.T) {
	store := NewMemoryGrantStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.PutCode(ctx, newTestCode("code-exp", -time.Second)))

	_, err := store.ConsumeCode(ctx, "code-exp")
	assert.ErrorIs(t, err, serrors.ErrCodeExpired)
}

// TestConsumeCodeConcurrent fires N parallel redemptions of the same code;
// exactly one may succeed.
func TestConsumeCodeConcurrent(t *testing.T) {
	store := NewMemoryGrantStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.PutCode(ctx, newTestCode("racy", time.Minute)))

	const n = 50
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeCode(ctx, "racy")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, replays int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case assert.ErrorIs(t, err, serrors.ErrCodeReplayed):
			replays++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, replays)
}

func TestRefreshGrantRotation(t *testing.T) {
	store := NewMemoryGrantStore()
	defer store.Close()
	ctx := context.Background()

	grant := &domain.RefreshGrant{
		TokenID:    "rt-1",
		TokenValue: "refresh-value",
		ClientID:   "c1",
		AccountID:  "acct-1",
		Scope:      "openid",
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	require.NoError(t, store.PutRefresh(ctx, grant))

	got, err := store.ConsumeRefresh(ctx, "refresh-value")
	require.NoError(t, err)
	assert.Equal(t, "rt-1", got.TokenID)

	// Consumed grants are gone; replay looks like an unknown token.
	_, err = store.ConsumeRefresh(ctx, "refresh-value")
	assert.ErrorIs(t, err, serrors.ErrGrantNotFound)
}

func newTestGrant(value, codeID string) *domain.RefreshGrant {
	return &domain.RefreshGrant{
		TokenID:    "id-" + value,
		TokenValue: value,
		ClientID:   "c1",
		AccountID:  "acct-1",
		Scope:      "openid",
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Hour),
		CodeID:     codeID,
	}
}

// TestRevokeRefreshByCode revokes a code lineage; every descendant grant
// stops redeeming while unrelated grants survive.
func TestRevokeRefreshByCode(t *testing.T) {
	store := NewMemoryGrantStore()
	defer store.Close()
	ctx := context.Background()

	codeHash := HashKey("the-code")
	require.NoError(t, store.PutRefresh(ctx, newTestGrant("rt-a", codeHash)))
	require.NoError(t, store.PutRefresh(ctx, newTestGrant("rt-b", codeHash)))
	require.NoError(t, store.PutRefresh(ctx, newTestGrant("rt-other", HashKey("another-code"))))

	require.NoError(t, store.RevokeRefreshByCode(ctx, codeHash))

	_, err := store.ConsumeRefresh(ctx, "rt-a")
	assert.ErrorIs(t, err, serrors.ErrGrantNotFound)
	_, err = store.ConsumeRefresh(ctx, "rt-b")
	assert.ErrorIs(t, err, serrors.ErrGrantNotFound)

	got, err := store.ConsumeRefresh(ctx, "rt-other")
	require.NoError(t, err)
	assert.Equal(t, "id-rt-other", got.TokenID)
}

// TestRevokedLineageBlocksLateGrants stores a grant after its lineage was
// revoked; it must not redeem either.
func TestRevokedLineageBlocksLateGrants(t *testing.T) {
	store := NewMemoryGrantStore()
	defer store.Close()
	ctx := context.Background()

	codeHash := HashKey("poisoned-code")
	require.NoError(t, store.RevokeRefreshByCode(ctx, codeHash))
	require.NoError(t, store.PutRefresh(ctx, newTestGrant("rt-late", codeHash)))

	_, err := store.ConsumeRefresh(ctx, "rt-late")
	assert.ErrorIs(t, err, serrors.ErrGrantNotFound)
}

// TestConsumeDistinctCodesConcurrently redeems many different codes in
// parallel; all succeed independently.
func TestConsumeDistinctCodesConcurrently(t *testing.T) {
	store := NewMemoryGrantStore()
	defer store.Close()
	ctx := context.Background()

	const n = 32
	values := make([]string, n)
	for i := range values {
		values[i] = "code-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		require.NoError(t, store.PutCode(ctx, newTestCode(values[i], time.Minute)))
	}

	var wg sync.WaitGroup
	results := make(chan error, n)
	for _, v := range values {
		wg.Add(1)
		go func(value string) {
			defer wg.Done()
			_, err := store.ConsumeCode(ctx, value)
			results <- err
		}(v)
	}
	wg.Wait()
	close(results)

	for err := range results {
		assert.NoError(t, err)
	}
}

func TestConsumeRefreshExpired(t *testing.T) {
	store := NewMemoryGrantStore()
	defer store.Close()
	ctx := context.Background()

	grant := &domain.RefreshGrant{
		TokenID:    "rt-2",
		TokenValue: "stale",
		ClientID:   "c1",
		ExpiresAt:  time.Now().Add(20 * time.Millisecond),
	}
	require.NoError(t, store.PutRefresh(ctx, grant))
	time.Sleep(40 * time.Millisecond)

	_, err := store.ConsumeRefresh(ctx, "stale")
	assert.Error(t, err)
}

func TestHashKeyStable(t *testing.T) {
	assert.Equal(t, HashKey("abc"), HashKey("abc"))
	assert.NotEqual(t, HashKey("abc"), HashKey("abd"))
	assert.Len(t, HashKey("abc"), 64)
}
