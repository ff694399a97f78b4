package oidc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/oidc/client"
	"go.pilab.hu/oidc/domain"
	serrors "go.pilab.hu/oidc/errors"
)

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

func validCodeExpiry() time.Time {
	return time.Now().Add(10 * time.Minute)
}

func confidentialAuth() ClientAuth {
	return ClientAuth{ClientID: "c1", Secret: "s3cret", Method: client.AuthMethodBasic}
}

// issueCode runs the full authorize/login/consent path and returns the
// minted code value.
func issueCode(t *testing.T, p *Provider, withPKCE bool) string {
	t.Helper()
	ctx := context.Background()

	req := validRequest()
	if withPKCE {
		req.CodeChallenge = s256(testVerifier)
		req.CodeChallengeMethod = "S256"
	}

	in, aerr := p.Authorization.Authorize(ctx, req)
	require.Nil(t, aerr)
	return completeInteraction(t, p, in.UID).Code
}

func TestExchangeAuthorizationCode(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	code := issueCode(t, p, true)

	resp, oerr := p.Tokens.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://a.test/cb",
		CodeVerifier: testVerifier,
	}, confidentialAuth())
	require.Nil(t, oerr)

	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 3600, resp.ExpiresIn)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.IDToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "openid email", resp.Scope)

	// The ID token verifies against the published keys and carries the
	// expected audience, subject, nonce and scope claims.
	claims, err := p.Keys.Verify(resp.IDToken)
	require.NoError(t, err)
	assert.Equal(t, "https://op.test", claims["iss"])
	assert.Equal(t, "acct-alice", claims["sub"])
	aud, _ := claims["aud"].([]any)
	require.Len(t, aud, 1)
	assert.Equal(t, "c1", aud[0])
	assert.Equal(t, "n-0S6_WzA2Mj", claims["nonce"])
	assert.Equal(t, "acct-alice", claims["email"])
	assert.Equal(t, true, claims["email_verified"])
	assert.NotNil(t, claims["auth_time"])

	accessClaims, err := p.Keys.Verify(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "openid email", accessClaims["scope"])
}

func TestSubStableAcrossExchanges(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	var subs []string
	for i := 0; i < 2; i++ {
		code := issueCode(t, p, true)
		resp, oerr := p.Tokens.Exchange(ctx, TokenRequest{
			GrantType:    GrantTypeAuthorizationCode,
			Code:         code,
			RedirectURI:  "https://a.test/cb",
			CodeVerifier: testVerifier,
		}, confidentialAuth())
		require.Nil(t, oerr)
		claims, err := p.Keys.Verify(resp.IDToken)
		require.NoError(t, err)
		subs = append(subs, claims["sub"].(string))
	}
	assert.Equal(t, subs[0], subs[1])
}

func TestExchangeDoubleRedemption(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	code := issueCode(t, p, true)

	req := TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://a.test/cb",
		CodeVerifier: testVerifier,
	}

	_, oerr := p.Tokens.Exchange(ctx, req, confidentialAuth())
	require.Nil(t, oerr)

	_, oerr = p.Tokens.Exchange(ctx, req, confidentialAuth())
	require.NotNil(t, oerr)
	assert.Equal(t, serrors.InvalidGrant, oerr.Code)
}

// TestExchangeConcurrentRedemption fires N parallel exchanges with the same
// code; exactly one succeeds.
func TestExchangeConcurrentRedemption(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	code := issueCode(t, p, true)

	req := TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://a.test/cb",
		CodeVerifier: testVerifier,
	}

	const n = 25
	var wg sync.WaitGroup
	results := make(chan *serrors.OAuth2Error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, oerr := p.Tokens.Exchange(ctx, req, confidentialAuth())
			results <- oerr
		}()
	}
	wg.Wait()
	close(results)

	var successes int
	for oerr := range results {
		if oerr == nil {
			successes++
		} else {
			assert.Equal(t, serrors.InvalidGrant, oerr.Code)
		}
	}
	assert.Equal(t, 1, successes)
}

// TestReplayRevokesDescendantGrants exchanges a code, rotates its refresh
// token once, then replays the code. The replay must revoke every refresh
// grant descended from the code, not just reject the replay itself.
func TestReplayRevokesDescendantGrants(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	code := issueCode(t, p, true)

	req := TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://a.test/cb",
		CodeVerifier: testVerifier,
	}

	first, oerr := p.Tokens.Exchange(ctx, req, confidentialAuth())
	require.Nil(t, oerr)
	require.NotEmpty(t, first.RefreshToken)

	rotated, oerr := p.Tokens.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: first.RefreshToken,
	}, confidentialAuth())
	require.Nil(t, oerr)
	require.NotEmpty(t, rotated.RefreshToken)

	_, oerr = p.Tokens.Exchange(ctx, req, confidentialAuth())
	require.NotNil(t, oerr)
	assert.Equal(t, serrors.InvalidGrant, oerr.Code)

	// The live descendant of the replayed code is gone with it.
	_, oerr = p.Tokens.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: rotated.RefreshToken,
	}, confidentialAuth())
	require.NotNil(t, oerr)
	assert.Equal(t, serrors.InvalidGrant, oerr.Code)
}

func TestExchangeRedirectMismatch(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	code := issueCode(t, p, true)

	_, oerr := p.Tokens.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://a.test/cb/other",
		CodeVerifier: testVerifier,
	}, confidentialAuth())
	require.NotNil(t, oerr)
	assert.Equal(t, serrors.InvalidGrant, oerr.Code)

	// The code was consumed by the failed attempt and stays consumed.
	_, oerr = p.Tokens.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://a.test/cb",
		CodeVerifier: testVerifier,
	}, confidentialAuth())
	require.NotNil(t, oerr)
	assert.Equal(t, serrors.InvalidGrant, oerr.Code)
}

func TestExchangePKCEFailures(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		verifier string
	}{
		{name: "missing verifier", verifier: ""},
		{name: "wrong verifier", verifier: "not-the-right-verifier-aaaaaaaaaaaaaaaaaaaa"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := issueCode(t, p, true)
			_, oerr := p.Tokens.Exchange(ctx, TokenRequest{
				GrantType:    GrantTypeAuthorizationCode,
				Code:         code,
				RedirectURI:  "https://a.test/cb",
				CodeVerifier: tt.verifier,
			}, confidentialAuth())
			require.NotNil(t, oerr)
			assert.Equal(t, serrors.InvalidGrant, oerr.Code)
		})
	}
}

func TestExchangeClientAuthFailures(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	code := issueCode(t, p, true)

	tests := []struct {
		name string
		auth ClientAuth
	}{
		{name: "wrong secret", auth: ClientAuth{ClientID: "c1", Secret: "nope", Method: client.AuthMethodBasic}},
		{name: "unknown client", auth: ClientAuth{ClientID: "ghost", Secret: "s3cret", Method: client.AuthMethodBasic}},
		{name: "confidential client without credentials", auth: ClientAuth{ClientID: "c1", Method: client.AuthMethodNone}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, oerr := p.Tokens.Exchange(ctx, TokenRequest{
				GrantType:    GrantTypeAuthorizationCode,
				Code:         code,
				RedirectURI:  "https://a.test/cb",
				CodeVerifier: testVerifier,
			}, tt.auth)
			require.NotNil(t, oerr)
			assert.Equal(t, serrors.InvalidClient, oerr.Code)
		})
	}

	// Failed authentication attempts consumed nothing: the code still
	// redeems.
	_, oerr := p.Tokens.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://a.test/cb",
		CodeVerifier: testVerifier,
	}, confidentialAuth())
	assert.Nil(t, oerr)
}

func TestExchangeCodeIssuedToAnotherClient(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	// Mint a code for spa directly in the store, then present it as c1.
	code := &domain.AuthCode{
		Code:        "foreign-code",
		ClientID:    "spa",
		AccountID:   "acct-alice",
		RedirectURI: "https://spa.test/cb",
		Scope:       "openid",
		ExpiresAt:   validCodeExpiry(),
	}
	require.NoError(t, p.Tokens.store.PutCode(ctx, code))

	_, oerr := p.Tokens.Exchange(ctx, TokenRequest{
		GrantType:   GrantTypeAuthorizationCode,
		Code:        "foreign-code",
		RedirectURI: "https://spa.test/cb",
	}, confidentialAuth())
	require.NotNil(t, oerr)
	assert.Equal(t, serrors.InvalidGrant, oerr.Code)
}

func TestExchangeUnsupportedGrantType(t *testing.T) {
	p := newTestProvider(t)

	_, oerr := p.Tokens.Exchange(context.Background(), TokenRequest{
		GrantType: "client_credentials",
	}, confidentialAuth())
	require.NotNil(t, oerr)
	assert.Equal(t, serrors.UnsupportedGrantType, oerr.Code)
}

func TestRefreshTokenRotation(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	code := issueCode(t, p, true)

	first, oerr := p.Tokens.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://a.test/cb",
		CodeVerifier: testVerifier,
	}, confidentialAuth())
	require.Nil(t, oerr)
	require.NotEmpty(t, first.RefreshToken)

	second, oerr := p.Tokens.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: first.RefreshToken,
	}, confidentialAuth())
	require.Nil(t, oerr)
	assert.NotEmpty(t, second.AccessToken)
	assert.NotEmpty(t, second.IDToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The old refresh token was rotated out.
	_, oerr = p.Tokens.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: first.RefreshToken,
	}, confidentialAuth())
	require.NotNil(t, oerr)
	assert.Equal(t, serrors.InvalidGrant, oerr.Code)
}

func TestRefreshScopeNarrowingOnly(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	code := issueCode(t, p, true)

	first, oerr := p.Tokens.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://a.test/cb",
		CodeVerifier: testVerifier,
	}, confidentialAuth())
	require.Nil(t, oerr)

	// Narrowing is allowed.
	narrowed, oerr := p.Tokens.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: first.RefreshToken,
		Scope:        "openid",
	}, confidentialAuth())
	require.Nil(t, oerr)
	assert.Equal(t, "openid", narrowed.Scope)

	// Widening is not.
	_, oerr = p.Tokens.Exchange(ctx, TokenRequest{
		GrantType:    GrantTypeRefreshToken,
		RefreshToken: narrowed.RefreshToken,
		Scope:        "openid email profile",
	}, confidentialAuth())
	require.NotNil(t, oerr)
	assert.Equal(t, serrors.InvalidScope, oerr.Code)
}
