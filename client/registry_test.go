package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClients() []Client {
	return []Client{
		{
			ID:            "c1",
			Secret:        "s3cret",
			RedirectURIs:  []string{"https://a.test/cb"},
			AllowedScopes: []string{"openid", "email"},
		},
		{
			ID:            "spa",
			RedirectURIs:  []string{"https://spa.test/cb"},
			AllowedScopes: []string{"openid"},
		},
	}
}

func TestNewRegistryValidation(t *testing.T) {
	tests := []struct {
		name    string
		clients []Client
	}{
		{name: "empty client list", clients: nil},
		{name: "missing client_id", clients: []Client{{RedirectURIs: []string{"https://a.test/cb"}}}},
		{name: "missing redirect_uris", clients: []Client{{ID: "c1"}}},
		{name: "relative redirect_uri", clients: []Client{{ID: "c1", RedirectURIs: []string{"/cb"}}}},
		{name: "fragment in redirect_uri", clients: []Client{{ID: "c1", RedirectURIs: []string{"https://a.test/cb#f"}}}},
		{
			name: "duplicate client_id",
			clients: []Client{
				{ID: "c1", RedirectURIs: []string{"https://a.test/cb"}},
				{ID: "c1", RedirectURIs: []string{"https://b.test/cb"}},
			},
		},
		{
			name:    "basic auth without secret",
			clients: []Client{{ID: "c1", RedirectURIs: []string{"https://a.test/cb"}, TokenEndpointAuth: AuthMethodBasic}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.clients)
			assert.Error(t, err)
		})
	}
}

func TestRegistryDefaults(t *testing.T) {
	reg, err := NewRegistry(testClients())
	require.NoError(t, err)

	confidential, err := reg.Lookup("c1")
	require.NoError(t, err)
	assert.Equal(t, Confidential, confidential.Type)
	assert.Equal(t, AuthMethodBasic, confidential.TokenEndpointAuth)
	assert.Equal(t, []string{"authorization_code"}, confidential.AllowedGrantTypes)
	assert.Equal(t, []string{"code"}, confidential.ResponseTypes)
	assert.Equal(t, "RS256", confidential.IDTokenSigningAlg)
	assert.False(t, confidential.IsPublic())
	assert.False(t, confidential.RequiresPKCE())

	public, err := reg.Lookup("spa")
	require.NoError(t, err)
	assert.Equal(t, Public, public.Type)
	assert.Equal(t, AuthMethodNone, public.TokenEndpointAuth)
	assert.True(t, public.IsPublic())
	assert.True(t, public.RequiresPKCE())
}

func TestRegistryLookupUnknown(t *testing.T) {
	reg, err := NewRegistry(testClients())
	require.NoError(t, err)

	_, err = reg.Lookup("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedirectURIExactMatchOnly(t *testing.T) {
	reg, err := NewRegistry(testClients())
	require.NoError(t, err)
	cl, err := reg.Lookup("c1")
	require.NoError(t, err)

	assert.True(t, cl.HasRedirectURI("https://a.test/cb"))

	// Loose matching is a known OIDC vulnerability class.
	for _, uri := range []string{
		"https://a.test/cb/",
		"https://a.test/cb?x=1",
		"https://a.test/cb/../cb",
		"https://a.test/cbx",
		"https://a.test.evil/cb",
		"http://a.test/cb",
		"HTTPS://A.TEST/CB",
		"",
	} {
		assert.False(t, cl.HasRedirectURI(uri), "should reject %q", uri)
	}
}

func TestAuthenticate(t *testing.T) {
	reg, err := NewRegistry(testClients())
	require.NoError(t, err)

	tests := []struct {
		name       string
		clientID   string
		credential string
		method     string
		want       bool
	}{
		{name: "basic with correct secret", clientID: "c1", credential: "s3cret", method: AuthMethodBasic, want: true},
		{name: "basic with wrong secret", clientID: "c1", credential: "wrong", method: AuthMethodBasic, want: false},
		{name: "basic with empty secret", clientID: "c1", credential: "", method: AuthMethodBasic, want: false},
		{name: "post for basic client", clientID: "c1", credential: "s3cret", method: AuthMethodPost, want: false},
		{name: "none for confidential client", clientID: "c1", credential: "", method: AuthMethodNone, want: false},
		{name: "none for public client", clientID: "spa", credential: "", method: AuthMethodNone, want: true},
		{name: "public client with stray secret", clientID: "spa", credential: "x", method: AuthMethodNone, want: false},
		{name: "unknown client", clientID: "nope", credential: "s3cret", method: AuthMethodBasic, want: false},
		{name: "unknown method", clientID: "c1", credential: "s3cret", method: "private_key_jwt", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := reg.Authenticate(tt.clientID, tt.credential, tt.method)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestAllowsScope(t *testing.T) {
	reg, err := NewRegistry(testClients())
	require.NoError(t, err)
	cl, err := reg.Lookup("c1")
	require.NoError(t, err)

	assert.True(t, cl.AllowsScope([]string{"openid"}))
	assert.True(t, cl.AllowsScope([]string{"openid", "email"}))
	assert.False(t, cl.AllowsScope([]string{"openid", "profile"}))
	assert.False(t, cl.AllowsScope(nil))
}

func TestSplitScope(t *testing.T) {
	assert.Equal(t, []string{"openid", "email"}, SplitScope("openid email"))
	assert.Empty(t, SplitScope("  "))
}
