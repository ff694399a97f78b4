package oidc

import (
	"time"
)

// ProviderConfig is the immutable configuration of the provider. It is
// constructed once at startup and passed by reference to every component;
// nothing in the serving path mutates it. Registration or rotation
// extensions build a new snapshot instead of editing this one in place.
type ProviderConfig struct {
	// Basic settings
	Issuer          string        `json:"issuer"`
	AccessTokenTTL  time.Duration `json:"access_token_ttl"`
	IDTokenTTL      time.Duration `json:"id_token_ttl"`
	RefreshTokenTTL time.Duration `json:"refresh_token_ttl"`
	AuthCodeTTL     time.Duration `json:"auth_code_ttl"`
	InteractionTTL  time.Duration `json:"interaction_ttl"`

	// Scopes the provider will accept, and the claims each scope unlocks.
	SupportedScopes []string            `json:"supported_scopes"`
	ClaimsByScope   map[string][]string `json:"claims_by_scope"`

	// RequirePKCEForAll forces PKCE even for confidential clients.
	// Public clients always require PKCE regardless.
	RequirePKCEForAll bool `json:"require_pkce_for_all"`

	// IssueRefreshTokens enables the refresh_token grant for clients
	// that registered it.
	IssueRefreshTokens bool `json:"issue_refresh_tokens"`
}

// NewDefaultConfig returns a ProviderConfig with the stock TTLs: one hour
// access and ID tokens, ten minute codes and interactions.
func NewDefaultConfig(issuer string) *ProviderConfig {
	return &ProviderConfig{
		Issuer:          issuer,
		AccessTokenTTL:  time.Hour,
		IDTokenTTL:      time.Hour,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		AuthCodeTTL:     10 * time.Minute,
		InteractionTTL:  10 * time.Minute,
		SupportedScopes: []string{"openid", "email", "profile"},
		ClaimsByScope: map[string][]string{
			"openid":  {"sub"},
			"email":   {"email", "email_verified"},
			"profile": {"name", "preferred_username"},
		},
		IssueRefreshTokens: true,
	}
}

// SupportsScope reports whether the provider knows the scope at all.
// Per-client narrowing happens in the client registry.
func (c *ProviderConfig) SupportsScope(scope string) bool {
	for _, s := range c.SupportedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ClaimsForScopes returns the claim names unlocked by the given scopes.
func (c *ProviderConfig) ClaimsForScopes(scopes []string) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, scope := range scopes {
		for _, claim := range c.ClaimsByScope[scope] {
			if _, dup := seen[claim]; dup {
				continue
			}
			seen[claim] = struct{}{}
			names = append(names, claim)
		}
	}
	return names
}

// ProviderMetadata is the discovery document served at
// /.well-known/openid-configuration.
//
//nolint:tagliatelle
type ProviderMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSUri                           string   `json:"jwks_uri"`
	EndSessionEndpoint                string   `json:"end_session_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}
