package oidc

import (
	"context"
	"strings"

	"go.pilab.hu/oidc/cache"
	"go.pilab.hu/oidc/client"
	serrors "go.pilab.hu/oidc/errors"
	"go.pilab.hu/oidc/events"
	"go.pilab.hu/oidc/flow"
)

// Provider binds the engine's components behind one constructor. The
// configuration snapshot, client registry and key material are immutable
// after New; the grant store and interaction engine are the only mutable
// shared state.
type Provider struct {
	Config        *ProviderConfig
	Registry      *client.Registry
	Keys          *KeyManager
	Authorization *AuthorizationService
	Tokens        *TokenService
}

// New wires a provider from its collaborators. verifier and claims are the
// two external capabilities: login verification and account claims.
func New(
	config *ProviderConfig,
	registry *client.Registry,
	keys *KeyManager,
	store cache.GrantStore,
	verifier flow.CredentialVerifier,
	claims ClaimsProvider,
	observer events.Observer,
) *Provider {
	if observer == nil {
		observer = events.Nop{}
	}
	flows := flow.NewEngine(verifier, config.InteractionTTL)
	return &Provider{
		Config:        config,
		Registry:      registry,
		Keys:          keys,
		Authorization: NewAuthorizationService(config, registry, flows, store, observer),
		Tokens:        NewTokenService(config, registry, store, keys, claims, observer),
	}
}

// Metadata returns the discovery document. It is stateless and cacheable.
func (p *Provider) Metadata() ProviderMetadata {
	issuer := strings.TrimRight(p.Config.Issuer, "/")
	grantTypes := []string{GrantTypeAuthorizationCode}
	if p.Config.IssueRefreshTokens {
		grantTypes = append(grantTypes, GrantTypeRefreshToken)
	}
	return ProviderMetadata{
		Issuer:                           issuer,
		AuthorizationEndpoint:            issuer + "/authorize",
		TokenEndpoint:                    issuer + "/token",
		UserinfoEndpoint:                 issuer + "/userinfo",
		JWKSUri:                          issuer + "/jwks",
		EndSessionEndpoint:               issuer + "/end_session",
		ScopesSupported:                  p.Config.SupportedScopes,
		ResponseTypesSupported:           []string{ResponseTypeCode},
		GrantTypesSupported:              grantTypes,
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{SigningAlg},
		TokenEndpointAuthMethodsSupported: []string{
			client.AuthMethodBasic,
			client.AuthMethodPost,
			client.AuthMethodNone,
		},
		CodeChallengeMethodsSupported: []string{PKCEMethodS256},
		ClaimsSupported:               p.Config.ClaimsForScopes(p.Config.SupportedScopes),
	}
}

// JWKS returns the public signing keys.
func (p *Provider) JWKS() JWKS {
	return p.Keys.PublicJWKS()
}

// Userinfo resolves the claims for a Bearer access token.
func (p *Provider) Userinfo(ctx context.Context, accessToken string) (map[string]any, *serrors.OAuth2Error) {
	claims, err := p.Keys.Verify(accessToken)
	if err != nil {
		return nil, serrors.NewInvalidGrant("access token is invalid or expired")
	}

	sub, _ := claims["sub"].(string)
	scope, _ := claims["scope"].(string)
	if sub == "" {
		return nil, serrors.NewInvalidGrant("access token carries no subject")
	}

	scopes := client.SplitScope(scope)
	out := map[string]any{"sub": sub}
	if p.Tokens.claims != nil {
		accountClaims, err := p.Tokens.claims.Claims(ctx, sub, scopes)
		if err != nil {
			return nil, serrors.NewServerError("failed to resolve account claims")
		}
		for _, name := range p.Config.ClaimsForScopes(scopes) {
			if name == "sub" {
				continue
			}
			if v, ok := accountClaims[name]; ok {
				out[name] = v
			}
		}
	}
	return out, nil
}

// ValidateEndSession checks a post-logout redirect URI for the client by
// exact match, mirroring the redirect_uri rule.
func (p *Provider) ValidateEndSession(clientID, postLogoutURI string) *serrors.OAuth2Error {
	cl, err := p.Registry.Lookup(clientID)
	if err != nil {
		return serrors.NewInvalidClient("unknown client")
	}
	if postLogoutURI != "" && !cl.HasPostLogoutURI(postLogoutURI) {
		return serrors.NewInvalidRequest("post_logout_redirect_uri is not registered for this client")
	}
	return nil
}
