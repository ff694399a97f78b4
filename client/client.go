package client

import (
	"crypto/subtle"
	"strings"
	"time"
)

// ClientType represents the type of OAuth2 client
type ClientType string

const (
	// Confidential clients can securely store secrets
	Confidential ClientType = "confidential"
	// Public clients cannot securely store secrets (mobile apps, SPAs)
	Public ClientType = "public"
)

// Token endpoint authentication methods.
const (
	AuthMethodBasic = "client_secret_basic"
	AuthMethodPost  = "client_secret_post"
	AuthMethodNone  = "none"
)

// Client represents a statically registered OAuth2 client application.
// Clients are immutable once loaded.
//
//nolint:tagliatelle
type Client struct {
	ID                string     `json:"client_id" mapstructure:"client_id"`
	Secret            string     `json:"client_secret,omitempty" mapstructure:"client_secret"`
	Type              ClientType `json:"type,omitempty" mapstructure:"type"`
	Name              string     `json:"client_name,omitempty" mapstructure:"client_name"`
	RedirectURIs      []string   `json:"redirect_uris" mapstructure:"redirect_uris"`
	PostLogoutURIs    []string   `json:"post_logout_redirect_uris,omitempty" mapstructure:"post_logout_redirect_uris"`
	AllowedScopes     []string   `json:"allowed_scopes" mapstructure:"allowed_scopes"`
	AllowedGrantTypes []string   `json:"allowed_grant_types" mapstructure:"allowed_grant_types"`
	ResponseTypes     []string   `json:"response_types" mapstructure:"response_types"`
	TokenEndpointAuth string     `json:"token_endpoint_auth_method" mapstructure:"token_endpoint_auth_method"`
	IDTokenSigningAlg string     `json:"id_token_signing_alg,omitempty" mapstructure:"id_token_signing_alg"`
	RequirePKCE       bool       `json:"require_pkce,omitempty" mapstructure:"require_pkce"`
	DefaultMaxAge     int        `json:"default_max_age,omitempty" mapstructure:"default_max_age"`
	CreatedAt         time.Time  `json:"created_at,omitempty" mapstructure:"-"`
}

// IsPublic reports whether the client holds no secret.
func (c *Client) IsPublic() bool {
	return c.Secret == "" || c.Type == Public || c.TokenEndpointAuth == AuthMethodNone
}

// RequiresPKCE reports whether a code_challenge is mandatory for this
// client. Public clients always require PKCE.
func (c *Client) RequiresPKCE() bool {
	return c.RequirePKCE || c.IsPublic()
}

// HasRedirectURI checks a redirect URI by exact string match. Partial or
// prefix matching is a known OIDC vulnerability class and is never done.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// HasPostLogoutURI checks a post-logout redirect URI by exact string match.
func (c *Client) HasPostLogoutURI(uri string) bool {
	for _, registered := range c.PostLogoutURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// HasGrantType reports whether the grant type is allowed for the client.
func (c *Client) HasGrantType(grantType string) bool {
	for _, gt := range c.AllowedGrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// HasResponseType reports whether the response type is allowed for the
// client.
func (c *Client) HasResponseType(responseType string) bool {
	for _, rt := range c.ResponseTypes {
		if rt == responseType {
			return true
		}
	}
	return false
}

// AllowsScope reports whether every requested scope is in the client's
// allowed set. An empty request is rejected.
func (c *Client) AllowsScope(requested []string) bool {
	if len(requested) == 0 {
		return false
	}
	allowed := make(map[string]struct{}, len(c.AllowedScopes))
	for _, s := range c.AllowedScopes {
		allowed[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := allowed[s]; !ok {
			return false
		}
	}
	return true
}

// VerifySecret compares a presented secret in constant time.
func (c *Client) VerifySecret(secret string) bool {
	if c.Secret == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Secret), []byte(secret)) == 1
}

// SplitScope splits a space-delimited scope parameter into its members.
func SplitScope(scope string) []string {
	return strings.Fields(scope)
}
