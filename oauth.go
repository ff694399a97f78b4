// Package oidc implements the core engine of an OpenID Connect
// authorization server: authorization-code issuance, token exchange with
// PKCE, signed token production and discovery metadata. HTTP wiring lives
// in api/echo; persistence is a key-TTL abstraction in cache.
package oidc

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// Grant types supported by the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// ResponseTypeCode is the only supported response type.
const ResponseTypeCode = "code"

// PKCEMethodS256 is the only accepted code_challenge_method. The plain
// method defeats the point of PKCE and is rejected.
const PKCEMethodS256 = "S256"

// TokenResponse is the JSON body of a successful token exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ClaimsProvider resolves account claims when tokens are minted. The core
// never stores account attributes itself; deployments inject a provider
// backed by their account store.
type ClaimsProvider interface {
	Claims(ctx context.Context, accountID string, scopes []string) (map[string]any, error)
}

// ClaimsProviderFunc adapts a function to the ClaimsProvider interface.
type ClaimsProviderFunc func(ctx context.Context, accountID string, scopes []string) (map[string]any, error)

func (f ClaimsProviderFunc) Claims(ctx context.Context, accountID string, scopes []string) (map[string]any, error) {
	return f(ctx, accountID, scopes)
}

// generateCode returns a high-entropy URL-safe random string used for
// authorization codes and refresh token values.
func generateCode() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// VerifyPKCES256 checks SHA256(verifier) against the stored challenge in
// constant time.
func VerifyPKCES256(challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
