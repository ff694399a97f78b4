package domain

import "time"

// AuthCode represents an OAuth 2.0 authorization code.
type AuthCode struct {
	Code        string    `json:"code"`         // High-entropy random code value
	ClientID    string    `json:"client_id"`    // Client application ID
	AccountID   string    `json:"account_id"`   // Account that authorized the request
	RedirectURI string    `json:"redirect_uri"` // Callback URL the code is bound to
	Scope       string    `json:"scope"`        // Authorized scopes
	Nonce       string    `json:"nonce,omitempty"`
	AuthTime    time.Time `json:"auth_time"`  // When the user authenticated
	ExpiresAt   time.Time `json:"expires_at"` // Expiration timestamp
	CreatedAt   time.Time `json:"created_at"` // Creation timestamp

	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
}

// Expired reports whether the code is past its lifetime at the given instant.
func (c *AuthCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
