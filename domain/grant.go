package domain

import "time"

// RefreshGrant represents a refresh token issued alongside an access token.
// RotatedFrom is a back-reference to the grant this one replaced; it is
// informational and never dereferenced by the core. CodeID names the
// authorization code the grant descends from (surviving rotation), so a
// detected code replay can revoke the whole lineage.
type RefreshGrant struct {
	TokenID     string    `json:"token_id"`
	TokenValue  string    `json:"token_value"`
	ClientID    string    `json:"client_id"`
	AccountID   string    `json:"account_id"`
	Scope       string    `json:"scope"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
	RotatedFrom string    `json:"rotated_from,omitempty"`
	CodeID      string    `json:"code_id,omitempty"`
}

// Expired reports whether the grant is past its lifetime at the given instant.
func (g *RefreshGrant) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}
