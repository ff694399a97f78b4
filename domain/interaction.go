package domain

import "time"

// InteractionStatus tracks where an interaction sits in the login/consent
// state machine.
type InteractionStatus string

const (
	InteractionPending         InteractionStatus = "pending"
	InteractionAwaitingConsent InteractionStatus = "awaiting_consent"
	InteractionCompleted       InteractionStatus = "completed"
	InteractionExpired         InteractionStatus = "expired"
)

// AuthorizationRequest holds the validated parameters of one /authorize
// call. It is transient: it lives only for the duration of one interaction.
type AuthorizationRequest struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	ResponseType        string `json:"response_type"`
	Scope               string `json:"scope"`
	State               string `json:"state,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	MaxAge              int    `json:"max_age,omitempty"`
}

// InteractionResult records the outcome of login plus consent.
type InteractionResult struct {
	AccountID     string    `json:"account_id,omitempty"`
	AuthTime      time.Time `json:"auth_time,omitempty"`
	ConsentGiven  bool      `json:"consent_given"`
	ConsentDenied bool      `json:"consent_denied"`
}

// Interaction is the out-of-band login/consent step between an authorization
// request and code issuance. UID is opaque and unguessable.
type Interaction struct {
	UID       string               `json:"uid"`
	Request   AuthorizationRequest `json:"request"`
	Status    InteractionStatus    `json:"status"`
	Result    InteractionResult    `json:"result"`
	CreatedAt time.Time            `json:"created_at"`
	ExpiresAt time.Time            `json:"expires_at"`
}

// Expired reports whether the interaction is past its TTL at the given
// instant. Expiry is checked lazily at read time.
func (i *Interaction) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// Terminal reports whether the interaction can accept no further
// submissions.
func (i *Interaction) Terminal() bool {
	return i.Status == InteractionCompleted || i.Status == InteractionExpired
}
