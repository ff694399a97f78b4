package auth

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"go.pilab.hu/oidc/flow"
)

// account pairs a stable account ID with a bcrypt password hash.
type account struct {
	id   string
	hash string
}

// StaticVerifier is a flow.CredentialVerifier backed by a fixed set of
// accounts. It is meant for development and tests; production deployments
// inject their own verifier against a real account store.
type StaticVerifier struct {
	accounts map[string]account
	cost     int
}

// NewStaticVerifier creates an empty verifier. Default bcrypt cost is used
// when cost <= 0.
func NewStaticVerifier(cost int) *StaticVerifier {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &StaticVerifier{
		accounts: make(map[string]account),
		cost:     cost,
	}
}

// AddAccount hashes the password and registers the identifier. Not safe
// for concurrent use with Verify; populate before serving.
func (v *StaticVerifier) AddAccount(identifier, accountID, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), v.cost)
	if err != nil {
		return fmt.Errorf("bcrypt hash generation failed: %w", err)
	}
	v.accounts[identifier] = account{id: accountID, hash: string(hashed)}
	return nil
}

// Verify resolves the identifier/secret pair to an account ID.
func (v *StaticVerifier) Verify(_ context.Context, identifier, secret string) (string, error) {
	acct, ok := v.accounts[identifier]
	if !ok {
		// Burn a comparison anyway so unknown identifiers cost the
		// same as wrong passwords.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B4VnYQ1JbahW5QpPUyaPBN1tl/S."), []byte(secret))
		return "", flow.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.hash), []byte(secret)); err != nil {
		return "", flow.ErrInvalidCredentials
	}
	return acct.id, nil
}

var _ flow.CredentialVerifier = (*StaticVerifier)(nil)
