package oidc

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/golang-jwt/jwt/v5"

	serrors "go.pilab.hu/oidc/errors"
)

// ErrKeyUnavailable is returned when no valid signing key is configured.
// At startup this is fatal.
var ErrKeyUnavailable = errors.New("no signing key available")

// SigningAlg is the only JWS algorithm the provider signs with.
const SigningAlg = "RS256"

// JWKS represents a JSON Web Key Set.
type JWKS struct {
	Keys []JSONWebKey `json:"keys"`
}

// JSONWebKey represents a public key in JWK format. Only public components
// are ever placed here.
type JSONWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n,omitempty"` // RSA modulus
	E   string `json:"e,omitempty"` // RSA public exponent
}

type signingKey struct {
	kid     string
	private *rsa.PrivateKey
}

// KeyManager holds the provider's signing keys. Private material is loaded
// once at startup and read-only afterwards, so concurrent reads need no
// synchronization. There is no hot rotation; rotation is adding a key and
// keeping the old kid verifiable until its tokens expire.
type KeyManager struct {
	active string
	keys   map[string]*signingKey
}

// KeyConfig describes one signing key: inline PEM takes precedence, then a
// file path.
type KeyConfig struct {
	Kid     string `mapstructure:"kid"`
	PEM     string `mapstructure:"pem"`
	PEMFile string `mapstructure:"pem_file"`
}

// NewKeyManager loads the configured keys. The first key is the active
// signer; the rest remain verify-only. No valid key is fatal.
func NewKeyManager(configs []KeyConfig) (*KeyManager, error) {
	if len(configs) == 0 {
		return nil, serrors.NewFatalConfig("no signing key configured: %v", ErrKeyUnavailable)
	}

	km := &KeyManager{keys: make(map[string]*signingKey, len(configs))}
	for i, kc := range configs {
		pemData := []byte(kc.PEM)
		if len(pemData) == 0 && kc.PEMFile != "" {
			data, err := os.ReadFile(kc.PEMFile)
			if err != nil {
				return nil, serrors.NewFatalConfig("reading key file %q: %v", kc.PEMFile, err)
			}
			pemData = data
		}
		if len(pemData) == 0 {
			return nil, serrors.NewFatalConfig("signing key %d has neither inline PEM nor a file", i)
		}

		private, err := jwt.ParseRSAPrivateKeyFromPEM(pemData)
		if err != nil {
			return nil, serrors.NewFatalConfig("parsing signing key %d: %v", i, err)
		}

		kid := kc.Kid
		if kid == "" {
			kid = fmt.Sprintf("%d", i+1)
		}
		if _, dup := km.keys[kid]; dup {
			return nil, serrors.NewFatalConfig("duplicate signing key id %q", kid)
		}

		km.keys[kid] = &signingKey{kid: kid, private: private}
		if i == 0 {
			km.active = kid
		}
	}

	return km, nil
}

// Sign produces a compact JWS for the claims using the active key. The kid
// header is always set so relying parties can select the matching JWK.
func (km *KeyManager) Sign(claims jwt.Claims) (string, error) {
	key := km.keys[km.active]
	if key == nil {
		return "", ErrKeyUnavailable
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.kid

	signed, err := token.SignedString(key.private)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a compact JWS and verifies it against the key named in its
// kid header. Expired tokens fail verification.
func (km *KeyManager) Verify(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		key := km.keys[kid]
		if key == nil {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return &key.private.PublicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	return claims, nil
}

// ActiveKid returns the kid of the active signing key.
func (km *KeyManager) ActiveKid() string {
	return km.active
}

// PublicJWKS returns the public key set. Private material never leaves the
// manager.
func (km *KeyManager) PublicJWKS() JWKS {
	keys := make([]JSONWebKey, 0, len(km.keys))
	// Active key first; verify-only keys follow.
	if key := km.keys[km.active]; key != nil {
		keys = append(keys, publicJWK(key))
	}
	for kid, key := range km.keys {
		if kid == km.active {
			continue
		}
		keys = append(keys, publicJWK(key))
	}
	return JWKS{Keys: keys}
}

func publicJWK(key *signingKey) JSONWebKey {
	pub := key.private.PublicKey
	return JSONWebKey{
		Kid: key.kid,
		Kty: "RSA",
		Alg: SigningAlg,
		Use: "sig",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}
