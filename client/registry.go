package client

import (
	"fmt"
	"net/url"
	"time"

	serrors "go.pilab.hu/oidc/errors"
)

// ErrNotFound is returned by Lookup for unknown client IDs.
var ErrNotFound = fmt.Errorf("client not found")

// Registry holds the statically configured clients. It is immutable after
// construction and safe for unsynchronized concurrent reads.
type Registry struct {
	clients map[string]*Client
}

// NewRegistry validates the configured clients and builds the registry.
// An empty or invalid client list is a fatal configuration error.
func NewRegistry(clients []Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, serrors.NewFatalConfig("no clients configured")
	}

	byID := make(map[string]*Client, len(clients))
	for i := range clients {
		c := clients[i]
		if err := validateClient(&c); err != nil {
			return nil, err
		}
		if _, dup := byID[c.ID]; dup {
			return nil, serrors.NewFatalConfig("duplicate client_id %q", c.ID)
		}
		applyDefaults(&c)
		byID[c.ID] = &c
	}

	return &Registry{clients: byID}, nil
}

func validateClient(c *Client) error {
	if c.ID == "" {
		return serrors.NewFatalConfig("client with empty client_id")
	}
	if len(c.RedirectURIs) == 0 {
		return serrors.NewFatalConfig("client %q has no redirect_uris", c.ID)
	}
	for _, raw := range c.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Fragment != "" {
			return serrors.NewFatalConfig("client %q has invalid redirect_uri %q", c.ID, raw)
		}
	}
	if c.Secret == "" && c.TokenEndpointAuth != "" && c.TokenEndpointAuth != AuthMethodNone {
		return serrors.NewFatalConfig("client %q declares %s but has no secret", c.ID, c.TokenEndpointAuth)
	}
	return nil
}

func applyDefaults(c *Client) {
	if c.Type == "" {
		if c.Secret == "" {
			c.Type = Public
		} else {
			c.Type = Confidential
		}
	}
	if c.TokenEndpointAuth == "" {
		if c.Secret == "" {
			c.TokenEndpointAuth = AuthMethodNone
		} else {
			c.TokenEndpointAuth = AuthMethodBasic
		}
	}
	if len(c.AllowedGrantTypes) == 0 {
		c.AllowedGrantTypes = []string{"authorization_code"}
	}
	if len(c.ResponseTypes) == 0 {
		c.ResponseTypes = []string{"code"}
	}
	if c.IDTokenSigningAlg == "" {
		c.IDTokenSigningAlg = "RS256"
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
}

// Lookup returns the client for the given ID, or ErrNotFound.
func (r *Registry) Lookup(clientID string) (*Client, error) {
	c, ok := r.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Authenticate verifies token-endpoint client credentials for the given
// method. Public clients authenticate with method "none" and an empty
// credential; confidential clients must present their secret via the method
// they registered with.
func (r *Registry) Authenticate(clientID, credential, method string) (*Client, bool) {
	c, ok := r.clients[clientID]
	if !ok {
		return nil, false
	}

	switch method {
	case AuthMethodNone:
		if !c.IsPublic() {
			return nil, false
		}
		return c, credential == ""
	case AuthMethodBasic, AuthMethodPost:
		if c.TokenEndpointAuth != method {
			return nil, false
		}
		return c, c.VerifySecret(credential)
	default:
		return nil, false
	}
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	return len(r.clients)
}
