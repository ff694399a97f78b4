package oidc

import (
	"context"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"go.pilab.hu/oidc/cache"
	"go.pilab.hu/oidc/client"
	"go.pilab.hu/oidc/domain"
	serrors "go.pilab.hu/oidc/errors"
	"go.pilab.hu/oidc/events"
	"go.pilab.hu/oidc/flow"
)

// AuthorizeError carries an OAuth2 error plus how it must be delivered.
// Before client and redirect_uri are verified the error is direct; an
// unverified URI is never redirected to. Afterwards the error travels as
// redirect query parameters, preserving state.
type AuthorizeError struct {
	Err         *serrors.OAuth2Error
	RedirectURI string // empty means a direct error response
	State       string
}

func (e *AuthorizeError) Error() string { return e.Err.Error() }

// Direct reports whether the error must be shown to the user agent
// directly instead of via redirect.
func (e *AuthorizeError) Direct() bool { return e.RedirectURI == "" }

// RedirectURL builds the error redirect location.
func (e *AuthorizeError) RedirectURL() string {
	u, err := url.Parse(e.RedirectURI)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("error", e.Err.Code)
	if e.Err.Description != "" {
		q.Set("error_description", e.Err.Description)
	}
	if e.State != "" {
		q.Set("state", e.State)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// AuthorizeRedirect is the success outcome of a finalized authorization:
// the location the user agent is sent back to with code and state.
type AuthorizeRedirect struct {
	RedirectURI string
	Code        string
	State       string
}

// URL builds the redirect location with code and state parameters.
func (r *AuthorizeRedirect) URL() string {
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("code", r.Code)
	if r.State != "" {
		q.Set("state", r.State)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// AuthorizationService validates authorization requests, drives them into
// an interaction, and mints authorization codes once the interaction
// resolves.
type AuthorizationService struct {
	config   *ProviderConfig
	registry *client.Registry
	flows    *flow.Engine
	store    cache.GrantStore
	observer events.Observer
}

// NewAuthorizationService wires the authorization endpoint.
func NewAuthorizationService(
	config *ProviderConfig,
	registry *client.Registry,
	flows *flow.Engine,
	store cache.GrantStore,
	observer events.Observer,
) *AuthorizationService {
	if observer == nil {
		observer = events.Nop{}
	}
	return &AuthorizationService{
		config:   config,
		registry: registry,
		flows:    flows,
		store:    store,
		observer: observer,
	}
}

// Authorize validates the request in the mandated order (first failure
// wins) and starts an interaction for the user to complete out of band.
func (s *AuthorizationService) Authorize(_ context.Context, req domain.AuthorizationRequest) (*domain.Interaction, *AuthorizeError) {
	// 1. Client must exist. The redirect URI is untrusted at this point,
	// so the error is direct.
	cl, err := s.registry.Lookup(req.ClientID)
	if err != nil {
		s.notifyError(req.ClientID, serrors.InvalidClient)
		return nil, &AuthorizeError{Err: serrors.NewInvalidClient("unknown client")}
	}

	// 2. Redirect URI must exactly match a registered one. Still direct:
	// never redirect to an unverified URI.
	if !cl.HasRedirectURI(req.RedirectURI) {
		s.notifyError(req.ClientID, serrors.InvalidRequest)
		return nil, &AuthorizeError{Err: serrors.NewInvalidRequest("redirect_uri is not registered for this client")}
	}

	// From here on, errors are delivered by redirect with state.
	fail := func(oe *serrors.OAuth2Error) *AuthorizeError {
		s.notifyError(req.ClientID, oe.Code)
		return &AuthorizeError{Err: oe.WithState(req.State), RedirectURI: req.RedirectURI, State: req.State}
	}

	// 3. Response type.
	if req.ResponseType != ResponseTypeCode || !cl.HasResponseType(req.ResponseType) {
		return nil, fail(serrors.NewUnsupportedResponseType("response_type is not supported for this client"))
	}

	// 4. Scope must be a subset of the client's allowed scopes and known
	// to the provider.
	scopes := client.SplitScope(req.Scope)
	if !cl.AllowsScope(scopes) {
		return nil, fail(serrors.NewInvalidScope("requested scope exceeds client registration"))
	}
	for _, scope := range scopes {
		if !s.config.SupportsScope(scope) {
			return nil, fail(serrors.NewInvalidScope("unsupported scope " + scope))
		}
	}

	// 5. PKCE policy: mandatory for public clients and whenever the
	// provider or client opts in; S256 only.
	if cl.RequiresPKCE() || s.config.RequirePKCEForAll {
		if req.CodeChallenge == "" {
			return nil, fail(serrors.NewPKCERequired())
		}
		if req.CodeChallengeMethod != PKCEMethodS256 {
			return nil, fail(serrors.NewInvalidRequest("code_challenge_method must be S256"))
		}
	} else if req.CodeChallenge != "" && req.CodeChallengeMethod != PKCEMethodS256 {
		return nil, fail(serrors.NewInvalidRequest("code_challenge_method must be S256"))
	}

	s.observer.Notify(events.Event{
		Name:     events.AuthorizationValidated,
		ClientID: req.ClientID,
		Scope:    req.Scope,
	})

	in := s.flows.Start(req)
	s.observer.Notify(events.Event{
		Name:     events.InteractionStarted,
		ClientID: req.ClientID,
	})
	return in, nil
}

// Finalize consumes a completed interaction and turns it into either a
// code redirect or an access_denied redirect.
func (s *AuthorizationService) Finalize(ctx context.Context, uid string) (*AuthorizeRedirect, *AuthorizeError) {
	in, err := s.flows.Resolve(uid)
	if err != nil {
		return nil, &AuthorizeError{Err: serrors.NewInvalidRequest("interaction cannot be resolved")}
	}

	req := in.Request
	s.observer.Notify(events.Event{
		Name:      events.InteractionEnded,
		ClientID:  req.ClientID,
		AccountID: in.Result.AccountID,
	})

	if in.Result.ConsentDenied || !in.Result.ConsentGiven {
		s.notifyError(req.ClientID, serrors.AccessDenied)
		return nil, &AuthorizeError{
			Err:         serrors.NewAccessDenied("the resource owner denied the request").WithState(req.State),
			RedirectURI: req.RedirectURI,
			State:       req.State,
		}
	}

	// max_age bounds how stale the authentication may be at issuance time.
	// The request value wins; the client's registered default applies when
	// the request is silent.
	maxAge := req.MaxAge
	if maxAge == 0 {
		if cl, lerr := s.registry.Lookup(req.ClientID); lerr == nil {
			maxAge = cl.DefaultMaxAge
		}
	}
	if maxAge > 0 && time.Since(in.Result.AuthTime) > time.Duration(maxAge)*time.Second {
		s.notifyError(req.ClientID, serrors.LoginRequired)
		return nil, &AuthorizeError{
			Err:         serrors.NewLoginRequired("authentication is older than the requested max_age").WithState(req.State),
			RedirectURI: req.RedirectURI,
			State:       req.State,
		}
	}

	codeValue, err := generateCode()
	if err != nil {
		return nil, &AuthorizeError{
			Err:         serrors.NewServerError("failed to generate authorization code"),
			RedirectURI: req.RedirectURI,
			State:       req.State,
		}
	}

	now := time.Now()
	code := &domain.AuthCode{
		Code:                codeValue,
		ClientID:            req.ClientID,
		AccountID:           in.Result.AccountID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		Nonce:               req.Nonce,
		AuthTime:            in.Result.AuthTime,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.AuthCodeTTL),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	}
	if err := s.store.PutCode(ctx, code); err != nil {
		log.Error().Err(err).Str("client_id", req.ClientID).Msg("failed to store authorization code")
		return nil, &AuthorizeError{
			Err:         serrors.NewServerError("failed to store authorization code"),
			RedirectURI: req.RedirectURI,
			State:       req.State,
		}
	}

	s.observer.Notify(events.Event{
		Name:      events.CodeIssued,
		ClientID:  req.ClientID,
		AccountID: in.Result.AccountID,
		Scope:     req.Scope,
	})
	s.observer.Notify(events.Event{
		Name:      events.AuthorizationSuccess,
		ClientID:  req.ClientID,
		AccountID: in.Result.AccountID,
		Scope:     req.Scope,
	})

	return &AuthorizeRedirect{
		RedirectURI: req.RedirectURI,
		Code:        codeValue,
		State:       req.State,
	}, nil
}

// Flows exposes the interaction engine for the transport layer's
// login/consent handlers.
func (s *AuthorizationService) Flows() *flow.Engine {
	return s.flows
}

func (s *AuthorizationService) notifyError(clientID, code string) {
	s.observer.Notify(events.Event{
		Name:     events.AuthorizationError,
		ClientID: clientID,
		Detail:   code,
	})
}
