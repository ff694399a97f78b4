package oidc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/oidc/cache"
	"go.pilab.hu/oidc/client"
	"go.pilab.hu/oidc/domain"
	serrors "go.pilab.hu/oidc/errors"
	"go.pilab.hu/oidc/events"
)

// ClientAuth carries the client credentials presented at the token
// endpoint, independent of how the transport extracted them.
type ClientAuth struct {
	ClientID string
	Secret   string
	Method   string // client_secret_basic, client_secret_post or none
}

// TokenRequest holds the parameters of one token exchange.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string // optional narrowing on refresh
}

// TokenService exchanges authorization codes and refresh tokens for signed
// tokens.
type TokenService struct {
	config   *ProviderConfig
	registry *client.Registry
	store    cache.GrantStore
	keys     *KeyManager
	claims   ClaimsProvider
	observer events.Observer
}

// NewTokenService wires the token endpoint.
func NewTokenService(
	config *ProviderConfig,
	registry *client.Registry,
	store cache.GrantStore,
	keys *KeyManager,
	claims ClaimsProvider,
	observer events.Observer,
) *TokenService {
	if observer == nil {
		observer = events.Nop{}
	}
	return &TokenService{
		config:   config,
		registry: registry,
		store:    store,
		keys:     keys,
		claims:   claims,
		observer: observer,
	}
}

// Exchange performs a token exchange. All failures before the code is
// consumed leave no side effects; a consumed code never reverts to usable
// even when a later step fails.
func (s *TokenService) Exchange(ctx context.Context, req TokenRequest, auth ClientAuth) (*TokenResponse, *serrors.OAuth2Error) {
	cl, ok := s.registry.Authenticate(auth.ClientID, auth.Secret, auth.Method)
	if !ok {
		s.grantError(auth.ClientID, serrors.InvalidClient)
		return nil, serrors.NewInvalidClient("client authentication failed")
	}

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.exchangeCode(ctx, req, cl)
	case GrantTypeRefreshToken:
		return s.exchangeRefresh(ctx, req, cl)
	default:
		s.grantError(cl.ID, serrors.UnsupportedGrantType)
		return nil, serrors.NewUnsupportedGrantType()
	}
}

func (s *TokenService) exchangeCode(ctx context.Context, req TokenRequest, cl *client.Client) (*TokenResponse, *serrors.OAuth2Error) {
	if !cl.HasGrantType(GrantTypeAuthorizationCode) {
		s.grantError(cl.ID, serrors.UnauthorizedClient)
		return nil, serrors.NewUnauthorizedClient("client may not use the authorization_code grant")
	}
	if req.Code == "" {
		s.grantError(cl.ID, serrors.InvalidRequest)
		return nil, serrors.NewInvalidRequest("code is required")
	}

	codeHash := cache.HashKey(req.Code)
	code, err := s.store.ConsumeCode(ctx, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, serrors.ErrCodeReplayed):
			// Replay is the one redemption failure that is a security
			// event, not a client mistake. Every token lineage minted
			// from the first redemption is revoked.
			if rerr := s.store.RevokeRefreshByCode(ctx, codeHash); rerr != nil {
				log.Error().Err(rerr).Msg("failed to revoke grant lineage after code replay")
			}
			return nil, s.deny(cl.ID, serrors.NewSecurityViolation("code_replay",
				serrors.NewInvalidGrant("authorization code is no longer valid")))
		case errors.Is(err, serrors.ErrCodeNotFound), errors.Is(err, serrors.ErrCodeExpired):
			s.grantError(cl.ID, serrors.InvalidGrant)
			return nil, serrors.NewInvalidGrant("authorization code is invalid or expired")
		default:
			log.Error().Err(err).Msg("grant store failure during code redemption")
			s.grantError(cl.ID, serrors.ServerError)
			return nil, serrors.NewServerError("grant store unavailable")
		}
	}

	// The code is consumed from here on. None of the following failures
	// resurrect it.
	if code.ClientID != cl.ID {
		return nil, s.deny(cl.ID, serrors.NewSecurityViolation("client_mismatch",
			serrors.NewInvalidGrant("authorization code was issued to another client")))
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, s.deny(cl.ID, serrors.NewSecurityViolation("redirect_mismatch",
			serrors.NewInvalidGrant("redirect_uri does not match the authorization request")))
	}
	if code.CodeChallenge != "" {
		if !VerifyPKCES256(code.CodeChallenge, req.CodeVerifier) {
			return nil, s.deny(cl.ID, serrors.NewSecurityViolation("pkce_failure",
				serrors.NewInvalidPKCE("code_verifier does not match")))
		}
	} else if cl.RequiresPKCE() {
		return nil, s.deny(cl.ID, serrors.NewSecurityViolation("pkce_failure",
			serrors.NewInvalidGrant("PKCE is required for this client")))
	}

	scopes := client.SplitScope(code.Scope)
	return s.mint(ctx, mintRequest{
		client:    cl,
		accountID: code.AccountID,
		scopes:    scopes,
		nonce:     code.Nonce,
		authTime:  code.AuthTime,
		grantType: GrantTypeAuthorizationCode,
		codeID:    codeHash,
	})
}

func (s *TokenService) exchangeRefresh(ctx context.Context, req TokenRequest, cl *client.Client) (*TokenResponse, *serrors.OAuth2Error) {
	if !s.config.IssueRefreshTokens || !cl.HasGrantType(GrantTypeRefreshToken) {
		s.grantError(cl.ID, serrors.UnauthorizedClient)
		return nil, serrors.NewUnauthorizedClient("client may not use the refresh_token grant")
	}
	if req.RefreshToken == "" {
		s.grantError(cl.ID, serrors.InvalidRequest)
		return nil, serrors.NewInvalidRequest("refresh_token is required")
	}

	grant, err := s.store.ConsumeRefresh(ctx, req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, serrors.ErrGrantNotFound), errors.Is(err, serrors.ErrGrantExpired):
			s.grantError(cl.ID, serrors.InvalidGrant)
			return nil, serrors.NewInvalidGrant("refresh token is invalid or expired")
		default:
			log.Error().Err(err).Msg("grant store failure during refresh redemption")
			s.grantError(cl.ID, serrors.ServerError)
			return nil, serrors.NewServerError("grant store unavailable")
		}
	}

	if grant.ClientID != cl.ID {
		return nil, s.deny(cl.ID, serrors.NewSecurityViolation("client_mismatch",
			serrors.NewInvalidGrant("refresh token was issued to another client")))
	}

	scopes := client.SplitScope(grant.Scope)
	if req.Scope != "" {
		// A refresh may narrow, never widen, the granted scope.
		requested := client.SplitScope(req.Scope)
		granted := make(map[string]struct{}, len(scopes))
		for _, sc := range scopes {
			granted[sc] = struct{}{}
		}
		for _, sc := range requested {
			if _, ok := granted[sc]; !ok {
				s.grantError(cl.ID, serrors.InvalidScope)
				return nil, serrors.NewInvalidScope("scope exceeds the original grant")
			}
		}
		scopes = requested
	}

	return s.mint(ctx, mintRequest{
		client:      cl,
		accountID:   grant.AccountID,
		scopes:      scopes,
		grantType:   GrantTypeRefreshToken,
		rotatedFrom: grant.TokenID,
		codeID:      grant.CodeID,
	})
}

type mintRequest struct {
	client      *client.Client
	accountID   string
	scopes      []string
	nonce       string
	authTime    time.Time
	grantType   string
	rotatedFrom string
	codeID      string
}

// mint produces the access token, ID token and, when allowed, a rotated
// refresh grant. A signing failure here is fatal for the exchange; the
// consumed code stays consumed.
func (s *TokenService) mint(ctx context.Context, req mintRequest) (*TokenResponse, *serrors.OAuth2Error) {
	now := time.Now()
	scope := strings.Join(req.scopes, " ")

	accessClaims := jwt.MapClaims{
		"iss":   s.config.Issuer,
		"sub":   req.accountID,
		"aud":   jwt.ClaimStrings{req.client.ID},
		"exp":   jwt.NewNumericDate(now.Add(s.config.AccessTokenTTL)).Unix(),
		"iat":   jwt.NewNumericDate(now).Unix(),
		"nbf":   jwt.NewNumericDate(now).Unix(),
		"jti":   uuid.NewString(),
		"scope": scope,
	}
	accessToken, err := s.keys.Sign(accessClaims)
	if err != nil {
		log.Error().Err(err).Msg("failed to sign access token")
		return nil, serrors.NewServerError("token signing failed")
	}

	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.config.AccessTokenTTL.Seconds()),
		Scope:       scope,
	}

	if hasScope(req.scopes, "openid") {
		idToken, oerr := s.mintIDToken(ctx, req, now)
		if oerr != nil {
			return nil, oerr
		}
		resp.IDToken = idToken
	}

	if s.config.IssueRefreshTokens && req.client.HasGrantType(GrantTypeRefreshToken) {
		value, err := generateCode()
		if err != nil {
			return nil, serrors.NewServerError("failed to generate refresh token")
		}
		grant := &domain.RefreshGrant{
			TokenID:     uuid.NewString(),
			TokenValue:  value,
			ClientID:    req.client.ID,
			AccountID:   req.accountID,
			Scope:       scope,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.config.RefreshTokenTTL),
			RotatedFrom: req.rotatedFrom,
			CodeID:      req.codeID,
		}
		if err := s.store.PutRefresh(ctx, grant); err != nil {
			log.Error().Err(err).Msg("failed to store refresh grant")
			return nil, serrors.NewServerError("grant store unavailable")
		}
		resp.RefreshToken = value
	}

	s.observer.Notify(events.Event{
		Name:      events.TokenIssued,
		ClientID:  req.client.ID,
		AccountID: req.accountID,
		Scope:     scope,
		Detail:    req.grantType,
	})
	return resp, nil
}

func (s *TokenService) mintIDToken(ctx context.Context, req mintRequest, now time.Time) (string, *serrors.OAuth2Error) {
	idClaims := jwt.MapClaims{
		"iss": s.config.Issuer,
		"sub": req.accountID,
		"aud": jwt.ClaimStrings{req.client.ID},
		"exp": jwt.NewNumericDate(now.Add(s.config.IDTokenTTL)).Unix(),
		"iat": jwt.NewNumericDate(now).Unix(),
	}
	if req.nonce != "" {
		idClaims["nonce"] = req.nonce
	}
	if !req.authTime.IsZero() {
		idClaims["auth_time"] = req.authTime.Unix()
	}

	if s.claims != nil {
		accountClaims, err := s.claims.Claims(ctx, req.accountID, req.scopes)
		if err != nil {
			log.Error().Err(err).Str("account_id", req.accountID).Msg("claims provider failed")
			return "", serrors.NewServerError("failed to resolve account claims")
		}
		for _, name := range s.config.ClaimsForScopes(req.scopes) {
			if name == "sub" {
				continue // sub is fixed by the grant, never the provider
			}
			if v, ok := accountClaims[name]; ok {
				idClaims[name] = v
			}
		}
	}

	idToken, err := s.keys.Sign(idClaims)
	if err != nil {
		log.Error().Err(err).Msg("failed to sign id token")
		return "", serrors.NewServerError("token signing failed")
	}
	return idToken, nil
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func (s *TokenService) grantError(clientID, code string) {
	s.observer.Notify(events.Event{
		Name:     events.GrantError,
		ClientID: clientID,
		Detail:   code,
	})
}

// deny records a security violation and returns its wire error.
func (s *TokenService) deny(clientID string, v *serrors.SecurityViolation) *serrors.OAuth2Error {
	log.Warn().Str("client_id", clientID).Str("kind", v.Kind).Msg("security violation during token exchange")
	s.observer.Notify(events.Event{
		Name:     events.SecurityViolation,
		ClientID: clientID,
		Detail:   v.Kind,
	})
	return v.Err
}
