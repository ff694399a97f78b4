// Package echo is the thin HTTP transport over the engine. All policy
// lives in the core packages; handlers only parse, delegate and render.
package echo

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	oidc "go.pilab.hu/oidc"
	"go.pilab.hu/oidc/client"
	"go.pilab.hu/oidc/domain"
	serrors "go.pilab.hu/oidc/errors"
	"go.pilab.hu/oidc/flow"
)

// OIDCApi exposes the provider over HTTP.
type OIDCApi struct {
	provider *oidc.Provider
}

// NewOIDCApi initializes the HTTP API.
func NewOIDCApi(provider *oidc.Provider) *OIDCApi {
	return &OIDCApi{provider: provider}
}

// RegisterRoutes registers the provider routes.
func (a *OIDCApi) RegisterRoutes(e *echo.Echo) {
	e.GET("/authorize", a.AuthorizeHandler)
	e.GET("/interaction/:uid", a.InteractionStatusHandler)
	e.POST("/interaction/:uid", a.InteractionSubmitHandler)
	e.POST("/token", a.TokenHandler)
	e.GET("/userinfo", a.UserinfoHandler)
	e.POST("/userinfo", a.UserinfoHandler)
	e.GET("/end_session", a.EndSessionHandler)

	e.GET("/.well-known/openid-configuration", a.OpenIDConfigurationHandler)
	e.GET("/jwks", a.JWKSHandler)
}

// AuthorizeHandler validates the authorization request and redirects the
// user agent to the interaction that collects login and consent.
func (a *OIDCApi) AuthorizeHandler(c echo.Context) error {
	maxAge := 0
	if raw := c.QueryParam("max_age"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			maxAge = parsed
		}
	}

	req := domain.AuthorizationRequest{
		ClientID:            c.QueryParam("client_id"),
		RedirectURI:         c.QueryParam("redirect_uri"),
		ResponseType:        c.QueryParam("response_type"),
		Scope:               c.QueryParam("scope"),
		State:               c.QueryParam("state"),
		Nonce:               c.QueryParam("nonce"),
		CodeChallenge:       c.QueryParam("code_challenge"),
		CodeChallengeMethod: c.QueryParam("code_challenge_method"),
		MaxAge:              maxAge,
	}

	in, aerr := a.provider.Authorization.Authorize(c.Request().Context(), req)
	if aerr != nil {
		return renderAuthorizeError(c, aerr)
	}

	return c.Redirect(http.StatusFound, "/interaction/"+in.UID)
}

// InteractionStatusHandler reports where an interaction sits, so external
// login UIs can render the right step.
func (a *OIDCApi) InteractionStatusHandler(c echo.Context) error {
	in, err := a.provider.Authorization.Flows().Get(c.Param("uid"))
	if err != nil {
		return renderInteractionError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"uid":       in.UID,
		"status":    in.Status,
		"client_id": in.Request.ClientID,
		"scope":     in.Request.Scope,
	})
}

// InteractionSubmitHandler accepts the login form (login + password) and
// the consent form (consent=accept|deny) against the same uid. A granted
// consent finalizes the original request and redirects back to the client.
func (a *OIDCApi) InteractionSubmitHandler(c echo.Context) error {
	uid := c.Param("uid")

	if consent := c.FormValue("consent"); consent != "" {
		granted := consent == "accept"
		if _, err := a.provider.Authorization.Flows().SubmitConsent(uid, granted); err != nil {
			return renderInteractionError(c, err)
		}

		redirect, aerr := a.provider.Authorization.Finalize(c.Request().Context(), uid)
		if aerr != nil {
			return renderAuthorizeError(c, aerr)
		}
		return c.Redirect(http.StatusFound, redirect.URL())
	}

	login := c.FormValue("login")
	password := c.FormValue("password")
	if login == "" || password == "" {
		return c.JSON(http.StatusBadRequest, serrors.NewInvalidRequest("login and password are required"))
	}

	in, err := a.provider.Authorization.Flows().SubmitLogin(c.Request().Context(), uid, login, password)
	if err != nil {
		if err == flow.ErrInvalidCredentials {
			// The interaction stays pending; the UI may retry.
			return c.JSON(http.StatusUnauthorized, serrors.NewAccessDenied("invalid credentials"))
		}
		return renderInteractionError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"uid":    in.UID,
		"status": in.Status,
	})
}

// TokenHandler handles the token exchange.
func (a *OIDCApi) TokenHandler(c echo.Context) error {
	auth := extractClientAuth(c)
	req := oidc.TokenRequest{
		GrantType:    c.FormValue("grant_type"),
		Code:         c.FormValue("code"),
		RedirectURI:  c.FormValue("redirect_uri"),
		CodeVerifier: c.FormValue("code_verifier"),
		RefreshToken: c.FormValue("refresh_token"),
		Scope:        c.FormValue("scope"),
	}

	resp, oerr := a.provider.Tokens.Exchange(c.Request().Context(), req, auth)
	if oerr != nil {
		return renderTokenError(c, oerr)
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Pragma", "no-cache")
	return c.JSON(http.StatusOK, resp)
}

// UserinfoHandler resolves claims for a Bearer access token.
func (a *OIDCApi) UserinfoHandler(c echo.Context) error {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		c.Response().Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
		return c.JSON(http.StatusUnauthorized, serrors.NewInvalidRequest("missing bearer token"))
	}

	claims, oerr := a.provider.Userinfo(c.Request().Context(), token)
	if oerr != nil {
		c.Response().Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		return c.JSON(http.StatusUnauthorized, oerr)
	}
	return c.JSON(http.StatusOK, claims)
}

// EndSessionHandler validates the post-logout redirect and sends the user
// agent there, echoing state.
func (a *OIDCApi) EndSessionHandler(c echo.Context) error {
	clientID := c.QueryParam("client_id")
	postLogout := c.QueryParam("post_logout_redirect_uri")
	state := c.QueryParam("state")

	if oerr := a.provider.ValidateEndSession(clientID, postLogout); oerr != nil {
		return c.JSON(http.StatusBadRequest, oerr)
	}
	if postLogout == "" {
		return c.NoContent(http.StatusNoContent)
	}

	u, err := url.Parse(postLogout)
	if err != nil {
		return c.JSON(http.StatusBadRequest, serrors.NewInvalidRequest("invalid post_logout_redirect_uri"))
	}
	if state != "" {
		q := u.Query()
		q.Set("state", state)
		u.RawQuery = q.Encode()
	}
	return c.Redirect(http.StatusFound, u.String())
}

// OpenIDConfigurationHandler serves the discovery document.
func (a *OIDCApi) OpenIDConfigurationHandler(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "public, max-age=3600")
	return c.JSON(http.StatusOK, a.provider.Metadata())
}

// JWKSHandler serves the public key set.
func (a *OIDCApi) JWKSHandler(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "public, max-age=3600")
	return c.JSON(http.StatusOK, a.provider.JWKS())
}

// extractClientAuth pulls client credentials from the Basic header or the
// form body, tagging them with the method used.
func extractClientAuth(c echo.Context) oidc.ClientAuth {
	if id, secret, ok := c.Request().BasicAuth(); ok {
		return oidc.ClientAuth{ClientID: id, Secret: secret, Method: client.AuthMethodBasic}
	}
	id := c.FormValue("client_id")
	if secret := c.FormValue("client_secret"); secret != "" {
		return oidc.ClientAuth{ClientID: id, Secret: secret, Method: client.AuthMethodPost}
	}
	return oidc.ClientAuth{ClientID: id, Method: client.AuthMethodNone}
}

func renderAuthorizeError(c echo.Context, aerr *oidc.AuthorizeError) error {
	if aerr.Direct() {
		return c.JSON(http.StatusBadRequest, aerr.Err)
	}
	return c.Redirect(http.StatusFound, aerr.RedirectURL())
}

func renderInteractionError(c echo.Context, err error) error {
	switch err {
	case serrors.ErrInteractionNotFound:
		return c.JSON(http.StatusNotFound, serrors.NewInvalidRequest("unknown interaction"))
	case serrors.ErrInteractionExpired:
		return c.JSON(http.StatusGone, serrors.NewInvalidRequest("interaction expired"))
	case serrors.ErrInvalidState:
		return c.JSON(http.StatusConflict, serrors.NewInvalidRequest("interaction does not accept this submission"))
	default:
		log.Error().Err(err).Msg("interaction submission failed")
		return c.JSON(http.StatusInternalServerError, serrors.NewServerError("interaction failure"))
	}
}

func renderTokenError(c echo.Context, oerr *serrors.OAuth2Error) error {
	switch oerr.Code {
	case serrors.InvalidClient:
		c.Response().Header().Set("WWW-Authenticate", `Basic realm="token"`)
		return c.JSON(http.StatusUnauthorized, oerr)
	case serrors.ServerError:
		return c.JSON(http.StatusInternalServerError, oerr)
	default:
		return c.JSON(http.StatusBadRequest, oerr)
	}
}
