// Package upstream talks to the authorization server: authorization request
// URLs, the code and refresh grants, identity token verification and token
// revocation.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"smartbff/discovery"
	"smartbff/registration"
	"smartbff/telemetry"
)

// Tokens is a token endpoint response.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	// Expiry comes from expires_in and is zero when the server omitted it.
	Expiry time.Time
}

// Client performs authorization server calls for any registration.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *telemetry.Metrics

	mu      sync.Mutex
	keySets map[string]*oidc.RemoteKeySet
}

// NewClient returns a client sending requests through httpClient.
func NewClient(httpClient *http.Client, logger *slog.Logger, metrics *telemetry.Metrics) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics,
		keySets:    make(map[string]*oidc.RemoteKeySet),
	}
}

func (c *Client) oauthConfig(reg *registration.Registration, doc *discovery.Document) *oauth2.Config {
	endpoint := oauth2.Endpoint{
		AuthURL:   doc.AuthorizationEndpoint,
		TokenURL:  doc.TokenEndpoint,
		AuthStyle: oauth2.AuthStyleInHeader,
	}
	if reg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		RedirectURL:  reg.LoginCallbackURL,
		Endpoint:     endpoint,
		Scopes:       reg.ScopeList(),
	}
}

func (c *Client) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// AuthCodeURL builds the authorization request with an S256 challenge for
// verifier. launch is passed through when set.
func (c *Client) AuthCodeURL(reg *registration.Registration, doc *discovery.Document, state, verifier, launch string) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("aud", reg.Issuer),
	}
	if launch != "" {
		opts = append(opts, oauth2.SetAuthURLParam("launch", launch))
	}
	return c.oauthConfig(reg, doc).AuthCodeURL(state, opts...)
}

// Exchange redeems an authorization code.
func (c *Client) Exchange(ctx context.Context, reg *registration.Registration, doc *discovery.Document, code, verifier string) (*Tokens, error) {
	tok, err := c.oauthConfig(reg, doc).Exchange(c.context(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, asTokenError(err)
	}
	return tokensFrom(tok)
}

// Refresh runs the refresh grant. When the server does not rotate the refresh
// token the previous one is kept.
func (c *Client) Refresh(ctx context.Context, reg *registration.Registration, doc *discovery.Document, refreshToken string) (*Tokens, error) {
	src := c.oauthConfig(reg, doc).TokenSource(c.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, asTokenError(err)
	}
	return tokensFrom(tok)
}

func tokensFrom(tok *oauth2.Token) (*Tokens, error) {
	if tok.AccessToken == "" {
		return nil, &TokenError{Type: ErrorTypeProtocol, Code: "invalid_response", Description: "token response did not contain an access token"}
	}
	out := &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = id
	}
	return out, nil
}

// VerifyIDToken checks the identity token signature against the document's
// key set, plus its issuer, audience and expiry.
func (c *Client) VerifyIDToken(ctx context.Context, reg *registration.Registration, doc *discovery.Document, raw string) error {
	if doc.JWKSURI == "" {
		return errors.New("discovery document has no jwks_uri")
	}
	issuer := doc.Issuer
	if issuer == "" {
		issuer = reg.Issuer
	}
	verifier := oidc.NewVerifier(issuer, c.keySet(doc.JWKSURI), &oidc.Config{ClientID: reg.ClientID})
	if _, err := verifier.Verify(ctx, raw); err != nil {
		return fmt.Errorf("verify id_token: %w", err)
	}
	return nil
}

func (c *Client) keySet(jwksURI string) *oidc.RemoteKeySet {
	c.mu.Lock()
	defer c.mu.Unlock()
	ks, ok := c.keySets[jwksURI]
	if !ok {
		ks = oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), c.httpClient), jwksURI)
		c.keySets[jwksURI] = ks
	}
	return ks
}
