package upstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"smartbff/discovery"
	"smartbff/registration"
)

// Token type hints sent to the revocation endpoint.
const (
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

// RevocationToken is one token to revoke.
type RevocationToken struct {
	Value string
	Hint  string
}

// RevocationResult is informational; failures never block logout.
type RevocationResult struct {
	Hint       string
	StatusCode int
	Err        error
}

// Revoke sends every token to the revocation endpoint in parallel and
// returns one result per token, in order.
func (c *Client) Revoke(ctx context.Context, reg *registration.Registration, doc *discovery.Document, tokens []RevocationToken) []RevocationResult {
	results := make([]RevocationResult, len(tokens))
	var g errgroup.Group
	for i, tok := range tokens {
		g.Go(func() error {
			status, err := c.revoke(ctx, reg, doc.RevocationEndpoint, tok)
			results[i] = RevocationResult{Hint: tok.Hint, StatusCode: status, Err: err}
			if err != nil {
				c.metrics.Revocation("failed")
				c.logger.Warn("token_revocation_failed", "registration_id", reg.ID, "token_type", tok.Hint, "status", status, "error", err)
				return nil
			}
			c.metrics.Revocation("success")
			c.logger.Debug("token_revoked", "registration_id", reg.ID, "token_type", tok.Hint)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Client) revoke(ctx context.Context, reg *registration.Registration, endpoint string, tok RevocationToken) (int, error) {
	form := url.Values{"token": {tok.Value}, "token_type_hint": {tok.Hint}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Authorization", basicAuth(reg.ClientID, reg.ClientSecret, reg.Options.RevocationAuthHeaderStyle))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("revocation request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("revocation endpoint returned %s", resp.Status)
	}
	return resp.StatusCode, nil
}

func basicAuth(clientID, secret string, style registration.HeaderStyle) string {
	if style != registration.HeaderStyleRFC2617 {
		clientID = url.QueryEscape(clientID)
		secret = url.QueryEscape(secret)
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(clientID+":"+secret))
}
