package bff

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"smartbff/ticket"
	"smartbff/upstream"
)

const maxRenewAttempts = 3

// SessionResponse is the body returned to the browser application.
type SessionResponse struct {
	Name        string  `json:"name"`
	AccessToken string  `json:"accessToken"`
	IDToken     *string `json:"idToken"`
}

// GetSession returns the current session, refreshing the access token first
// when it is near expiry. The cookie is only reissued once the refresh
// decision is made, so a request turned away by the lock writes nothing.
func (s *Service) GetSession(ctx context.Context, w http.ResponseWriter, r *http.Request) (*SessionResponse, error) {
	t, err := s.session.Load(ctx, w, r)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errNoSession
	}

	if t.Claim(ClaimRefreshToken) != "" && s.needsRefresh(t) {
		t, err = s.refresh(ctx, w, r, t)
	} else {
		t, err = s.session.Slide(ctx, w, r, t)
	}
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errNoSession
	}

	out := &SessionResponse{
		Name:        t.Subject(),
		AccessToken: t.Claim(ClaimAccessToken),
	}
	if id := t.Claim(ClaimIDToken); id != "" {
		out.IDToken = &id
	}
	return out, nil
}

func (s *Service) needsRefresh(t *ticket.Ticket) bool {
	iat, exp, ok := upstream.Lifetime(t.Claim(ClaimAccessToken))
	if !ok {
		raw := t.Claim(ClaimAccessTokenExpiresAt)
		if raw == "" {
			return false
		}
		var err error
		if exp, err = time.Parse(time.RFC3339, raw); err != nil {
			return false
		}
		iat = time.Time{}
	}
	return upstream.NeedsRefresh(s.now(), iat, exp, s.cfg.AccessTokenRefreshThreshold)
}

// refresh runs the refresh grant under the session's lock. A request that
// cannot take the lock fails with 429 instead of waiting.
func (s *Service) refresh(ctx context.Context, w http.ResponseWriter, r *http.Request, t *ticket.Ticket) (*ticket.Ticket, error) {
	name := "refresh:" + lockScope(t)
	h, err := s.locks.TryAcquire(ctx, name)
	if err != nil {
		return nil, err
	}
	if h == nil {
		s.metrics.Refresh("conflict")
		s.logger.Warn("refresh_conflict", "registration_id", t.RegistrationID())
		return nil, refreshConflict()
	}
	defer func() {
		if err := h.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("refresh_lock_release_failed", "error", err)
		}
	}()

	// Another request may have refreshed between our read and the lock.
	if s.store != nil && t.Key != "" {
		current, err := s.store.Retrieve(ctx, t.Key)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, errNoSession
		}
		current.Key = t.Key
		t = current
		if t.Claim(ClaimRefreshToken) == "" || !s.needsRefresh(t) {
			return t, nil
		}
	}

	reg, err := s.registrationByID(t.RegistrationID())
	if err != nil {
		return nil, err
	}
	doc, err := s.metadata(ctx, reg)
	if err != nil {
		return nil, err
	}

	tokens, err := s.client.Refresh(ctx, reg, doc, t.Claim(ClaimRefreshToken))
	if err != nil {
		s.metrics.Refresh("failed")
		if signOutErr := s.session.SignOut(ctx, w, r); signOutErr != nil {
			s.logger.Warn("session_signout_failed", "error", signOutErr)
		}
		return nil, upstreamRejected("Token request rejected by authorization server.", err)
	}
	if tokens.IDToken == "" {
		tokens.IDToken = t.Claim(ClaimIDToken)
	}

	next := t.Clone()
	applyTokens(next, tokens)
	err = s.session.SignIn(ctx, w, r, next)
	for attempt := 1; errors.Is(err, ticket.ErrConcurrentUpdate) && attempt < maxRenewAttempts; attempt++ {
		// A sliding reissue outside the lock moved the record; the tokens
		// just obtained still have to land on top of it.
		current, rerr := s.store.Retrieve(ctx, t.Key)
		if rerr != nil {
			return nil, rerr
		}
		if current == nil {
			return nil, errNoSession
		}
		next = current.Clone()
		next.Key = t.Key
		applyTokens(next, tokens)
		err = s.session.SignIn(ctx, w, r, next)
	}
	if err != nil {
		return nil, err
	}
	s.metrics.Refresh("success")
	s.logger.Info("session_refreshed", "registration_id", reg.ID)
	return next, nil
}

// lockScope names the session for locking: its store key, or a hash of the
// refresh token when the whole ticket lives in the cookie.
func lockScope(t *ticket.Ticket) string {
	if t.Key != "" {
		return t.Key
	}
	sum := sha256.Sum256([]byte(t.Claim(ClaimRefreshToken)))
	return hex.EncodeToString(sum[:])
}
