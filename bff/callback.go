package bff

import (
	"context"
	"crypto/subtle"
	"net/http"

	"smartbff/cookieauth"
	"smartbff/ticket"
)

// Callback completes the flow started by Launch and returns the URL to send
// the user agent to. The login state is consumed on every outcome.
func (s *Service) Callback(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, error) {
	defer func() {
		if err := s.login.SignOut(ctx, w, r); err != nil {
			s.logger.Warn("login_state_signout_failed", "error", err)
		}
	}()

	q := r.URL.Query()
	if code := q.Get("error"); code != "" {
		s.metrics.Login("rejected")
		return "", badRequest("Authorization request rejected by authorization server.").
			with("error", code).
			with("errorDescription", q.Get("error_description"))
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		return "", badRequest("Invalid callback parameters.")
	}

	lt, err := s.login.Load(ctx, w, r)
	if err != nil {
		s.logger.Warn("login_state_unreadable", "error", err)
	}
	if lt == nil {
		s.metrics.Login("failed")
		return "", badRequest("Invalid login session.")
	}

	reg, err := s.registrationByID(lt.RegistrationID())
	if err != nil {
		return "", err
	}
	doc, err := s.metadata(ctx, reg)
	if err != nil {
		return "", err
	}

	if subtle.ConstantTimeCompare([]byte(lt.Claim(ClaimState)), []byte(state)) != 1 {
		s.metrics.Login("failed")
		return "", newProblem(http.StatusUnauthorized, "Invalid state.")
	}

	tokens, err := s.client.Exchange(ctx, reg, doc, code, lt.Claim(ClaimCodeVerifier))
	if err != nil {
		s.metrics.Login("rejected")
		return "", upstreamRejected("Token request rejected by authorization server.", err)
	}
	if reg.Options.VerifyIDToken && tokens.IDToken != "" {
		if err := s.client.VerifyIDToken(ctx, reg, doc, tokens.IDToken); err != nil {
			s.metrics.Login("rejected")
			return "", badRequest("Identity token is not valid.").wrap(err)
		}
	}

	session := ticket.New(SessionScheme)
	session.SetClaim(ticket.ClaimRegistrationID, reg.ID)
	applyTokens(session, tokens)
	session.SetItem(cookieauth.ItemSlidingDuration, reg.Options.SlidingSessionDuration.String())
	session.SetItem(cookieauth.ItemMaxDuration, reg.Options.MaxSessionDuration.String())
	if err := s.session.SignIn(ctx, w, r, session); err != nil {
		return "", err
	}

	s.metrics.Login("success")
	s.logger.Info("login", "registration_id", reg.ID, "subject", session.Subject())
	if ret := lt.Claim(ClaimReturnURL); ret != "" {
		return ret, nil
	}
	return "/", nil
}
