package bff

import (
	"context"
	"net/http"

	"smartbff/registration"
	"smartbff/upstream"
)

// Logout revokes the session's tokens when the registration asks for it and
// signs the session out. It returns the URL to redirect to. Revocation is
// best-effort and never prevents the sign-out.
func (s *Service) Logout(ctx context.Context, w http.ResponseWriter, r *http.Request, returnURL string) (string, error) {
	if returnURL == "" {
		returnURL = "/"
	}
	if !registration.IsLocalURL(returnURL) {
		return "", badRequest("Return URL is not valid.")
	}

	t, err := s.session.Load(ctx, w, r)
	if err != nil {
		return "", err
	}
	if t == nil {
		return returnURL, nil
	}
	defer func() {
		if err := s.session.SignOut(ctx, w, r); err != nil {
			s.logger.Warn("session_signout_failed", "error", err)
		}
	}()

	reg, err := s.registrationByID(t.RegistrationID())
	if err != nil {
		return "", err
	}
	if !reg.Options.RevokeOnLogout {
		return returnURL, nil
	}
	doc, err := s.metadata(ctx, reg)
	if err != nil {
		s.logger.Warn("revocation_skipped", "registration_id", reg.ID, "error", err)
		return returnURL, nil
	}
	if doc.RevocationEndpoint == "" {
		return returnURL, nil
	}

	tokens := []upstream.RevocationToken{{Value: t.Claim(ClaimAccessToken), Hint: upstream.HintAccessToken}}
	if rt := t.Claim(ClaimRefreshToken); rt != "" {
		tokens = append(tokens, upstream.RevocationToken{Value: rt, Hint: upstream.HintRefreshToken})
	}
	s.client.Revoke(ctx, reg, doc, tokens)
	s.logger.Info("logout", "registration_id", reg.ID)
	return returnURL, nil
}
