package bff

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"smartbff/registration"
	"smartbff/ticket"
)

// LaunchRequest are the launch query parameters.
type LaunchRequest struct {
	Issuer        string
	Launch        string
	ReturnURL     string
	Discriminator string
}

// Launch starts the authorization code flow and returns the authorization
// request URL. The login state travels in the login cookie.
func (s *Service) Launch(ctx context.Context, w http.ResponseWriter, r *http.Request, in LaunchRequest) (string, error) {
	if in.Issuer == "" || !registration.IsAbsoluteURL(in.Issuer, false) {
		return "", badRequest("Issuer must be a valid URL.")
	}
	if in.ReturnURL == "" {
		in.ReturnURL = "/"
	}
	if !registration.IsLocalURL(in.ReturnURL) {
		return "", badRequest("Return URL is not valid.")
	}

	reg, err := s.launchRegistration(in)
	if err != nil {
		return "", err
	}
	doc, err := s.metadata(ctx, reg)
	if err != nil {
		return "", err
	}

	verifier := oauth2.GenerateVerifier()
	state := rand.Text()

	lt := ticket.New(LoginScheme)
	lt.SetClaim(ticket.ClaimRegistrationID, reg.ID)
	lt.SetClaim(ClaimLoginCallback, reg.LoginCallbackURL)
	lt.SetClaim(ClaimCodeVerifier, verifier)
	lt.SetClaim(ClaimState, state)
	lt.SetClaim(ClaimReturnURL, in.ReturnURL)
	if err := s.login.SignIn(ctx, w, r, lt); err != nil {
		return "", err
	}

	s.logger.Debug("launch", "registration_id", reg.ID, "has_launch", in.Launch != "")
	return s.client.AuthCodeURL(reg, doc, state, verifier, in.Launch), nil
}

func (s *Service) launchRegistration(in LaunchRequest) (*registration.Registration, error) {
	var reg *registration.Registration
	var err error
	if s.cfg.AllowLaunchDiscriminator && in.Discriminator != "" {
		reg, err = s.registry.ByIssuerAndDiscriminator(in.Issuer, in.Discriminator)
	} else {
		reg, err = s.registry.ByIssuer(in.Issuer)
	}
	// Ambiguity is a configuration bug and surfaces as a server error.
	if err != nil {
		return nil, fmt.Errorf("resolve registration for issuer %s: %w", in.Issuer, err)
	}
	if reg == nil {
		return nil, badRequest("Issuer is not registered.")
	}
	return reg, nil
}
