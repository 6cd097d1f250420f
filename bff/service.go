// Package bff implements the SMART on FHIR backend-for-frontend flows: launch,
// callback, session access with token refresh, and logout.
package bff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"smartbff/cookieauth"
	"smartbff/discovery"
	"smartbff/lock"
	"smartbff/protect"
	"smartbff/registration"
	"smartbff/telemetry"
	"smartbff/ticket"
	"smartbff/upstream"
)

// Credential schemes.
const (
	LoginScheme   = "SmartBff.Login"
	SessionScheme = "SmartBff.Session"

	LoginCookieName   = "smartbff.login"
	SessionCookieName = "smartbff.session"
)

// Claims carried by login and session tickets.
const (
	ClaimAccessToken          = "sb_access_token"
	ClaimRefreshToken         = "sb_refresh_token"
	ClaimIDToken              = "sb_id_token"
	ClaimAccessTokenExpiresAt = "sb_access_token_expires_at"
	ClaimReturnURL            = "sb_return_url"
	ClaimLoginCallback        = "sb_login_callback"
	ClaimCodeVerifier         = "sb_claim_verifier"
	ClaimState                = "sb_state"
)

// Cookie protection purposes.
const (
	purposeLoginCookie   = "SmartBff.Cookies.Login.v1"
	purposeSessionCookie = "SmartBff.Cookies.Session.v1"
)

// Defaults for Config.
const (
	DefaultBasePath                    = "/smart-bff"
	DefaultLoginCookieDuration         = 10 * time.Minute
	DefaultAccessTokenRefreshThreshold = 0.8
	DefaultCSRFHeaderName              = "X-CSRF"
	DefaultCSRFHeaderValue             = "1"
	defaultSessionDuration             = time.Hour
)

// errNoSession marks requests without a valid session. It is answered with an
// empty 401.
var errNoSession = errors.New("no session")

// Config is the gateway policy.
type Config struct {
	BasePath                    string
	LoginCookieDuration         time.Duration
	AccessTokenRefreshThreshold float64
	CSRFHeaderName              string
	CSRFHeaderValue             string
	AllowLaunchDiscriminator    bool
	CookieDomain                string
	SecureCookies               bool
	Clock                       func() time.Time
}

func (c Config) withDefaults() Config {
	if c.BasePath == "" {
		c.BasePath = DefaultBasePath
	}
	if c.LoginCookieDuration <= 0 {
		c.LoginCookieDuration = DefaultLoginCookieDuration
	}
	if c.AccessTokenRefreshThreshold <= 0 || c.AccessTokenRefreshThreshold > 1 {
		c.AccessTokenRefreshThreshold = DefaultAccessTokenRefreshThreshold
	}
	if c.CSRFHeaderName == "" {
		c.CSRFHeaderName = DefaultCSRFHeaderName
	}
	if c.CSRFHeaderValue == "" {
		c.CSRFHeaderValue = DefaultCSRFHeaderValue
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Discovery resolves validated metadata for a registration.
type Discovery interface {
	Get(ctx context.Context, reg *registration.Registration) (*discovery.Document, []string, error)
}

// KeyRing hands out purpose-bound protectors.
type KeyRing interface {
	Protector(purpose string) *protect.Protector
}

// Deps are the collaborators of a Service.
type Deps struct {
	Registry  *registration.Registry
	Discovery Discovery
	Upstream  *upstream.Client
	Keys      KeyRing
	// Store keeps session tickets server-side. Nil keeps them in the cookie.
	Store   ticket.Store
	Locks   lock.Provider
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Service coordinates the authorization flows.
type Service struct {
	cfg       Config
	registry  *registration.Registry
	discovery Discovery
	client    *upstream.Client
	store     ticket.Store
	locks     lock.Provider
	login     *cookieauth.Scheme
	session   *cookieauth.Scheme
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// New wires a Service.
func New(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	locks := deps.Locks
	if locks == nil {
		locks = lock.NewMemoryProvider()
	}

	login := cookieauth.New(cookieauth.Options{
		Scheme:         LoginScheme,
		CookieName:     LoginCookieName,
		Domain:         cfg.CookieDomain,
		Secure:         cfg.SecureCookies,
		ExpireTimeSpan: cfg.LoginCookieDuration,
		Clock:          cfg.Clock,
	}, deps.Keys.Protector(purposeLoginCookie), logger)

	session := cookieauth.New(cookieauth.Options{
		Scheme:            SessionScheme,
		CookieName:        SessionCookieName,
		Domain:            cfg.CookieDomain,
		Secure:            cfg.SecureCookies,
		ExpireTimeSpan:    defaultSessionDuration,
		SlidingExpiration: true,
		Store:             deps.Store,
		Clock:             cfg.Clock,
	}, deps.Keys.Protector(purposeSessionCookie), logger)

	return &Service{
		cfg:       cfg,
		registry:  deps.Registry,
		discovery: deps.Discovery,
		client:    deps.Upstream,
		store:     deps.Store,
		locks:     locks,
		login:     login,
		session:   session,
		logger:    logger,
		metrics:   deps.Metrics,
	}
}

func (s *Service) now() time.Time {
	return s.cfg.Clock()
}

// registrationByID resolves the registration named in a ticket. A missing
// registration is a configuration error, never a client error.
func (s *Service) registrationByID(id string) (*registration.Registration, error) {
	reg, err := s.registry.ByID(id)
	if err != nil {
		return nil, fmt.Errorf("resolve registration %q: %w", id, err)
	}
	if reg == nil {
		return nil, fmt.Errorf("registration %q is not configured", id)
	}
	return reg, nil
}

// metadata returns the validated discovery document or a problem.
func (s *Service) metadata(ctx context.Context, reg *registration.Registration) (*discovery.Document, error) {
	doc, errs, err := s.discovery.Get(ctx, reg)
	if err != nil {
		return nil, metadataUnavailable(err)
	}
	if len(errs) > 0 {
		return nil, invalidMetadata(errs)
	}
	return doc, nil
}

// applyTokens copies a token response onto a session ticket.
func applyTokens(t *ticket.Ticket, tokens *upstream.Tokens) {
	t.SetClaim(ClaimAccessToken, tokens.AccessToken)
	t.SetClaim(ClaimIDToken, tokens.IDToken)
	t.SetClaim(ClaimRefreshToken, tokens.RefreshToken)

	expiresAt := ""
	if _, _, ok := upstream.Lifetime(tokens.AccessToken); !ok && !tokens.Expiry.IsZero() {
		expiresAt = tokens.Expiry.UTC().Format(time.RFC3339)
	}
	t.SetClaim(ClaimAccessTokenExpiresAt, expiresAt)

	if name := upstream.SubjectName(tokens.IDToken, tokens.AccessToken); name != "" {
		t.SetClaim(ticket.ClaimName, name)
	}
}

// fail writes err as the response.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errNoSession) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var p *Problem
	if !errors.As(err, &p) {
		s.logger.Error("request_failed", "path", r.URL.Path, "error", err)
		p = newProblem(http.StatusInternalServerError, "An unexpected error occurred.")
	} else if p.Status >= 500 {
		s.logger.Error("request_failed", "path", r.URL.Path, "status", p.Status, "error", p)
	} else {
		s.logger.Warn("request_rejected", "path", r.URL.Path, "status", p.Status, "error", p)
	}
	writeProblem(w, r, p)
}
