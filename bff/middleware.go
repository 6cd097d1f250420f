package bff

import (
	"context"
	"net/http"

	"smartbff/httpx"
)

// RequireAntiforgery rejects requests without the configured CSRF header
// before any authentication runs. Browsers cannot add custom headers to
// cross-site navigations or simple form posts.
func (s *Service) RequireAntiforgery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(s.cfg.CSRFHeaderName) != s.cfg.CSRFHeaderValue {
			s.logger.Warn("csrf_rejected", "path", r.URL.Path)
			writeProblem(w, r, newProblem(http.StatusUnauthorized, "CSRF protection failure."))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Principal is the signed-in user as seen by host endpoints.
type Principal struct {
	Subject        string
	RegistrationID string
	AccessToken    string
}

type principalKey struct{}

// RequireSession lets host endpoints demand a session. Requests without one
// get an empty 401. The access token is not refreshed here.
func (s *Service) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, err := s.session.Authenticate(r.Context(), w, r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if t == nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p := Principal{
			Subject:        t.Subject(),
			RegistrationID: t.RegistrationID(),
			AccessToken:    t.Claim(ClaimAccessToken),
		}
		httpx.AddLogAttrs(r.Context(), "registration_id", p.RegistrationID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// SessionFromContext returns the principal set by RequireSession.
func SessionFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
