package bff

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"smartbff/httpx"
)

// BasePath is where Mount expects to be routed.
func (s *Service) BasePath() string {
	return s.cfg.BasePath
}

// Mount registers the gateway endpoints on r, relative to the base path.
func (s *Service) Mount(r chi.Router) {
	r.Get("/launch", s.handleLaunch)
	r.Get("/callback/login/{name}", s.handleCallback)
	r.Get("/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(s.RequireAntiforgery)
		r.Get("/session", s.handleSession)
		r.Get("/registrations/{id}/smart-configuration", s.handleSmartConfiguration)
	})
}

func (s *Service) handleLaunch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, err := s.Launch(r.Context(), w, r, LaunchRequest{
		Issuer:        q.Get("iss"),
		Launch:        q.Get("launch"),
		ReturnURL:     q.Get("returnUrl"),
		Discriminator: q.Get("discriminator"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Service) handleCallback(w http.ResponseWriter, r *http.Request) {
	httpx.AddLogAttrs(r.Context(), "callback", chi.URLParam(r, "name"))
	target, err := s.Callback(r.Context(), w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Service) handleSession(w http.ResponseWriter, r *http.Request) {
	resp, err := s.GetSession(r.Context(), w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Service) handleLogout(w http.ResponseWriter, r *http.Request) {
	target, err := s.Logout(r.Context(), w, r, r.URL.Query().Get("returnUrl"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Service) handleSmartConfiguration(w http.ResponseWriter, r *http.Request) {
	reg, err := s.registry.ByID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if reg == nil {
		writeProblem(w, r, newProblem(http.StatusNotFound, "Registration not found."))
		return
	}
	doc, err := s.metadata(r.Context(), reg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, doc)
}
