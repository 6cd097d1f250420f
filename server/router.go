package server

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smartbff/httpx"
)

// Routes constructs the HTTP router with the gateway mounted under its base path.
func (a *App) Routes() http.Handler {
	return a.Router()
}

// Router is Routes for hosts that add their own endpoints next to the gateway.
func (a *App) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(httpx.RequestID)
	r.Use(httpx.Logging(a.Logger))
	r.Use(httpx.Recovery(a.Logger, a.Config.Server.DevMode))
	r.Use(httpx.CORS(httpx.CORSConfig{
		AllowedOrigins: a.Config.Server.CORS.AllowedOrigins,
		AllowedMethods: DefaultCORSAllowedMethods,
		AllowedHeaders: append(slices.Clone(DefaultCORSAllowedHeaders), a.Config.BFF.CSRF.HeaderName),
	}))
	if !a.Config.Server.DevMode {
		r.Use(httpx.SecurityHeaders(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealth)
	if a.Config.Metrics.Enabled {
		r.Handle(a.Config.Metrics.Path, promhttp.HandlerFor(a.Prom, promhttp.HandlerOpts{Registry: a.Prom}))
	}

	r.Route(a.BFF.BasePath(), a.BFF.Mount)

	return r
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
