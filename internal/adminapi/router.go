package adminapi

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the daemon's admin API.
//
// Route layout:
//
//	GET /healthz              – liveness probe (no authentication required)
//	GET /api/v1/policy        – currently loaded rule table (JWT + "policy:read")
//	GET /api/v1/history       – invocation history query (JWT + "history:read")
//	GET /api/v1/spool         – local spool depth (JWT + "spool:read")
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation (and the per-route scope
// checks that depend on it), useful in tests that cover only request parsing
// and response formatting.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		scoped := func(scope string, h http.HandlerFunc) http.HandlerFunc {
			if pubKey == nil {
				return h
			}
			return RequireScope(scope)(h).ServeHTTP
		}

		r.Get("/policy", scoped("policy:read", srv.handleGetPolicy))
		r.Get("/history", scoped("history:read", srv.handleGetHistory))
		r.Get("/spool", scoped("spool:read", srv.handleGetSpool))
	})

	return r
}
