package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the collector's REST API.
//
// Route layout:
//
//	GET /healthz              – liveness probe (no authentication required)
//	GET /api/v1/findings      – paginated finding query (JWT required)
//	GET /api/v1/scanners      – list all scanners (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation — intended for local
// development and for tests covering only request parsing / response
// formatting.
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

		r.Get("/findings", srv.handleGetFindings)
		r.Get("/scanners", srv.handleGetScanners)
	})

	return r
}
