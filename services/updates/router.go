package updates

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes returns the HTTP surface of the updates service.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1/streams/{stream}", func(r chi.Router) {
		// Uploads run the full build pipeline inline, so they get a far
		// longer deadline than read traffic.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(15 * time.Minute))
			r.Post("/uploads", s.handleUpload)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Get("/version", s.handleVersion)
			r.Get("/updates", s.handleUpdatesSince)
			r.Get("/snapshot", s.handleSnapshot)
			r.Get("/patches/{timestamp}", s.handlePatchArchive)
		})
	})

	return r
}
