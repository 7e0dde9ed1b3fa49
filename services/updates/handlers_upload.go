package updates

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"deltad/pkg/archive"
)

// maxUploadMemory bounds how much of a multipart body is buffered in memory
// before spilling to temp files.
const maxUploadMemory = 32 << 20

// handleUpload ingests a snapshot for a stream and runs the build pipeline
// inline. The response is the finalized ledger row.
func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	stream, err := s.registry.Lookup(chi.URLParam(r, "stream"))
	if err != nil {
		if errors.Is(err, ErrReservedStream) {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		respondError(w, http.StatusNotFound, err)
		return
	}

	ok, err := s.gate.Authorize(r.Context(), uploadToken(r), sourceAddr(r))
	if err != nil {
		s.logger.Printf("ERROR stream %s: authorize upload: %v", stream.Name, err)
		respondError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	if !ok {
		s.metrics.incAuthDenied()
		// Deliberately identical for bad tokens and lockouts.
		respondError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		respondError(w, http.StatusBadRequest, errors.New("malformed multipart body"))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("missing file field"))
		return
	}
	defer file.Close()
	version := r.FormValue("version")

	update, err := s.pipeline.Begin(r.Context(), stream, file, time.Now().UTC().Unix(), version)
	if err != nil {
		switch {
		case errors.Is(err, ErrBuildInFlight):
			respondError(w, http.StatusConflict, err)
		case errors.Is(err, archive.ErrInvalid):
			respondError(w, http.StatusBadRequest, err)
		default:
			s.logger.Printf("ERROR stream %s: build failed: %v", stream.Name, err)
			respondError(w, http.StatusInternalServerError, errors.New("build failed"))
		}
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"update": update})
}

// uploadToken extracts the presented secret from the Authorization header or
// the X-Upload-Token fallback.
func uploadToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return tok
		}
	}
	return r.Header.Get("X-Upload-Token")
}

// sourceAddr returns the client IP. The RealIP middleware has already folded
// proxy headers into RemoteAddr.
func sourceAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
