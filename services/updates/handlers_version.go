package updates

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// handleVersion reports the latest finalized build for a stream.
func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	stream, err := s.registry.Lookup(chi.URLParam(r, "stream"))
	if err != nil {
		if errors.Is(err, ErrReservedStream) {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		respondError(w, http.StatusNotFound, err)
		return
	}

	latest, err := s.resolver.Latest(r.Context(), stream.Name)
	if err != nil {
		if errors.Is(err, ErrNoUpdates) {
			respondError(w, http.StatusNotFound, errors.New("no finalized builds"))
			return
		}
		s.logger.Printf("ERROR stream %s: resolve latest: %v", stream.Name, err)
		respondError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"stream":    stream.Name,
		"timestamp": latest.Timestamp,
		"version":   latest.Version,
	})
}

// handleUpdatesSince answers "what must a client at timestamp T fetch".
// Archive streams get the ordered list of patch-archive timestamps to apply;
// file streams get a has-newer flag because blobs are replaced wholesale.
func (s *Service) handleUpdatesSince(w http.ResponseWriter, r *http.Request) {
	stream, err := s.registry.Lookup(chi.URLParam(r, "stream"))
	if err != nil {
		if errors.Is(err, ErrReservedStream) {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		respondError(w, http.StatusNotFound, err)
		return
	}

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, errors.New("invalid since parameter"))
			return
		}
	}

	if stream.Kind == KindFile {
		newer, err := s.resolver.HasNewer(r.Context(), stream.Name, since)
		if err != nil {
			s.logger.Printf("ERROR stream %s: resolve has-newer: %v", stream.Name, err)
			respondError(w, http.StatusInternalServerError, errors.New("internal error"))
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"stream":    stream.Name,
			"has_newer": newer,
		})
		return
	}

	patches, err := s.resolver.PatchesSince(r.Context(), stream.Name, since)
	if err != nil {
		s.logger.Printf("ERROR stream %s: resolve patches since %d: %v", stream.Name, since, err)
		respondError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"stream":  stream.Name,
		"since":   since,
		"patches": patches,
	})
}
