package updates

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"deltad/pkg/archive"
)

// handleSnapshot streams the full current snapshot. Archive streams are
// packaged on the fly from the live tree; file streams serve the blob
// directly.
func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	stream, err := s.registry.Lookup(chi.URLParam(r, "stream"))
	if err != nil {
		if errors.Is(err, ErrReservedStream) {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		respondError(w, http.StatusNotFound, err)
		return
	}

	if stream.Kind == KindFile {
		blob := s.layout.liveBlob(stream.Name)
		if _, err := os.Stat(blob); err != nil {
			respondError(w, http.StatusNotFound, errors.New("no snapshot available"))
			return
		}
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", stream.Name+".bin"))
		http.ServeFile(w, r, blob)
		return
	}

	m, err := s.manifests.Load(stream.Name)
	if err != nil {
		if errors.Is(err, ErrNoManifest) {
			respondError(w, http.StatusNotFound, errors.New("no snapshot available"))
			return
		}
		s.logger.Printf("ERROR stream %s: load manifest: %v", stream.Name, err)
		respondError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s-%d.tar.zst", stream.Name, m.Timestamp)))

	if err := archive.CreateFromDir(w, s.layout.liveDir(stream.Name), m.Paths); err != nil {
		// Headers are already out; all we can do is log the broken stream.
		s.logger.Printf("ERROR stream %s: stream snapshot: %v", stream.Name, err)
	}
}

// handlePatchArchive serves one retained patch archive. When the local copy
// is gone but an S3 mirror is configured, the client is redirected to a
// presigned URL.
func (s *Service) handlePatchArchive(w http.ResponseWriter, r *http.Request) {
	stream, err := s.registry.Lookup(chi.URLParam(r, "stream"))
	if err != nil {
		if errors.Is(err, ErrReservedStream) {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		respondError(w, http.StatusNotFound, err)
		return
	}

	ts, err := strconv.ParseInt(chi.URLParam(r, "timestamp"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid timestamp"))
		return
	}

	path := s.layout.patchArchive(stream.Name, ts)
	if _, statErr := os.Stat(path); statErr == nil {
		w.Header().Set("Content-Type", "application/zstd")
		http.ServeFile(w, r, path)
		return
	}

	if s.store.S3 != nil && s.config.PatchBucket != "" {
		url, presignErr := s.store.S3.PresignGet(r.Context(), s.config.PatchBucket,
			patchObjectKey(stream.Name, ts), 15*time.Minute)
		if presignErr == nil {
			http.Redirect(w, r, url, http.StatusFound)
			return
		}
		s.logger.Printf("WARN stream %s: presign patch %d: %v", stream.Name, ts, presignErr)
	}

	respondError(w, http.StatusNotFound, errors.New("patch archive not found"))
}
