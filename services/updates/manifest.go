package updates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrNoManifest reports that a stream has no accepted snapshot yet.
var ErrNoManifest = errors.New("updates: no manifest for stream")

// Manifest is the ordered list of relative paths comprising a stream's
// current snapshot. It is replaced wholesale at promotion time and read by
// the next build's classification step.
type Manifest struct {
	Stream    string   `yaml:"stream"`
	Timestamp int64    `yaml:"timestamp"`
	Paths     []string `yaml:"paths"`
}

// Contains reports whether rel is part of the snapshot.
func (m *Manifest) Contains(rel string) bool {
	for _, p := range m.Paths {
		if p == rel {
			return true
		}
	}
	return false
}

// ManifestStore persists one manifest file per stream under the data dir.
// Only the build pipeline writes manifests, and only at promotion time.
type ManifestStore struct {
	layout layout
}

// NewManifestStore creates a store rooted at dataDir.
func NewManifestStore(dataDir string) *ManifestStore {
	return &ManifestStore{layout: layout{root: dataDir}}
}

// Load reads the current manifest for stream. ErrNoManifest is returned when
// the stream has never finalized a build.
func (s *ManifestStore) Load(stream string) (*Manifest, error) {
	data, err := os.ReadFile(s.layout.manifestPath(stream))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoManifest
		}
		return nil, fmt.Errorf("read manifest for %q: %w", stream, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest for %q: %w", stream, err)
	}
	return &m, nil
}

// Save atomically replaces the manifest for stream via a temp-file rename.
func (s *ManifestStore) Save(stream string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest for %q: %w", stream, err)
	}

	path := s.layout.manifestPath(stream)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create stream dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest for %q: %w", stream, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace manifest for %q: %w", stream, err)
	}
	return nil
}
