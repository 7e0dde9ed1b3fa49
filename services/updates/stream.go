package updates

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StreamKind selects the build and resolve behaviour for a stream.
type StreamKind string

const (
	// KindArchive streams distribute a full file tree; successive uploads
	// are diffed into patch archives.
	KindArchive StreamKind = "archive"
	// KindFile streams distribute a single opaque blob; clients replace it
	// wholesale, so no diffing occurs and version queries answer has-newer.
	KindFile StreamKind = "file"
)

// Stream is one independently versioned distribution target.
type Stream struct {
	Name string     `yaml:"name"`
	Kind StreamKind `yaml:"kind"`
}

// ErrUnknownStream reports a stream name absent from the registry.
var ErrUnknownStream = errors.New("updates: unknown stream")

// ErrReservedStream reports a stream name colliding with internal scratch
// locations.
var ErrReservedStream = errors.New("updates: reserved stream name")

// reservedStreamNames may never be used as stream identifiers; the build
// pipeline owns directories with these names.
var reservedStreamNames = map[string]struct{}{
	"temp":    {},
	"scratch": {},
}

// IsReservedStream reports whether name collides with an internal location.
func IsReservedStream(name string) bool {
	_, ok := reservedStreamNames[strings.ToLower(name)]
	return ok
}

// Registry holds the configured streams, loaded once at startup.
type Registry struct {
	streams map[string]Stream
}

type registryFile struct {
	Streams []Stream `yaml:"streams"`
}

// LoadRegistry parses the YAML stream registry at path.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stream registry: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry builds a Registry from raw YAML.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse stream registry: %w", err)
	}
	if len(file.Streams) == 0 {
		return nil, errors.New("stream registry declares no streams")
	}

	streams := make(map[string]Stream, len(file.Streams))
	for _, s := range file.Streams {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, errors.New("stream with empty name in registry")
		}
		if err := validateStreamName(name); err != nil {
			return nil, err
		}
		switch s.Kind {
		case KindArchive, KindFile:
		case "":
			s.Kind = KindArchive
		default:
			return nil, fmt.Errorf("stream %q: unknown kind %q", name, s.Kind)
		}
		if _, dup := streams[name]; dup {
			return nil, fmt.Errorf("stream %q declared twice", name)
		}
		s.Name = name
		streams[name] = s
	}

	return &Registry{streams: streams}, nil
}

// Lookup resolves a stream by name. Reserved names fail before the registry
// is consulted.
func (r *Registry) Lookup(name string) (Stream, error) {
	if IsReservedStream(name) {
		return Stream{}, ErrReservedStream
	}
	s, ok := r.streams[name]
	if !ok {
		return Stream{}, ErrUnknownStream
	}
	return s, nil
}

func validateStreamName(name string) error {
	if IsReservedStream(name) {
		return fmt.Errorf("%w: %q", ErrReservedStream, name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("stream name %q contains invalid character %q", name, r)
		}
	}
	return nil
}
