package updates

import (
	"errors"
	"testing"
)

func TestParseRegistry(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name: "valid registry",
			input: `streams:
  - name: app
    kind: archive
  - name: launcher
    kind: file
`,
		},
		{
			name: "kind defaults to archive",
			input: `streams:
  - name: app
`,
		},
		{
			name:    "empty registry",
			input:   `streams: []`,
			wantErr: true,
		},
		{
			name: "duplicate stream",
			input: `streams:
  - name: app
  - name: app
`,
			wantErr: true,
		},
		{
			name: "reserved name",
			input: `streams:
  - name: temp
`,
			wantErr: true,
		},
		{
			name: "invalid character",
			input: `streams:
  - name: My App
`,
			wantErr: true,
		},
		{
			name: "unknown kind",
			input: `streams:
  - name: app
    kind: rsync
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRegistry() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseRegistryDefaultKind(t *testing.T) {
	reg, err := ParseRegistry([]byte("streams:\n  - name: app\n"))
	if err != nil {
		t.Fatalf("ParseRegistry() error = %v", err)
	}
	s, err := reg.Lookup("app")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if s.Kind != KindArchive {
		t.Fatalf("Kind = %q, want %q", s.Kind, KindArchive)
	}
}

func TestLookup(t *testing.T) {
	reg, err := ParseRegistry([]byte("streams:\n  - name: app\n"))
	if err != nil {
		t.Fatalf("ParseRegistry() error = %v", err)
	}

	if _, err := reg.Lookup("nope"); !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("Lookup(nope) error = %v, want ErrUnknownStream", err)
	}
	if _, err := reg.Lookup("scratch"); !errors.Is(err, ErrReservedStream) {
		t.Fatalf("Lookup(scratch) error = %v, want ErrReservedStream", err)
	}
	if _, err := reg.Lookup("TEMP"); !errors.Is(err, ErrReservedStream) {
		t.Fatalf("Lookup(TEMP) error = %v, want ErrReservedStream", err)
	}
}
