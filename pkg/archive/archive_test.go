package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	onDisk := filepath.Join(dir, "binary.dat")
	if err := os.WriteFile(onDisk, []byte("payload from disk"), 0o755); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	if err := w.AddBytes("docs/readme.txt", []byte("hello")); err != nil {
		t.Fatalf("AddBytes() error = %v", err)
	}
	if err := w.AddFile("bin/binary.dat", onDisk); err != nil {
		t.Fatalf("AddFile() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got := map[string]string{}
	err = Walk(bytes.NewReader(buf.Bytes()), func(e Entry) error {
		if e.Body == nil {
			return nil
		}
		data, err := io.ReadAll(e.Body)
		if err != nil {
			return err
		}
		got[e.Path] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}

	want := map[string]string{
		"docs/readme.txt": "hello",
		"bin/binary.dat":  "payload from disk",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for path, content := range want {
		if got[path] != content {
			t.Fatalf("entry %q = %q, want %q", path, got[path], content)
		}
	}
}

func TestCreateFromDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "top.txt"), []byte("top"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("nested"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := CreateFromDir(&buf, dir, []string{"top.txt", "sub/nested.txt"}); err != nil {
		t.Fatalf("CreateFromDir() error = %v", err)
	}

	var paths []string
	err := Walk(bytes.NewReader(buf.Bytes()), func(e Entry) error {
		if e.Body != nil {
			paths = append(paths, e.Path)
			if _, err := io.Copy(io.Discard, e.Body); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if len(paths) != 2 || paths[0] != "top.txt" || paths[1] != "sub/nested.txt" {
		t.Fatalf("unexpected paths %v", paths)
	}
}

func TestProbeRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage")
	if err := os.WriteFile(path, []byte("this is not an archive"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Probe(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Probe() error = %v, want ErrInvalid", err)
	}
}

func TestWalkRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)
	content := []byte("evil")
	if err := tw.WriteHeader(&tar.Header{
		Name:     "../escape.txt",
		Mode:     0o644,
		Size:     int64(len(content)),
		Typeflag: tar.TypeReg,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	err = Walk(bytes.NewReader(buf.Bytes()), func(e Entry) error {
		t.Fatalf("callback invoked for unsafe entry %q", e.Path)
		return nil
	})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("Walk() error = %v, want ErrInvalid", err)
	}
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain", "a/b.txt", "a/b.txt", true},
		{"dot prefix", "./a.txt", "a.txt", true},
		{"backslashes", `a\b.txt`, "a/b.txt", true},
		{"root marker", ".", "", true},
		{"absolute", "/etc/passwd", "", false},
		{"parent escape", "../x", "", false},
		{"nested escape", "a/../../x", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := sanitizePath(tt.in)
			if ok != tt.ok {
				t.Fatalf("sanitizePath(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Fatalf("sanitizePath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
