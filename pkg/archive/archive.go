// Package archive reads and writes zstd-compressed tar archives, the wire
// format for snapshot uploads and patch bundles.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ErrInvalid reports a payload that is not a readable tar.zst archive.
var ErrInvalid = errors.New("archive: invalid or corrupt archive")

// Entry is one archive member surfaced during a walk. Body is nil for
// directories and must be fully consumed before the callback returns.
type Entry struct {
	Path string
	Mode fs.FileMode
	Size int64
	Body io.Reader
}

// Probe verifies that the file at p decodes as a tar.zst archive end to end
// without materializing anything.
func Probe(p string) error {
	return WalkFile(p, func(e Entry) error {
		if e.Body != nil {
			if _, err := io.Copy(io.Discard, e.Body); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalid, err)
			}
		}
		return nil
	})
}

// Walk streams every regular file and directory of the archive to fn in
// archive order. Symlinks and other special entries are skipped. Entry paths
// are normalized to forward slashes and rejected if they escape the root.
func Walk(r io.Reader, fn func(Entry) error) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}

		clean, ok := sanitizePath(hdr.Name)
		if !ok {
			return fmt.Errorf("%w: unsafe path %q", ErrInvalid, hdr.Name)
		}
		if clean == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fn(Entry{Path: clean, Mode: hdr.FileInfo().Mode()}); err != nil {
				return err
			}
		case tar.TypeReg:
			e := Entry{
				Path: clean,
				Mode: hdr.FileInfo().Mode(),
				Size: hdr.Size,
				Body: tr,
			}
			if err := fn(e); err != nil {
				return err
			}
		default:
			// Symlinks, devices, and the rest never land in a snapshot.
		}
	}
}

// WalkFile opens the archive at p and walks it.
func WalkFile(p string, fn func(Entry) error) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	return Walk(f, fn)
}

// sanitizePath normalizes a tar member name and rejects absolute paths and
// parent-directory traversal.
func sanitizePath(name string) (string, bool) {
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if clean == "." || clean == "/" {
		return "", true
	}
	clean = strings.TrimPrefix(clean, "./")
	if strings.HasPrefix(clean, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}

// Writer produces a tar.zst archive.
type Writer struct {
	zw *zstd.Encoder
	tw *tar.Writer
}

// NewWriter wraps w. Close must be called to flush both layers.
func NewWriter(w io.Writer) (*Writer, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return nil, err
	}
	return &Writer{zw: zw, tw: tar.NewWriter(zw)}, nil
}

// AddBytes writes an in-memory file under name with 0644 permissions.
func (w *Writer) AddBytes(name string, data []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		Typeflag: tar.TypeReg,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := w.tw.Write(data)
	return err
}

// AddFile writes the file at src under name.
func (w *Writer) AddFile(name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:     name,
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		Typeflag: tar.TypeReg,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(w.tw, f)
	return err
}

// Close flushes the tar stream and the zstd frame, in that order.
func (w *Writer) Close() error {
	if err := w.tw.Close(); err != nil {
		w.zw.Close()
		return err
	}
	return w.zw.Close()
}

// CreateFromDir streams an archive of the named files under dir to w. Paths
// use forward slashes relative to dir.
func CreateFromDir(w io.Writer, dir string, paths []string) error {
	aw, err := NewWriter(w)
	if err != nil {
		return err
	}
	for _, rel := range paths {
		src := filepath.Join(dir, filepath.FromSlash(rel))
		if err := aw.AddFile(rel, src); err != nil {
			aw.Close()
			return fmt.Errorf("add %s: %w", rel, err)
		}
	}
	return aw.Close()
}
