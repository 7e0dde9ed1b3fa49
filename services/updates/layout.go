package updates

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// layout maps (stream, timestamp) coordinates onto the data directory. Every
// stream owns a disjoint subtree, so concurrent builds of different streams
// never touch each other's paths.
//
//	<root>/streams/<name>/current/            live snapshot (archive kind)
//	<root>/streams/<name>/current.bin         live blob (file kind)
//	<root>/streams/<name>/scratch/<ts>/       extraction scratch for one build
//	<root>/streams/<name>/scratch/<ts>-patch/ patch payload staging
//	<root>/streams/<name>/patches/<ts>.tar.zst retained patch archives
//	<root>/streams/<name>/manifest.yaml       current snapshot manifest
type layout struct {
	root string
}

func (l layout) streamDir(stream string) string {
	return filepath.Join(l.root, "streams", stream)
}

func (l layout) liveDir(stream string) string {
	return filepath.Join(l.streamDir(stream), "current")
}

func (l layout) liveBlob(stream string) string {
	return filepath.Join(l.streamDir(stream), "current.bin")
}

func (l layout) scratchDir(stream string, ts int64) string {
	return filepath.Join(l.streamDir(stream), "scratch", strconv.FormatInt(ts, 10))
}

func (l layout) stagingDir(stream string, ts int64) string {
	return filepath.Join(l.streamDir(stream), "scratch", fmt.Sprintf("%d-patch", ts))
}

func (l layout) uploadSpool(stream string, ts int64) string {
	return filepath.Join(l.streamDir(stream), "scratch", fmt.Sprintf("%d.upload", ts))
}

func (l layout) patchArchive(stream string, ts int64) string {
	return filepath.Join(l.streamDir(stream), "patches", fmt.Sprintf("%d.tar.zst", ts))
}

func (l layout) manifestPath(stream string) string {
	return filepath.Join(l.streamDir(stream), "manifest.yaml")
}

// patchObjectKey is the S3 key a patch archive is mirrored under.
func patchObjectKey(stream string, ts int64) string {
	return fmt.Sprintf("patches/%s/%d.tar.zst", stream, ts)
}
