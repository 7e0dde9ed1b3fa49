package updates

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"

	"deltad/pkg/archive"
	"deltad/pkg/bus"
	"deltad/pkg/checksum"
	gos3 "deltad/pkg/s3"
)

const updateFinalizedSubject = "deltad.updates.finalized"

// Differ computes and applies byte-level binary diffs via an external tool.
type Differ interface {
	Diff(ctx context.Context, oldPath, newPath, patchPath string) error
	Apply(ctx context.Context, oldPath, patchPath, outPath string) error
}

// PipelineConfig carries the optional collaborators of a Pipeline.
type PipelineConfig struct {
	DataDir     string
	Signer      *Signer
	Logger      *log.Logger
	Metrics     *Metrics
	Bus         *bus.Bus
	S3          *gos3.Client
	PatchBucket string
}

// Pipeline ingests uploaded snapshots, diffs them against the previous
// accepted snapshot, packages patch artifacts, and promotes the new snapshot
// to current. Builds for one stream are serialized by a per-stream mutex held
// for the full build; the ledger's conditional insert is the durable backstop
// for multi-process deployments.
type Pipeline struct {
	ledger    Ledger
	manifests *ManifestStore
	differ    Differ
	layout    layout
	locks     *kmutex.Kmutex

	signer  *Signer
	logger  *log.Logger
	metrics *Metrics
	bus     *bus.Bus
	s3      *gos3.Client
	bucket  string
}

// NewPipeline validates dependencies and builds a Pipeline.
func NewPipeline(ledger Ledger, manifests *ManifestStore, differ Differ, cfg PipelineConfig) (*Pipeline, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if manifests == nil {
		return nil, errors.New("manifest store is required")
	}
	if differ == nil {
		return nil, errors.New("differ is required")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("data dir is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	return &Pipeline{
		ledger:    ledger,
		manifests: manifests,
		differ:    differ,
		layout:    layout{root: cfg.DataDir},
		locks:     kmutex.New(),
		signer:    cfg.Signer,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		bus:       cfg.Bus,
		s3:        cfg.S3,
		bucket:    cfg.PatchBucket,
	}, nil
}

// Begin runs one build attempt for stream from the uploaded payload.
// Timestamp is the creation time of the build and becomes the external
// version identifier; it is bumped if it would not exceed the previous
// finalized build's.
//
// The payload is validated as an archive before any ledger row exists, so a
// rejected upload leaves no state behind. After the row is created there is
// no automatic rollback: a failed build leaves its row non-Finalized and the
// stream blocked until an operator clears it.
func (p *Pipeline) Begin(ctx context.Context, stream Stream, payload io.Reader, timestamp int64, declaredVersion string) (*Update, error) {
	if IsReservedStream(stream.Name) {
		return nil, ErrReservedStream
	}

	p.locks.Lock(stream.Name)
	defer p.locks.Unlock(stream.Name)

	latest, err := p.ledger.LatestFinalized(ctx, stream.Name)
	switch {
	case err == nil:
		if timestamp <= latest.Timestamp {
			timestamp = latest.Timestamp + 1
		}
	case errors.Is(err, ErrNoUpdates):
	default:
		return nil, err
	}

	start := time.Now()
	var u *Update
	if stream.Kind == KindFile {
		u, err = p.buildBlob(ctx, stream, payload, timestamp, declaredVersion)
	} else {
		u, err = p.buildArchive(ctx, stream, payload, timestamp, declaredVersion)
	}
	if err != nil {
		if !errors.Is(err, ErrBuildInFlight) && !errors.Is(err, archive.ErrInvalid) {
			p.metrics.observeBuild(stream.Name, "failed", time.Since(start))
		}
		return nil, err
	}

	p.metrics.observeBuild(stream.Name, "finalized", time.Since(start))
	p.publishFinalized(ctx, u)
	return u, nil
}

func (p *Pipeline) buildArchive(ctx context.Context, stream Stream, payload io.Reader, ts int64, declaredVersion string) (*Update, error) {
	name := stream.Name
	spool := p.layout.uploadSpool(name, ts)
	if err := spoolPayload(spool, payload); err != nil {
		return nil, err
	}
	defer os.Remove(spool)

	// Reject before any ledger row exists.
	if err := archive.Probe(spool); err != nil {
		return nil, err
	}

	id, err := p.ledger.Begin(ctx, name, ts)
	if err != nil {
		return nil, err
	}

	scratch := p.layout.scratchDir(name, ts)
	newFiles, skippedEntries, err := p.extract(spool, scratch)
	if err != nil {
		return nil, fmt.Errorf("extract upload for %q: %w", name, err)
	}
	if err := p.ledger.SetState(ctx, id, StateExtracted); err != nil {
		return nil, err
	}

	prev, err := p.manifests.Load(name)
	if errors.Is(err, ErrNoManifest) {
		return p.promoteBootstrap(ctx, id, name, ts, scratch, newFiles, skippedEntries, declaredVersion)
	}
	if err != nil {
		return nil, err
	}

	return p.promoteIncremental(ctx, id, name, ts, scratch, newFiles, skippedEntries, prev, declaredVersion)
}

// promoteBootstrap handles the first-ever snapshot for a stream: no diffing,
// the scratch tree simply becomes current.
func (p *Pipeline) promoteBootstrap(ctx context.Context, id int64, name string, ts int64, scratch string, newFiles []string, skippedEntries int, declaredVersion string) (*Update, error) {
	live := p.layout.liveDir(name)
	if err := os.MkdirAll(filepath.Dir(live), 0o755); err != nil {
		return nil, fmt.Errorf("create stream dir: %w", err)
	}
	if err := os.Rename(scratch, live); err != nil {
		return nil, fmt.Errorf("promote bootstrap snapshot for %q: %w", name, err)
	}

	if err := p.manifests.Save(name, &Manifest{Stream: name, Timestamp: ts, Paths: newFiles}); err != nil {
		return nil, err
	}

	meta := map[string]any{
		"files":           len(newFiles),
		"skipped_entries": skippedEntries,
	}
	if err := p.ledger.Finalize(ctx, id, false, declaredVersion, meta); err != nil {
		return nil, err
	}

	p.logger.Printf("INFO stream %s: bootstrap snapshot %d finalized (%d files)", name, ts, len(newFiles))
	return &Update{
		ID:         id,
		Stream:     name,
		State:      StateFinalized,
		HasPatches: false,
		Timestamp:  ts,
		Version:    declaredVersion,
		Meta:       meta,
	}, nil
}

// promoteIncremental classifies every file of the new snapshot against the
// previous one, packages the resulting patch artifacts, and swaps the live
// snapshot.
func (p *Pipeline) promoteIncremental(ctx context.Context, id int64, name string, ts int64, scratch string, newFiles []string, skippedEntries int, prev *Manifest, declaredVersion string) (*Update, error) {
	if err := p.ledger.SetState(ctx, id, StateDiffing); err != nil {
		return nil, err
	}

	staging := p.layout.stagingDir(name, ts)
	defer os.RemoveAll(staging)

	ps := newPatchSet(staging)
	live := p.layout.liveDir(name)
	diffFailures := 0

	for _, rel := range newFiles {
		oldPath := filepath.Join(live, filepath.FromSlash(rel))
		newPath := filepath.Join(scratch, filepath.FromSlash(rel))

		if _, err := os.Stat(oldPath); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				p.logger.Printf("WARN stream %s: stat %s: %v", name, rel, err)
				diffFailures++
				continue
			}
			if err := ps.addCopy(rel, newPath); err != nil {
				p.logger.Printf("WARN stream %s: stage added file %s: %v", name, rel, err)
				diffFailures++
			}
			continue
		}

		same, err := checksum.SameContent(oldPath, newPath)
		if err != nil {
			p.logger.Printf("WARN stream %s: fingerprint %s: %v", name, rel, err)
			diffFailures++
			continue
		}
		if same {
			continue
		}

		target, err := ps.diffTarget(rel)
		if err != nil {
			p.logger.Printf("WARN stream %s: stage diff for %s: %v", name, rel, err)
			diffFailures++
			continue
		}
		if err := p.differ.Diff(ctx, oldPath, newPath, target); err != nil {
			// A single failed diff does not abort the build; the skip
			// count surfaces in build meta.
			p.logger.Printf("WARN stream %s: diff %s: %v", name, rel, err)
			diffFailures++
			continue
		}
		if err := ps.addDiff(rel, target); err != nil {
			p.logger.Printf("WARN stream %s: record diff for %s: %v", name, rel, err)
			diffFailures++
		}
	}

	newSet := make(map[string]struct{}, len(newFiles))
	for _, rel := range newFiles {
		newSet[rel] = struct{}{}
	}
	for _, rel := range prev.Paths {
		if _, kept := newSet[rel]; !kept {
			ps.addDeleted(rel)
		}
	}

	manifest := PatchManifest{
		Stream:        name,
		Timestamp:     ts,
		BaseTimestamp: prev.Timestamp,
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}
	archivePath := p.layout.patchArchive(name, ts)
	if err := ps.write(archivePath, manifest, p.signer); err != nil {
		return nil, fmt.Errorf("package patch archive for %q: %w", name, err)
	}

	// Promotion: drop the old snapshot and rename the scratch tree into
	// place. The rename is atomic; the window without a live snapshot is
	// the RemoveAll alone.
	if err := os.RemoveAll(live); err != nil {
		return nil, fmt.Errorf("remove previous snapshot for %q: %w", name, err)
	}
	if err := os.Rename(scratch, live); err != nil {
		return nil, fmt.Errorf("promote snapshot for %q: %w", name, err)
	}

	if err := p.manifests.Save(name, &Manifest{Stream: name, Timestamp: ts, Paths: newFiles}); err != nil {
		return nil, err
	}

	added := ps.countOp(OpAdded)
	modified := ps.countOp(OpModified)
	deleted := ps.countOp(OpDeleted)
	hasPatches := len(ps.artifacts) > 0

	meta := map[string]any{
		"files":           len(newFiles),
		"added":           added,
		"modified":        modified,
		"deleted":         deleted,
		"skipped_entries": skippedEntries,
		"diff_failures":   diffFailures,
		"base_timestamp":  prev.Timestamp,
	}
	if err := p.ledger.Finalize(ctx, id, hasPatches, declaredVersion, meta); err != nil {
		return nil, err
	}

	p.metrics.addArtifacts(name, OpAdded, added)
	p.metrics.addArtifacts(name, OpModified, modified)
	p.metrics.addArtifacts(name, OpDeleted, deleted)
	p.mirrorPatchArchive(ctx, name, ts, archivePath)

	p.logger.Printf("INFO stream %s: snapshot %d finalized (%d added, %d modified, %d deleted, %d skipped)",
		name, ts, added, modified, deleted, diffFailures)

	return &Update{
		ID:         id,
		Stream:     name,
		State:      StateFinalized,
		HasPatches: hasPatches,
		Timestamp:  ts,
		Version:    declaredVersion,
		Meta:       meta,
	}, nil
}

// buildBlob handles single-file streams: the payload replaces the current
// blob wholesale, so no extraction or diffing occurs.
func (p *Pipeline) buildBlob(ctx context.Context, stream Stream, payload io.Reader, ts int64, declaredVersion string) (*Update, error) {
	name := stream.Name
	id, err := p.ledger.Begin(ctx, name, ts)
	if err != nil {
		return nil, err
	}

	spool := p.layout.uploadSpool(name, ts)
	if err := spoolPayload(spool, payload); err != nil {
		return nil, err
	}
	if err := p.ledger.SetState(ctx, id, StateExtracted); err != nil {
		return nil, err
	}

	info, err := os.Stat(spool)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(spool, p.layout.liveBlob(name)); err != nil {
		return nil, fmt.Errorf("promote blob for %q: %w", name, err)
	}

	meta := map[string]any{"size": info.Size()}
	if err := p.ledger.Finalize(ctx, id, false, declaredVersion, meta); err != nil {
		return nil, err
	}

	p.logger.Printf("INFO stream %s: blob %d finalized (%d bytes)", name, ts, info.Size())
	return &Update{
		ID:         id,
		Stream:     name,
		State:      StateFinalized,
		HasPatches: false,
		Timestamp:  ts,
		Version:    declaredVersion,
		Meta:       meta,
	}, nil
}

// extract materializes every archive entry under scratch, never touching the
// live snapshot. Individual bad entries are logged and skipped; only
// archive-level corruption aborts.
func (p *Pipeline) extract(spool, scratch string) ([]string, int, error) {
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, 0, err
	}

	var files []string
	skipped := 0

	err := archive.WalkFile(spool, func(e archive.Entry) error {
		dest := filepath.Join(scratch, filepath.FromSlash(e.Path))

		if e.Body == nil {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				p.logger.Printf("WARN extract: create dir %s: %v", e.Path, err)
				skipped++
			}
			return nil
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			p.logger.Printf("WARN extract: parent for %s: %v", e.Path, err)
			skipped++
			return nil
		}
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, e.Mode.Perm())
		if err != nil {
			p.logger.Printf("WARN extract: create %s: %v", e.Path, err)
			skipped++
			return nil
		}
		if _, err := io.Copy(out, e.Body); err != nil {
			out.Close()
			os.Remove(dest)
			p.logger.Printf("WARN extract: write %s: %v", e.Path, err)
			skipped++
			return nil
		}
		if err := out.Close(); err != nil {
			p.logger.Printf("WARN extract: close %s: %v", e.Path, err)
			skipped++
			return nil
		}

		files = append(files, e.Path)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return files, skipped, nil
}

func (p *Pipeline) mirrorPatchArchive(ctx context.Context, name string, ts int64, path string) {
	if p.s3 == nil || p.bucket == "" {
		return
	}

	_, sum, err := fileSHA256(path)
	if err != nil {
		p.logger.Printf("WARN stream %s: hash patch archive %d: %v", name, ts, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		p.logger.Printf("WARN stream %s: open patch archive %d: %v", name, ts, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		p.logger.Printf("WARN stream %s: stat patch archive %d: %v", name, ts, err)
		return
	}

	key := patchObjectKey(name, ts)
	if err := p.s3.PutObject(ctx, p.bucket, key, f, info.Size(), sum); err != nil {
		// Mirroring is best-effort; the local archive remains canonical.
		p.logger.Printf("WARN stream %s: mirror patch archive %d to s3: %v", name, ts, err)
	}
}

func (p *Pipeline) publishFinalized(ctx context.Context, u *Update) {
	if p.bus == nil || u == nil {
		return
	}
	event := map[string]any{
		"event_id":    uuid.NewString(),
		"stream":      u.Stream,
		"timestamp":   u.Timestamp,
		"has_patches": u.HasPatches,
		"version":     u.Version,
	}
	if err := p.bus.Publish(ctx, updateFinalizedSubject, event); err != nil {
		p.logger.Printf("WARN stream %s: publish finalized event: %v", u.Stream, err)
	}
}

func spoolPayload(dest string, payload io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("spool upload: %w", err)
	}
	if _, err := io.Copy(f, payload); err != nil {
		f.Close()
		os.Remove(dest)
		return fmt.Errorf("spool upload: %w", err)
	}
	return f.Close()
}
