package updates

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"deltad/pkg/archive"
)

const patchManifestName = "manifest.yaml"

// PatchManifest is the signed metadata embedded in every patch archive. It
// lists one artifact per changed file between BaseTimestamp and Timestamp.
type PatchManifest struct {
	Version          string          `yaml:"version"`
	Stream           string          `yaml:"stream"`
	Timestamp        int64           `yaml:"timestamp"`
	BaseTimestamp    int64           `yaml:"base_timestamp"`
	CreatedAt        time.Time       `yaml:"created_at"`
	SigningPublicKey string          `yaml:"signing_public_key,omitempty"`
	Signature        string          `yaml:"signature,omitempty"`
	Artifacts        []PatchArtifact `yaml:"artifacts"`
}

// SigningBytes marshals the manifest without its signature for signing and
// verification.
func (m PatchManifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// PatchArtifact describes a single changed-file record inside a patch archive.
type PatchArtifact struct {
	Path   string  `yaml:"path"`
	Op     PatchOp `yaml:"op"`
	Size   int64   `yaml:"size,omitempty"`
	SHA256 string  `yaml:"sha256,omitempty"`
}

// patchSet accumulates patch payloads in a staging directory during the
// Diffing phase, then packages them into a single tar.zst archive at
// promotion time. Payload names inside the archive:
//
//	payload/<path>          whole-file content for added files
//	payload/<path>.hdiff    binary diff for modified files
//	payload/<path>.deleted  empty marker for deleted files
type patchSet struct {
	staging   string
	artifacts []PatchArtifact
}

func newPatchSet(staging string) *patchSet {
	return &patchSet{staging: staging}
}

func (ps *patchSet) payloadName(a PatchArtifact) string {
	switch a.Op {
	case OpModified:
		return "payload/" + a.Path + ".hdiff"
	case OpDeleted:
		return "payload/" + a.Path + ".deleted"
	default:
		return "payload/" + a.Path
	}
}

// stagePath returns the on-disk staging location for an artifact payload,
// creating parent directories as needed.
func (ps *patchSet) stagePath(a PatchArtifact) (string, error) {
	path := filepath.Join(ps.staging, filepath.FromSlash(ps.payloadName(a)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	return path, nil
}

// addCopy records an Added artifact by copying the whole new file into staging.
func (ps *patchSet) addCopy(rel, src string) error {
	a := PatchArtifact{Path: rel, Op: OpAdded}
	dst, err := ps.stagePath(a)
	if err != nil {
		return err
	}
	size, sum, err := copyFileSHA256(dst, src)
	if err != nil {
		return err
	}
	a.Size = size
	a.SHA256 = sum
	ps.artifacts = append(ps.artifacts, a)
	return nil
}

// addDiff records a Modified artifact whose payload was already written to
// the staging location returned by diffTarget.
func (ps *patchSet) addDiff(rel, payloadPath string) error {
	a := PatchArtifact{Path: rel, Op: OpModified}
	size, sum, err := fileSHA256(payloadPath)
	if err != nil {
		return err
	}
	a.Size = size
	a.SHA256 = sum
	ps.artifacts = append(ps.artifacts, a)
	return nil
}

// diffTarget returns the staging path a binary diff for rel should be
// written to.
func (ps *patchSet) diffTarget(rel string) (string, error) {
	return ps.stagePath(PatchArtifact{Path: rel, Op: OpModified})
}

// addDeleted records a Deleted artifact. Clients only need the marker, so no
// payload is staged.
func (ps *patchSet) addDeleted(rel string) {
	ps.artifacts = append(ps.artifacts, PatchArtifact{Path: rel, Op: OpDeleted})
}

func (ps *patchSet) countOp(op PatchOp) int {
	n := 0
	for _, a := range ps.artifacts {
		if a.Op == op {
			n++
		}
	}
	return n
}

// write packages the accumulated artifacts plus the signed manifest into a
// tar.zst archive at dest.
func (ps *patchSet) write(dest string, manifest PatchManifest, signer *Signer) error {
	manifest.Version = "1"
	manifest.Artifacts = ps.artifacts
	if signer != nil {
		manifest.SigningPublicKey = signer.PublicKeyBase64()
		payload, err := manifest.SigningBytes()
		if err != nil {
			return fmt.Errorf("marshal patch manifest for signing: %w", err)
		}
		sig, err := signer.Sign(payload)
		if err != nil {
			return fmt.Errorf("sign patch manifest: %w", err)
		}
		manifest.Signature = sig
	}

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal patch manifest: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create patches dir: %w", err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create patch archive: %w", err)
	}
	defer f.Close()

	aw, err := archive.NewWriter(f)
	if err != nil {
		return err
	}
	if err := aw.AddBytes(patchManifestName, manifestBytes); err != nil {
		return err
	}
	for _, a := range ps.artifacts {
		name := ps.payloadName(a)
		if a.Op == OpDeleted {
			if err := aw.AddBytes(name, nil); err != nil {
				return err
			}
			continue
		}
		src := filepath.Join(ps.staging, filepath.FromSlash(name))
		if err := aw.AddFile(name, src); err != nil {
			return err
		}
	}
	if err := aw.Close(); err != nil {
		return fmt.Errorf("close patch archive: %w", err)
	}
	return f.Sync()
}

func copyFileSHA256(dst, src string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, "", fmt.Errorf("create %q: %w", dst, err)
	}
	defer out.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, hash), in)
	if err != nil {
		return 0, "", fmt.Errorf("copy %q: %w", src, err)
	}
	return size, hex.EncodeToString(hash.Sum(nil)), nil
}

func fileSHA256(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, f)
	if err != nil {
		return 0, "", fmt.Errorf("hash %q: %w", path, err)
	}
	return size, hex.EncodeToString(hash.Sum(nil)), nil
}
