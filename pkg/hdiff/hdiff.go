// Package hdiff shells out to the hdiffpatch binaries for byte-level binary
// diffing between snapshot versions.
package hdiff

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ErrDiff reports a failed diff invocation.
var ErrDiff = errors.New("hdiff: diff failed")

// ErrPatch reports a failed patch invocation.
var ErrPatch = errors.New("hdiff: patch failed")

// Tool wraps the hdiffz and hpatchz executables.
type Tool struct {
	DiffBin  string
	PatchBin string
}

// NewToolFromEnv resolves the binaries from HDIFFZ_BIN and HPATCHZ_BIN,
// falling back to bare names looked up on PATH.
func NewToolFromEnv() *Tool {
	t := &Tool{DiffBin: "hdiffz", PatchBin: "hpatchz"}
	if v := os.Getenv("HDIFFZ_BIN"); v != "" {
		t.DiffBin = v
	}
	if v := os.Getenv("HPATCHZ_BIN"); v != "" {
		t.PatchBin = v
	}
	return t
}

// Diff writes a binary patch transforming oldPath into newPath at patchPath.
func (t *Tool) Diff(ctx context.Context, oldPath, newPath, patchPath string) error {
	if err := t.run(ctx, t.DiffBin, oldPath, newPath, patchPath); err != nil {
		return fmt.Errorf("%w: %v", ErrDiff, err)
	}
	return nil
}

// Apply reconstructs outPath from oldPath and the patch at patchPath.
func (t *Tool) Apply(ctx context.Context, oldPath, patchPath, outPath string) error {
	if err := t.run(ctx, t.PatchBin, oldPath, patchPath, outPath); err != nil {
		return fmt.Errorf("%w: %v", ErrPatch, err)
	}
	return nil
}

func (t *Tool) run(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return fmt.Errorf("%s: %v: %s", bin, err, msg)
		}
		return fmt.Errorf("%s: %v", bin, err)
	}
	return nil
}
