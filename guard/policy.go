// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tessera-dev/tessera/manifest"
)

// FilesystemPolicy is a plugin's authorized filesystem surface: two
// sets of canonicalized root paths. A path is authorized only if its
// resolved form (symlinks and ".." eliminated) is a descendant of an
// allowed root. Reads consult both sets; writes consult only the
// readwrite set.
type FilesystemPolicy struct {
	Read      []string
	ReadWrite []string
}

// NewFilesystemPolicy canonicalizes the given roots. Roots that exist
// are symlink-resolved so containment checks compare like with like;
// missing roots are kept in absolute cleaned form.
func NewFilesystemPolicy(read, readwrite []string) (FilesystemPolicy, error) {
	canonRead, err := canonicalizeRoots(read)
	if err != nil {
		return FilesystemPolicy{}, err
	}
	canonWrite, err := canonicalizeRoots(readwrite)
	if err != nil {
		return FilesystemPolicy{}, err
	}
	return FilesystemPolicy{Read: canonRead, ReadWrite: canonWrite}, nil
}

// PolicyFor derives a plugin's filesystem policy from its declared
// permission level, per-plugin extra roots, and the kernel's fixed
// default roots. Level none yields the empty policy, which denies
// every path.
func PolicyFor(level string, extraRead, extraWrite, defaultRead, defaultWrite []string) (FilesystemPolicy, error) {
	switch level {
	case manifest.FilesystemNone:
		return FilesystemPolicy{}, nil
	case manifest.FilesystemRead:
		return NewFilesystemPolicy(
			append(append([]string{}, defaultRead...), extraRead...), nil)
	case manifest.FilesystemReadWrite:
		return NewFilesystemPolicy(
			append(append([]string{}, defaultRead...), extraRead...),
			append(append([]string{}, defaultWrite...), extraWrite...))
	default:
		return FilesystemPolicy{}, fmt.Errorf("guard: unknown filesystem permission level %q", level)
	}
}

// AllowsRead reports whether the resolved path is contained in a read
// or readwrite root.
func (p FilesystemPolicy) AllowsRead(resolved string) bool {
	return underAny(resolved, p.Read) || underAny(resolved, p.ReadWrite)
}

// AllowsWrite reports whether the resolved path is contained in a
// readwrite root. Read roots never authorize writes.
func (p FilesystemPolicy) AllowsWrite(resolved string) bool {
	return underAny(resolved, p.ReadWrite)
}

// Empty reports whether the policy allows no paths at all.
func (p FilesystemPolicy) Empty() bool {
	return len(p.Read) == 0 && len(p.ReadWrite) == 0
}

func canonicalizeRoots(roots []string) ([]string, error) {
	if len(roots) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("guard: canonicalizing root %q: %w", root, err)
		}
		abs = filepath.Clean(abs)
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			abs = resolved
		}
		out = append(out, abs)
	}
	return out, nil
}

// underAny reports whether path equals a root or sits below one.
func underAny(path string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel == "." {
			return true
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
