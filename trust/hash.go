// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package trust pins plugin content. A lockfile maps each plugin id
// to the SHA-256 of its manifest file and of its artifact tree;
// verification recomputes both from disk before a plugin is allowed
// to load, so tampered or drifted plugin code fails closed.
package trust

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// normalizedExtensions is the fixed set of text file extensions whose
// content is CRLF→LF normalized before hashing, keeping artifact
// hashes stable across Windows and Unix checkouts. The set is part of
// the lockfile format: extending it changes existing hashes.
var normalizedExtensions = map[string]bool{
	".py": true, ".json": true, ".jsonc": true, ".md": true,
	".txt": true, ".yaml": true, ".yml": true, ".toml": true,
	".ini": true, ".cfg": true, ".csv": true, ".sql": true,
}

// HashFile returns the SHA-256 of the file's raw bytes as lowercase
// hex. Used for manifest files and lockfiles, which are hashed
// exactly as stored.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the SHA-256 of data as lowercase hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashTree computes the content-addressed hash of a plugin directory:
// one SHA-256 fed, for every regular file in a deterministic order,
// with the file's slash-separated relative path followed by its
// content. Order is case-insensitive relative path, exact path as
// tiebreak, so the hash is independent of creation order and of file
// metadata such as mtimes. Files whose extension is in the normalized
// set have CRLF sequences rewritten to LF before hashing.
//
// Any symlink anywhere in the tree, file or directory, fails the
// hash with an error wrapping ErrSymlink. Other irregular files
// (devices, sockets, fifos) are also errors.
func HashTree(dir string) (string, error) {
	root, err := os.Lstat(dir)
	if err != nil {
		return "", fmt.Errorf("hashing plugin tree: %w", err)
	}
	if root.Mode()&fs.ModeSymlink != 0 {
		return "", fmt.Errorf("plugin directory %s: %w", dir, ErrSymlink)
	}
	if !root.IsDir() {
		return "", fmt.Errorf("plugin path %s is not a directory", dir)
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%s: %w", path, ErrSymlink)
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("%s: unsupported file type %v", path, d.Type())
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hashing plugin tree %s: %w", dir, err)
	}

	sort.Slice(files, func(i, j int) bool {
		li, lj := strings.ToLower(files[i]), strings.ToLower(files[j])
		if li != lj {
			return li < lj
		}
		return files[i] < files[j]
	})

	h := sha256.New()
	for _, rel := range files {
		h.Write([]byte(rel))
		if err := hashFileContent(h, filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			return "", fmt.Errorf("hashing plugin tree %s: %w", dir, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFileContent(h io.Writer, path string) error {
	if normalizedExtensions[strings.ToLower(filepath.Ext(path))] {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
		_, err = h.Write(data)
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(h, f)
	return err
}
