// Package vault maps (book, chapter) identities to Markdown note files
// under an external note-taking vault. The vault is shared with external
// editors: files are the source of truth and are never locked, so all
// writes are atomic and all reads report the file modification time for
// conflict detection upstream.
package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hvaillaud/marginalia/internal/apperr"
)

// Vault is a note-file adapter rooted at a vault directory.
type Vault struct {
	root string // absolute path to vault directory
}

// New creates a Vault rooted at the given directory, which must exist.
func New(root string) (*Vault, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("vault: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("vault: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault: root is not a directory: %s", abs)
	}
	return &Vault{root: abs}, nil
}

// Root returns the absolute vault root.
func (v *Vault) Root() string {
	return v.root
}

// AbsPath resolves a vault-relative path to an absolute one, rejecting any
// result that escapes the root (directory traversal).
func (v *Vault) AbsPath(rel string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("vault: absolute paths not allowed: %s", rel)
	}
	joined := filepath.Join(v.root, cleaned)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("vault: resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, v.root+string(os.PathSeparator)) && abs != v.root {
		return "", fmt.Errorf("vault: path escapes root: %s", rel)
	}
	return abs, nil
}

// ReadFile returns the raw content and modification time of a vault file.
func (v *Vault) ReadFile(rel string) ([]byte, time.Time, error) {
	abs, err := v.AbsPath(rel)
	if err != nil {
		return nil, time.Time{}, err
	}
	info, err := os.Stat(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, time.Time{}, apperr.ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("vault: stat %s: %w", rel, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("vault: read %s: %w", rel, err)
	}
	return data, info.ModTime(), nil
}

// WriteFile atomically writes content (tmp file, fsync, rename) and returns
// the resulting modification time.
func (v *Vault) WriteFile(rel string, content []byte) (time.Time, error) {
	abs, err := v.AbsPath(rel)
	if err != nil {
		return time.Time{}, err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return time.Time{}, fmt.Errorf("vault: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".marginalia-tmp-*")
	if err != nil {
		return time.Time{}, fmt.Errorf("vault: create temp: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return time.Time{}, fmt.Errorf("vault: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return time.Time{}, fmt.Errorf("vault: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return time.Time{}, fmt.Errorf("vault: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return time.Time{}, fmt.Errorf("vault: rename: %w", err)
	}
	success = true

	info, err := os.Stat(abs)
	if err != nil {
		return time.Time{}, fmt.Errorf("vault: stat after write: %w", err)
	}
	return info.ModTime(), nil
}

// StatFile returns the modification time of a vault file.
func (v *Vault) StatFile(rel string) (time.Time, error) {
	abs, err := v.AbsPath(rel)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(abs)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, apperr.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("vault: stat %s: %w", rel, err)
	}
	return info.ModTime(), nil
}
