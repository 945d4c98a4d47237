// Package assetcache keeps downloaded artwork on disk, addressed by the
// sha256 of its bytes and sharded as <h[0:2]>/<h[2:4]>/<h><ext>.
package assetcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrLowDiskSpace is returned when a write would leave less free space
// than the configured minimum.
var ErrLowDiskSpace = errors.New("insufficient disk space for artwork cache")

// Store is a content-addressed directory tree.
type Store struct {
	root         string
	minFreeBytes uint64
	usage        func(path string) (free uint64, err error)
}

// NewStore creates root if needed. minFreeBytes of zero disables the
// free-space guard.
func NewStore(root string, minFreeBytes uint64) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Store{root: root, minFreeBytes: minFreeBytes, usage: freeBytes}, nil
}

func freeBytes(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func (s *Store) Root() string { return s.root }

// HashBytes is the content hash used as the cache key.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RelativePath returns the sharded location for a hash.
func RelativePath(contentHash, ext string) string {
	h := strings.ToLower(contentHash)
	if len(h) < 4 {
		return h + ext
	}
	return h[0:2] + "/" + h[2:4] + "/" + h + ext
}

// Path resolves a relative path inside the store.
func (s *Store) Path(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Write stores data under its content hash and returns the hash and
// relative path. Writing content that is already present succeeds.
func (s *Store) Write(data []byte, ext string) (contentHash, rel string, err error) {
	contentHash = HashBytes(data)
	rel = RelativePath(contentHash, ext)
	dest := s.Path(rel)

	if _, err := os.Stat(dest); err == nil {
		return contentHash, rel, nil
	}
	if err := s.ensureSpace(uint64(len(data))); err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", "", fmt.Errorf("create shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", "", fmt.Errorf("close temp file: %w", err)
	}

	// Link fails rather than replacing, so a concurrent writer of the same
	// content simply loses.
	if err := os.Link(tmpName, dest); err != nil && !errors.Is(err, fs.ErrExist) {
		return "", "", fmt.Errorf("publish cache file: %w", err)
	}
	return contentHash, rel, nil
}

func (s *Store) ensureSpace(need uint64) error {
	if s.minFreeBytes == 0 || s.usage == nil {
		return nil
	}
	free, err := s.usage(s.root)
	if err != nil {
		return fmt.Errorf("check free space: %w", err)
	}
	if free < need+s.minFreeBytes {
		return fmt.Errorf("%w: %d bytes free, need %d", ErrLowDiskSpace, free, need+s.minFreeBytes)
	}
	return nil
}

func (s *Store) Read(rel string) ([]byte, error) {
	return os.ReadFile(s.Path(rel))
}

// Exists reports whether rel is present.
func (s *Store) Exists(rel string) bool {
	_, err := os.Stat(s.Path(rel))
	return err == nil
}

// ModTime reports when rel was written.
func (s *Store) ModTime(rel string) (time.Time, error) {
	info, err := os.Stat(s.Path(rel))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Delete removes rel and prunes any shard directories left empty. A file
// that is already gone is not an error.
func (s *Store) Delete(rel string) error {
	path := s.Path(rel)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete cache file: %w", err)
	}
	s.pruneUpward(filepath.Dir(path))
	return nil
}

// pruneUpward removes empty directories from dir towards the root.
func (s *Store) pruneUpward(dir string) {
	root := filepath.Clean(s.root)
	for dir = filepath.Clean(dir); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}

// Walk calls fn with the relative path of every stored file.
func (s *Store) Walk(fn func(rel string, size int64) error) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), info.Size())
	})
}

// PruneEmptyDirs removes every empty shard directory and returns how many
// were removed.
func (s *Store) PruneEmptyDirs() (int, error) {
	var dirs []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != s.root {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	// Deepest first so parents empty out before they are visited.
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil || len(entries) > 0 {
			continue
		}
		if os.Remove(dirs[i]) == nil {
			removed++
		}
	}
	return removed, nil
}

// ExtensionFor maps the MIME type of decoded image bytes to a file
// extension. The extension is part of the cache path, so it must depend on
// the bytes alone; anything that did not decode is stored as .img.
func ExtensionFor(decodedMIME string) string {
	switch strings.ToLower(decodedMIME) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	return ".img"
}
