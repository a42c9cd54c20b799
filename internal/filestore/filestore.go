// Package filestore keeps image bytes as flat files named <id>.<ext> under a
// single root directory.
package filestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var ErrInvalidName = errors.New("invalid file name")

var (
	idPattern  = regexp.MustCompile(`^[a-f0-9-]+$`)
	extPattern = regexp.MustCompile(`^\w+$`)
)

type Store struct {
	root string
}

// New resolves root to an absolute path and creates it if needed. Calling it
// on an existing directory is fine.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir %q: %w", root, err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string { return s.root }

// Path builds the absolute path for id and ext. Only ids made of lowercase
// hex and hyphens and word-character extensions are accepted.
func (s *Store) Path(id, ext string) (string, error) {
	if !idPattern.MatchString(id) || !extPattern.MatchString(ext) || strings.Contains(id, "..") {
		return "", fmt.Errorf("%w: %q.%q", ErrInvalidName, id, ext)
	}

	p := filepath.Join(s.root, id+"."+ext)
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel != filepath.Base(p) {
		return "", fmt.Errorf("%w: %q escapes upload dir", ErrInvalidName, id)
	}
	return p, nil
}

// Write stores data through a temp file that is synced and renamed into
// place, so readers never see a partial file.
func (s *Store) Write(id, ext string, data []byte) (string, error) {
	dest, err := s.Path(id, ext)
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(s.root, "."+id+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", filepath.Base(dest), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("fsync %s: %w", filepath.Base(dest), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close %s: %w", filepath.Base(dest), err)
	}
	if err := os.Chmod(tmp, 0o640); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("chmod %s: %w", filepath.Base(dest), err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename to %s: %w", filepath.Base(dest), err)
	}

	return dest, nil
}

// Open returns the file for reading. The caller closes it.
func (s *Store) Open(id, ext string) (*os.File, error) {
	p, err := s.Path(id, ext)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

func (s *Store) Exists(id, ext string) (bool, error) {
	p, err := s.Path(id, ext)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// Delete removes the file and reports whether it was there.
func (s *Store) Delete(id, ext string) (bool, error) {
	p, err := s.Path(id, ext)
	if err != nil {
		return false, err
	}
	err = os.Remove(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", filepath.Base(p), err)
	}
	return true, nil
}
