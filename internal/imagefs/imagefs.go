package imagefs

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
)

// Store is one logical picture filesystem rooted at a local directory.
// All paths handed to it are slash-separated and relative to the root.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	const op = "imagefs.NewStore"

	if root == "" {
		return nil, fmt.Errorf("%s: empty filesystem root", op)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) abs(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(path.Clean("/"+p)))
}

func (s *Store) Open(p string) (io.ReadCloser, error) {
	const op = "imagefs.Open"

	f, err := os.Open(s.abs(p))
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return f, nil
}

// Write stores a file. A failed write leaves nothing behind: the partial
// file and any directory fan created for it are removed.
func (s *Store) Write(p string, r io.Reader) error {
	const op = "imagefs.Write"

	target := s.abs(p)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	f, err := os.Create(target)
	if err != nil {
		s.PruneEmptyDirs(path.Dir(p))
		return fmt.Errorf("%s: %v", op, err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(target)
		s.PruneEmptyDirs(path.Dir(p))
		return fmt.Errorf("%s: %v", op, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(target)
		s.PruneEmptyDirs(path.Dir(p))
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

func (s *Store) Exists(p string) bool {
	_, err := os.Stat(s.abs(p))
	return err == nil
}

func (s *Store) IsEmptyDir(p string) bool {
	entries, err := os.ReadDir(s.abs(p))
	return err == nil && len(entries) == 0
}

func (s *Store) MakeDirs(p string) error {
	const op = "imagefs.MakeDirs"

	if err := os.MkdirAll(s.abs(p), 0755); err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

// RemoveFile deletes a file, a missing target is not an error.
func (s *Store) RemoveFile(p string) error {
	const op = "imagefs.RemoveFile"

	if err := os.Remove(s.abs(p)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

// RemoveTree deletes a directory recursively, a missing target is not an error.
func (s *Store) RemoveTree(p string) error {
	const op = "imagefs.RemoveTree"

	if err := os.RemoveAll(s.abs(p)); err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

// PruneEmptyDirs removes dir if empty, then walks up deleting every empty
// ancestor until the store root or the first non-empty directory.
func (s *Store) PruneEmptyDirs(dir string) {
	current := path.Clean("/" + dir)
	for current != "/" && current != "." {
		if !s.Exists(current) || !s.IsEmptyDir(current) {
			return
		}
		os.Remove(s.abs(current))
		current = path.Dir(current)
	}
}

// Filesystems groups the three logical stores of the pipeline. An
// unblurred original only ever lives in Tmp, never in Permanent.
type Filesystems struct {
	Permanent *Store
	Tmp       *Store
	Derivates *Store
}

func NewFilesystems(permanent, tmp, derivates string) (*Filesystems, error) {
	const op = "imagefs.NewFilesystems"

	p, err := NewStore(permanent)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	t, err := NewStore(tmp)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	d, err := NewStore(derivates)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return &Filesystems{Permanent: p, Tmp: t, Derivates: d}, nil
}
