// Package objstore is the versioned object store feeding hazard spec
// ingestion: get and put-if-absent over checksummed immutable objects. A
// stored object is never rewritten; a change arrives as a new ref.
package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound reports a ref with no stored object.
	ErrNotFound = errors.New("object not found")
	// ErrExists reports a put against a ref that already holds an object.
	ErrExists = errors.New("object already exists")
)

// Object is one stored record with its content address.
type Object struct {
	Ref      string
	Data     []byte
	Checksum string
}

// Store is the object storage contract. Implementations must make PutIfAbsent
// atomic: a concurrent Get observes either no object or the complete one.
type Store interface {
	Get(ctx context.Context, ref string) (*Object, error)
	PutIfAbsent(ctx context.Context, ref string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Checksum computes the content address of an object body.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// validRef matches alphanumeric, dash, underscore, dot, and slash characters.
var validRef = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)

// validateRef rejects refs that could escape the store root.
func validateRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("ref must not be empty")
	}
	if strings.Contains(ref, "..") {
		return fmt.Errorf("ref must not contain '..'")
	}
	if strings.HasPrefix(ref, "/") {
		return fmt.Errorf("ref must be relative")
	}
	if !validRef.MatchString(ref) {
		return fmt.Errorf("ref contains invalid characters: only alphanumeric, dash, underscore, dot, and slash are allowed")
	}
	return nil
}

// FSStore keeps objects as files under a root directory, refs mapping to
// relative paths.
type FSStore struct {
	root string
	mu   sync.Mutex
}

// NewFSStore creates a store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("cannot create object store root: %w", err)
	}
	return &FSStore{root: dir}, nil
}

// Root returns the store's root directory.
func (s *FSStore) Root() string { return s.root }

// Get reads one object and computes its checksum from what was actually read.
func (s *FSStore) Get(_ context.Context, ref string) (*Object, error) {
	if err := validateRef(ref); err != nil {
		return nil, fmt.Errorf("invalid ref %q: %w", ref, err)
	}
	path := s.path(ref)

	// Symlinks could point a ref at arbitrary filesystem paths; refuse them
	// before reading.
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object %s: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("stat object %s: %w", ref, err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("object %s: rejected symlink", ref)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", ref, err)
	}
	return &Object{Ref: ref, Data: data, Checksum: Checksum(data)}, nil
}

// PutIfAbsent stores an object unless the ref is already taken.
func (s *FSStore) PutIfAbsent(_ context.Context, ref string, data []byte) error {
	if err := validateRef(ref); err != nil {
		return fmt.Errorf("invalid ref %q: %w", ref, err)
	}
	path := s.path(ref)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Lstat(path); err == nil {
		return fmt.Errorf("object %s: %w", ref, ErrExists)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write object %s: %w", ref, err)
	}
	return os.Rename(tmp, path)
}

// List returns the refs under a prefix in sorted order. Partial writes
// (.tmp files) are invisible.
func (s *FSStore) List(_ context.Context, prefix string) ([]string, error) {
	var refs []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		ref := filepath.ToSlash(rel)
		if strings.HasPrefix(ref, prefix) {
			refs = append(refs, ref)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	sort.Strings(refs)
	return refs, nil
}

func (s *FSStore) path(ref string) string {
	return filepath.Join(s.root, filepath.FromSlash(ref))
}
