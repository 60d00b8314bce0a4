package objstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte(`{"id":"UCA-7"}`)

	if err := s.PutIfAbsent(ctx, "specs/UCA-7.json", data); err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}

	obj, err := s.Get(ctx, "specs/UCA-7.json")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(obj.Data) != string(data) {
		t.Errorf("data mismatch: got %q", obj.Data)
	}
	if obj.Checksum != Checksum(data) {
		t.Errorf("checksum mismatch: got %s, want %s", obj.Checksum, Checksum(data))
	}
	if !strings.HasPrefix(obj.Checksum, "sha256:") {
		t.Errorf("expected sha256: prefix, got %s", obj.Checksum)
	}
}

func TestPutIfAbsentRefusesOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutIfAbsent(ctx, "a.json", []byte("first")); err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	err := s.PutIfAbsent(ctx, "a.json", []byte("second"))
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	obj, _ := s.Get(ctx, "a.json")
	if string(obj.Data) != "first" {
		t.Errorf("expected original content preserved, got %q", obj.Data)
	}
}

func TestGetMissingObject(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing.json")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRefValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, ref := range []string{"", "../escape.json", "/etc/passwd", "a b.json", "x\\y.json"} {
		if err := s.PutIfAbsent(ctx, ref, []byte("x")); err == nil {
			t.Errorf("expected put of ref %q to fail", ref)
		}
		if _, err := s.Get(ctx, ref); err == nil {
			t.Errorf("expected get of ref %q to fail", ref)
		}
	}
}

func TestGetRejectsSymlink(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	outside := filepath.Join(t.TempDir(), "outside.json")
	if err := os.WriteFile(outside, []byte(`{"id":"evil"}`), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(s.Root(), "link.json")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := s.Get(ctx, "link.json"); err == nil {
		t.Error("expected symlinked object to be rejected")
	}
}

func TestListFiltersAndSorts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, ref := range []string{"specs/b.json", "specs/a.json", "other/c.json"} {
		if err := s.PutIfAbsent(ctx, ref, []byte("{}")); err != nil {
			t.Fatalf("put %s failed: %v", ref, err)
		}
	}
	// A dangling partial write must stay invisible.
	if err := os.WriteFile(filepath.Join(s.Root(), "specs", "partial.json.tmp"), []byte("{"), 0600); err != nil {
		t.Fatal(err)
	}

	refs, err := s.List(ctx, "specs/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"specs/a.json", "specs/b.json"}
	if len(refs) != len(want) {
		t.Fatalf("expected %d refs, got %d: %v", len(want), len(refs), refs)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], refs[i])
		}
	}
}

func TestListAllPrefixEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.PutIfAbsent(ctx, "top.json", []byte("{}")); err != nil {
		t.Fatal(err)
	}
	refs, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(refs) != 1 || refs[0] != "top.json" {
		t.Errorf("expected [top.json], got %v", refs)
	}
}

func TestChecksumDeterministic(t *testing.T) {
	a := Checksum([]byte("payload"))
	b := Checksum([]byte("payload"))
	if a != b {
		t.Errorf("checksum not deterministic: %s vs %s", a, b)
	}
	if a == Checksum([]byte("other")) {
		t.Error("distinct payloads share a checksum")
	}
}
