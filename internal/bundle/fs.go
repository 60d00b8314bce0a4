package bundle

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/guardsmith/guardsmith/internal/judge"
)

// FSStore persists the registry under one directory:
//
//	bundles/v<version>.json   one file per published version
//	CURRENT                   decimal version of the current bundle
//	verdicts.jsonl            append-only verdict log
//
// Writes go through a temp file and rename so readers and watchers never see
// a partial file. The orchestrator is the only writer; readers may live in
// other processes.
type FSStore struct {
	dir string
	mu  sync.Mutex
}

// NewFSStore creates the directory layout if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "bundles"), 0755); err != nil {
		return nil, fmt.Errorf("cannot create registry directory: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

// CurrentPath returns the current-pointer file, for change watchers.
func (s *FSStore) CurrentPath() string {
	return filepath.Join(s.dir, "CURRENT")
}

func (s *FSStore) bundlePath(version int64) string {
	return filepath.Join(s.dir, "bundles", fmt.Sprintf("v%d.json", version))
}

func (s *FSStore) verdictPath() string {
	return filepath.Join(s.dir, "verdicts.jsonl")
}

func (s *FSStore) PutBundle(_ context.Context, b *Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.bundlePath(b.Version)
	if _, err := os.Stat(path); err == nil {
		return ErrVersionExists
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

func (s *FSStore) GetBundle(_ context.Context, version int64) (*Bundle, error) {
	data, err := os.ReadFile(s.bundlePath(version))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("bundle v%d unreadable: %w", version, err)
	}
	return &b, nil
}

func (s *FSStore) SetCurrent(_ context.Context, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.bundlePath(version)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return writeAtomic(s.CurrentPath(), []byte(strconv.FormatInt(version, 10)+"\n"))
}

func (s *FSStore) CurrentVersion(_ context.Context) (int64, error) {
	data, err := os.ReadFile(s.CurrentPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("current pointer unreadable: %w", err)
	}
	return v, nil
}

func (s *FSStore) Versions(_ context.Context) ([]int64, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "bundles"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var versions []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".json"), 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func (s *FSStore) AppendVerdict(_ context.Context, v *judge.Verdict) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readVerdicts()
	if err != nil {
		return 0, err
	}
	var maxSeq int64
	for _, rec := range records {
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
	}

	rec := VerdictRecord{Seq: maxSeq + 1, Verdict: *v}
	line, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}

	f, err := os.OpenFile(s.verdictPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return 0, err
	}
	return rec.Seq, nil
}

func (s *FSStore) LatestVerdict(_ context.Context, artifactChecksum string) (*judge.Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readVerdicts()
	if err != nil {
		return nil, err
	}
	var latest *judge.Verdict
	var latestSeq int64
	for i := range records {
		if records[i].ArtifactChecksum == artifactChecksum && records[i].Seq > latestSeq {
			latestSeq = records[i].Seq
			latest = &records[i].Verdict
		}
	}
	if latest == nil {
		return nil, nil
	}
	v := *latest
	return &v, nil
}

func (s *FSStore) ListVerdicts(_ context.Context, artifactChecksum string) ([]VerdictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readVerdicts()
	if err != nil {
		return nil, err
	}
	var out []VerdictRecord
	for _, rec := range records {
		if rec.ArtifactChecksum == artifactChecksum {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *FSStore) readVerdicts() ([]VerdictRecord, error) {
	f, err := os.Open(s.verdictPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var records []VerdictRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec VerdictRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("verdict log corrupt: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
