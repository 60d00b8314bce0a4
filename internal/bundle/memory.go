package bundle

import (
	"context"
	"sync"

	"github.com/guardsmith/guardsmith/internal/judge"
)

// MemoryStore keeps bundles and verdicts in process memory. It backs tests
// and ephemeral demo runs; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	bundles  map[int64]*Bundle
	current  int64
	verdicts []VerdictRecord
	nextSeq  int64
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bundles: make(map[int64]*Bundle)}
}

func (s *MemoryStore) PutBundle(_ context.Context, b *Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bundles[b.Version]; ok {
		return ErrVersionExists
	}
	cp := *b
	cp.Artifacts = append(cp.Artifacts[:0:0], b.Artifacts...)
	s.bundles[b.Version] = &cp
	return nil
}

func (s *MemoryStore) GetBundle(_ context.Context, version int64) (*Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bundles[version]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	cp.Artifacts = append(cp.Artifacts[:0:0], b.Artifacts...)
	return &cp, nil
}

func (s *MemoryStore) SetCurrent(_ context.Context, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bundles[version]; !ok {
		return ErrNotFound
	}
	s.current = version
	return nil
}

func (s *MemoryStore) CurrentVersion(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

func (s *MemoryStore) Versions(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := make([]int64, 0, len(s.bundles))
	for v := range s.bundles {
		versions = append(versions, v)
	}
	return versions, nil
}

func (s *MemoryStore) AppendVerdict(_ context.Context, v *judge.Verdict) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	s.verdicts = append(s.verdicts, VerdictRecord{Seq: s.nextSeq, Verdict: *v})
	return s.nextSeq, nil
}

func (s *MemoryStore) LatestVerdict(_ context.Context, artifactChecksum string) (*judge.Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.verdicts) - 1; i >= 0; i-- {
		if s.verdicts[i].ArtifactChecksum == artifactChecksum {
			v := s.verdicts[i].Verdict
			return &v, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListVerdicts(_ context.Context, artifactChecksum string) ([]VerdictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []VerdictRecord
	for _, rec := range s.verdicts {
		if rec.ArtifactChecksum == artifactChecksum {
			out = append(out, rec)
		}
	}
	return out, nil
}
