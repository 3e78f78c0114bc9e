// Package ledgerfake provides an in-memory ledger Store for tests.
package ledgerfake

import (
	"context"
	"sort"
	"sync"

	"github.com/NakedTrashPanda/autoshift/keys"
	"github.com/NakedTrashPanda/autoshift/ledger"
)

type pair struct {
	code     string
	platform keys.Platform
}

// Store is a mutex-guarded in-memory ledger with the same success-wins
// semantics as the postgres implementation.
type Store struct {
	mu       sync.Mutex
	entries  map[pair]ledger.Entry
	migrated int
}

var _ ledger.Store = (*Store)(nil)

// NewStore returns an empty fake ledger.
func NewStore() *Store {
	return &Store{entries: make(map[pair]ledger.Entry)}
}

func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migrated++
	return nil
}

// MigrateCount reports how many times Migrate ran.
func (s *Store) MigrateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.migrated
}

func (s *Store) Seen(ctx context.Context, code string, platform keys.Platform) (*ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[pair{keys.NormalizeCode(code), platform}]
	if !ok {
		return nil, nil
	}
	copied := e
	return &copied, nil
}

func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Code = keys.NormalizeCode(entry.Code)
	p := pair{entry.Code, entry.Platform}
	if existing, ok := s.entries[p]; ok && existing.Outcome == keys.OutcomeSuccess {
		return nil
	}
	s.entries[p] = entry
	return nil
}

func (s *Store) List(ctx context.Context) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AttemptedAt.After(out[j].AttemptedAt)
	})
	return out, nil
}

func (s *Store) Close() {}

// Len reports how many entries the ledger holds.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
