// Package credentials holds the access/refresh credential pair and persists it
// across process restarts.
package credentials

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Pair is the access/refresh credential pair. Both halves are set and
// cleared together.
type Pair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Empty reports whether neither credential is present.
func (p Pair) Empty() bool {
	return p.Access == "" && p.Refresh == ""
}

// Persister stores a Pair durably. Load returns (nil, nil) when nothing is stored.
type Persister interface {
	Load(ctx context.Context) (*Pair, error)
	Save(ctx context.Context, pair Pair) error
	Delete(ctx context.Context) error
}

// Store is the process-wide credential cell. It performs no validation; it
// only keeps the pair and writes it through to an optional Persister.
// Persistence failures are logged, never returned: the in-memory state is
// authoritative for the running process.
type Store struct {
	mu   sync.RWMutex
	pair *Pair

	// writeMu orders memory updates with their write-through, so the
	// persisted pair always matches the last Set or Clear.
	writeMu   sync.Mutex
	persister Persister
	logger    zerolog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPersister writes every Set/Clear through to p.
func WithPersister(p Persister) StoreOption {
	return func(s *Store) {
		s.persister = p
	}
}

// WithLogger sets the logger used for persistence failures.
func WithLogger(l zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{logger: log.Logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory pair with whatever the persister holds.
// A Store without a persister is left unchanged.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	pair, err := s.persister.Load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pair == nil || pair.Empty() {
		s.pair = nil
		return nil
	}
	cp := *pair
	s.pair = &cp
	return nil
}

// Get returns a copy of the current pair, or nil when none is stored.
func (s *Store) Get() *Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pair == nil {
		return nil
	}
	cp := *s.pair
	return &cp
}

// Access returns the current access credential or "".
func (s *Store) Access() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pair == nil {
		return ""
	}
	return s.pair.Access
}

// Refresh returns the current refresh credential or "".
func (s *Store) Refresh() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pair == nil {
		return ""
	}
	return s.pair.Refresh
}

// Set replaces the stored pair entirely.
func (s *Store) Set(pair Pair) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	cp := pair
	s.pair = &cp
	s.mu.Unlock()

	if s.persister == nil {
		return
	}
	if err := s.persister.Save(context.Background(), pair); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist credentials")
	}
}

// Clear drops both credentials.
func (s *Store) Clear() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.pair = nil
	s.mu.Unlock()

	if s.persister == nil {
		return
	}
	if err := s.persister.Delete(context.Background()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to delete persisted credentials")
	}
}
