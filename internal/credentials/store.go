package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// snapshot is an immutable view of the store. A new snapshot is swapped in on every write.
type snapshot struct {
	pair    Pair
	present bool
	gen     uint64
}

// Store holds the current credential pair.
//
// Reads are lock-free. Writes are serialized so the generation counter and the
// persisted copy follow the same order as the in-memory swaps.
type Store struct {
	current   atomic.Pointer[snapshot]
	writeMu   sync.Mutex
	persister Persister
	logger    *slog.Logger
}

// NewStore creates an empty store. persister may be nil for a memory-only store.
func NewStore(persister Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{persister: persister, logger: logger}
	s.current.Store(&snapshot{})

	return s
}

// Open loads the persisted pair, if any, into the store.
func (s *Store) Open(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	pair, err := s.persister.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		s.logger.DebugContext(ctx, "no persisted credentials")
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.current.Load()
	s.current.Store(&snapshot{pair: pair, present: !pair.IsZero(), gen: prev.gen + 1})

	s.logger.InfoContext(ctx, "credentials restored", slog.Bool("has_refresh", pair.HasRefresh()))

	return nil
}

// Get returns the current pair and whether one is present.
func (s *Store) Get() (Pair, bool) {
	snap := s.current.Load()
	return snap.pair, snap.present
}

// Snapshot returns the current pair together with its generation.
func (s *Store) Snapshot() (Pair, uint64) {
	snap := s.current.Load()
	return snap.pair, snap.gen
}

// Generation is incremented on every Replace and Clear.
func (s *Store) Generation() uint64 {
	return s.current.Load().gen
}

// Replace swaps in a new pair. A zero pair clears the store.
func (s *Store) Replace(ctx context.Context, pair Pair) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.swap(ctx, pair)
}

// ReplaceIf swaps in pair only when the store is still at generation gen.
func (s *Store) ReplaceIf(ctx context.Context, gen uint64, pair Pair) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.current.Load().gen != gen {
		return false
	}

	s.swap(ctx, pair)

	return true
}

// Clear removes the current pair.
func (s *Store) Clear(ctx context.Context) {
	s.Replace(ctx, Pair{})
}

// ClearIf clears the store only when it is still at generation gen.
func (s *Store) ClearIf(ctx context.Context, gen uint64) bool {
	return s.ReplaceIf(ctx, gen, Pair{})
}

// swap must be called with writeMu held.
func (s *Store) swap(ctx context.Context, pair Pair) {
	prev := s.current.Load()
	next := &snapshot{pair: pair, present: !pair.IsZero(), gen: prev.gen + 1}
	s.current.Store(next)

	if s.persister == nil {
		return
	}

	var err error
	if next.present {
		err = s.persister.Save(ctx, pair)
	} else {
		err = s.persister.Delete(ctx)
	}

	if err != nil {
		s.logger.ErrorContext(ctx, "failed to persist credentials",
			slog.Uint64("generation", next.gen),
			slog.Bool("cleared", !next.present),
			slog.Any("error", err))
	}
}
