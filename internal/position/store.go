// Package position keeps the per-symbol local position state and the
// mutual-exclusion discipline that serializes every operation touching it.
package position

import (
	"context"
	"log"
	"sync"
	"time"

	"execution-core/pkg/db"
)

// Store holds positions keyed by symbol. Two locking layers: a per-symbol
// operation lock (Lock) held across the whole read-decide-write span of an
// operation, including broker round trips, and an internal map mutex for
// short snapshot reads by the API.
type Store struct {
	mu        sync.Mutex
	symLocks  map[string]*sync.Mutex
	posMu     sync.RWMutex
	positions map[string]Position
	database  *db.Database
}

// NewStore creates an empty store. database may be nil; snapshots are then
// kept in memory only.
func NewStore(database *db.Database) *Store {
	return &Store{
		symLocks:  make(map[string]*sync.Mutex),
		positions: make(map[string]Position),
		database:  database,
	}
}

// Lock acquires the exclusive operation lock for a symbol and returns the
// unlock function. Every read-modify-write of a Position, however long, runs
// under this lock; operations on other symbols are unaffected.
func (s *Store) Lock(symbol string) func() {
	s.mu.Lock()
	l, ok := s.symLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		s.symLocks[symbol] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// TryLock acquires the symbol lock only if it is free. Scheduler-driven work
// uses it so a tick that collides with an in-flight operation is skipped
// instead of piling up behind the lock.
func (s *Store) TryLock(symbol string) (func(), bool) {
	s.mu.Lock()
	l, ok := s.symLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		s.symLocks[symbol] = l
	}
	s.mu.Unlock()

	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}

// Get returns the current snapshot for a symbol, a fresh FLAT one if the
// symbol has never been seen.
func (s *Store) Get(symbol string) Position {
	s.posMu.RLock()
	p, ok := s.positions[symbol]
	s.posMu.RUnlock()
	if !ok {
		return NewFlat(symbol)
	}
	return p
}

// Set replaces the snapshot for a symbol and persists it best-effort.
func (s *Store) Set(ctx context.Context, p Position) {
	p.UpdatedAt = time.Now()
	s.posMu.Lock()
	s.positions[p.Symbol] = p
	s.posMu.Unlock()

	if s.database != nil {
		snap := db.PositionSnapshot{
			Symbol:     p.Symbol,
			Side:       string(p.Side),
			Qty:        p.Qty,
			EntryPrice: p.EntryPrice,
			StopPrice:  p.StopPrice,
			StopStage:  string(p.StopStage),
		}
		if err := s.database.UpsertSnapshot(ctx, snap); err != nil {
			log.Printf("position: snapshot persist failed for %s: %v", p.Symbol, err)
		}
	}
}

// All returns a snapshot of every tracked position.
func (s *Store) All() []Position {
	s.posMu.RLock()
	defer s.posMu.RUnlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}
