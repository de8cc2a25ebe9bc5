package store

import (
	"github.com/jmoiron/sqlx"

	"github.com/selivandex/autopilot-runner/internal/adapters/database"
)

// Store is the persistence façade the scheduler and control plane share.
// Every operation is row-atomic plain SQL; the only error kind callers treat
// specially is "backend unreachable", which bubbles to the tick loop.
//
// The store is bound to one chain id: all lookups are implicitly scoped.
type Store struct {
	db            *sqlx.DB
	chainID       int64
	maxRunRecords int
}

// New creates a store bound to chainID. maxRunRecords caps the runs table
// per chain; rows beyond it are trimmed on every insert.
func New(db *database.DB, chainID int64, maxRunRecords int) *Store {
	return &Store{
		db:            db.DB(),
		chainID:       chainID,
		maxRunRecords: maxRunRecords,
	}
}

// ChainID returns the chain this store is scoped to.
func (s *Store) ChainID() int64 {
	return s.chainID
}
