// Package store persists machine documents: API keys, provider connections,
// model aliases, combos and settings, one JSON document per machine.
//
// Three backends implement the same interface: SQLite (modernc, WAL) for
// single-node deployments, Redis for shared deployments, and an in-process
// map for tests and bootstrap.
//
// Concurrency: Mutate is a read-modify-write. The SQLite backend serialises
// it under a single writer; the Redis backend is last-write-wins, which is
// acceptable for health updates because backoff transitions are monotonic
// within one request's own sequence.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no machine document exists for the id.
var ErrNotFound = errors.New("store: machine not found")

// ErrKeyNotFound is returned by FindKey when no machine holds the key.
var ErrKeyNotFound = errors.New("store: api key not found")

// Machines is the machine-document store.
type Machines interface {
	// Get returns the machine document, or ErrNotFound.
	Get(ctx context.Context, id string) (*MachineData, error)

	// Put writes the full document, replacing any previous version.
	Put(ctx context.Context, m *MachineData) error

	// Mutate reads the document, applies fn and writes the result back.
	// Returns ErrNotFound when the machine does not exist and any error fn
	// returns (in which case nothing is written).
	Mutate(ctx context.Context, id string, fn func(*MachineData) error) error

	// FindKey scans all machines for an active API key equal to rawKey.
	// Used for legacy keys that carry no machine id. Returns ErrKeyNotFound
	// when no machine holds the key.
	FindKey(ctx context.Context, rawKey string) (*MachineData, *APIKey, error)

	// Close releases backend resources.
	Close() error
}
