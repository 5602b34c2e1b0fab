// Package storage is the byte-oriented key-value collaborator the sync
// engine persists through.  The engine treats it as plain
// append/overwrite storage; the only grouping it needs is a write batch
// so one block's tree delta lands together.
package storage

import (
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by Get for keys never written.
	ErrNotFound = errors.New("key not found")

	// ErrCorruption means the on-disk state can't be trusted.  Fatal;
	// continuing on unreadable local state is never safe.
	ErrCorruption = errors.New("storage corruption")
)

// Op is one write in a batch: a put, or a delete when Value is nil.
type Op struct {
	Key   []byte
	Value []byte
}

// KV is what the engine needs from a storage backend.
type KV interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error

	// Batch applies all ops as one write.
	Batch(ops []Op) error

	// Iterate walks every key with the given prefix.
	Iterate(prefix []byte, fn func(key, value []byte) error) error

	Close() error
}
